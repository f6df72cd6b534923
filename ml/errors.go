package ml

import "errors"

var (
	// ErrInvalidParameters is returned when a training parameter is out of range.
	ErrInvalidParameters = errors.New("invalid training parameters")
	// ErrEmptyData is returned for a dataset without examples or features.
	ErrEmptyData = errors.New("features or labels empty")
	// ErrDimensionMismatch is returned when feature and label counts disagree.
	ErrDimensionMismatch = errors.New("features and labels size mismatch")
	// ErrLabelOutOfRange is returned for a label outside [0, numClasses).
	ErrLabelOutOfRange = errors.New("label out of range")
	// ErrFeatureOutOfRange is returned for a feature dimension >= Dimensions().
	ErrFeatureOutOfRange = errors.New("feature index out of range")
	// ErrScalingRequired is returned when the normalized hyperplane learner is
	// selected without feature scaling.
	ErrScalingRequired = errors.New("weak learner requires feature scaling")
	// ErrIncompleteForest is returned when fewer trees than requested were trained.
	ErrIncompleteForest = errors.New("forest is incomplete")
	// ErrInvalidArtifact is returned when a serialized forest cannot be decoded.
	ErrInvalidArtifact = errors.New("invalid forest artifact")
)
