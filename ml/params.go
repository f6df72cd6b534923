package ml

import (
	"fmt"
	"strings"
)

type WeakLearnerKind uint8

const (
	AxisAligned WeakLearnerKind = iota + 1
	RandomHyperplane
	RandomHyperplaneNormalized
)

func (k WeakLearnerKind) String() string {
	switch k {
	case AxisAligned:
		return "axis_aligned"
	case RandomHyperplane:
		return "random_hyperplane"
	case RandomHyperplaneNormalized:
		return "random_hyperplane_normalized"
	default:
		return fmt.Sprintf("weak_learner(%d)", uint8(k))
	}
}

func (k WeakLearnerKind) valid() bool {
	return k >= AxisAligned && k <= RandomHyperplaneNormalized
}

// ParseWeakLearner accepts the snake case names returned by String as well as
// the CamelCase names used by older option files.
func ParseWeakLearner(name string) (WeakLearnerKind, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "-", "_")) {
	case "axis_aligned", "axisaligned":
		return AxisAligned, nil
	case "random_hyperplane", "randomhyperplane":
		return RandomHyperplane, nil
	case "random_hyperplane_normalized", "randomhyperplanenormalized":
		return RandomHyperplaneNormalized, nil
	default:
		return 0, fmt.Errorf("%w: unknown weak learner %q", ErrInvalidParameters, name)
	}
}

type Criterion uint8

const (
	Entropy Criterion = iota
	Gini
)

func (c Criterion) String() string {
	if c == Gini {
		return "gini"
	}
	return "entropy"
}

func ParseCriterion(name string) (Criterion, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "entropy":
		return Entropy, nil
	case "gini":
		return Gini, nil
	default:
		return Entropy, fmt.Errorf("%w: unknown criterion %q", ErrInvalidParameters, name)
	}
}

// TrainingParameters is validated once by NewTrainer and never mutated after.
type TrainingParameters struct {
	MaxDecisionLevels                     int
	NumberOfCandidateFeatures             int
	NumberOfCandidateThresholdsPerFeature int
	NumberOfTrees                         int
	MaxThreads                            int
	WeakLearner                           WeakLearnerKind
	FeatureScaling                        bool
	Verbose                               bool

	// HyperplaneDimensions restricts hyperplane learners to a random subset of
	// this many dimensions. Zero uses every dimension.
	HyperplaneDimensions int
	MinSamplesToSplit    int
	MinInformationGain   float64
	Criterion            Criterion
	Seed                 uint64
}

func DefaultTrainingParameters() TrainingParameters {
	return TrainingParameters{
		MaxDecisionLevels:                     10,
		NumberOfCandidateFeatures:             10,
		NumberOfCandidateThresholdsPerFeature: 10,
		NumberOfTrees:                         10,
		MaxThreads:                            1,
		WeakLearner:                           AxisAligned,
		MinSamplesToSplit:                     2,
		Criterion:                             Entropy,
		Seed:                                  1,
	}
}

// Resolve maps the random hyperplane learner onto its normalized form when
// feature scaling is on, the way the learner is selected from user options.
func (p TrainingParameters) Resolve() TrainingParameters {
	if p.WeakLearner == RandomHyperplane && p.FeatureScaling {
		p.WeakLearner = RandomHyperplaneNormalized
	}
	if p.MinSamplesToSplit < 2 {
		p.MinSamplesToSplit = 2
	}
	return p
}

func (p TrainingParameters) Validate() error {
	switch {
	case p.MaxDecisionLevels <= 0:
		return fmt.Errorf("%w: MaxDecisionLevels must be positive, got %d", ErrInvalidParameters, p.MaxDecisionLevels)
	case p.NumberOfCandidateFeatures <= 0:
		return fmt.Errorf("%w: NumberOfCandidateFeatures must be positive, got %d", ErrInvalidParameters, p.NumberOfCandidateFeatures)
	case p.NumberOfCandidateThresholdsPerFeature <= 0:
		return fmt.Errorf("%w: NumberOfCandidateThresholdsPerFeature must be positive, got %d", ErrInvalidParameters, p.NumberOfCandidateThresholdsPerFeature)
	case p.NumberOfTrees <= 0:
		return fmt.Errorf("%w: NumberOfTrees must be positive, got %d", ErrInvalidParameters, p.NumberOfTrees)
	case p.MaxThreads < 1:
		return fmt.Errorf("%w: MaxThreads must be at least 1, got %d", ErrInvalidParameters, p.MaxThreads)
	case !p.WeakLearner.valid():
		return fmt.Errorf("%w: unknown weak learner %s", ErrInvalidParameters, p.WeakLearner)
	case p.HyperplaneDimensions < 0:
		return fmt.Errorf("%w: HyperplaneDimensions must not be negative, got %d", ErrInvalidParameters, p.HyperplaneDimensions)
	case p.MinInformationGain < 0:
		return fmt.Errorf("%w: MinInformationGain must not be negative, got %g", ErrInvalidParameters, p.MinInformationGain)
	case p.Criterion != Entropy && p.Criterion != Gini:
		return fmt.Errorf("%w: unknown criterion %d", ErrInvalidParameters, p.Criterion)
	}
	if p.WeakLearner == RandomHyperplaneNormalized && !p.FeatureScaling {
		return fmt.Errorf("%w: %s", ErrScalingRequired, p.WeakLearner)
	}
	return nil
}
