package ml

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// FeatureResponse is a randomly parameterized scalar projection of a data
// point. Kind selects which of the parameter fields are in use:
//
//	AxisAligned                 Axis
//	RandomHyperplane            Dims, Weights
//	RandomHyperplaneNormalized  Dims, Weights, Means, Stdevs
//
// Weights is dense over every dimension (zero outside Dims); Means and Stdevs
// are aligned with Dims.
type FeatureResponse struct {
	Kind    WeakLearnerKind
	Axis    int
	Dims    []int
	Weights []float64
	Means   []float64
	Stdevs  []float64
}

func (f FeatureResponse) Response(point []float64) float64 {
	switch f.Kind {
	case AxisAligned:
		return point[f.Axis]
	case RandomHyperplane:
		return floats.Dot(f.Weights, point)
	case RandomHyperplaneNormalized:
		var sum float64
		for j, d := range f.Dims {
			sum += f.Weights[d] * (point[d] - f.Means[j]) / scale(f.Stdevs[j])
		}
		return sum
	default:
		panic(fmt.Sprintf("ml: response of unknown weak learner %s", f.Kind))
	}
}

// scale keeps constant features from dividing by zero during standardization.
func scale(stdev float64) float64 {
	if stdev == 0 {
		return 1
	}
	return stdev
}

func (f FeatureResponse) String() string {
	switch f.Kind {
	case AxisAligned:
		return fmt.Sprintf("%s[%d]", f.Kind, f.Axis)
	default:
		return fmt.Sprintf("%s%v", f.Kind, f.Dims)
	}
}

// FeatureFactory creates fresh random weak learners for split candidates.
type FeatureFactory struct {
	kind       WeakLearnerKind
	dimensions int
	subset     int
	stats      []FeatureStats
}

// NewFeatureFactory returns a factory over the given dimensionality. subset
// restricts hyperplanes to that many random dimensions (0 means all). stats
// is required for the normalized hyperplane learner and ignored otherwise.
func NewFeatureFactory(kind WeakLearnerKind, dimensions, subset int, stats []FeatureStats) (*FeatureFactory, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: unknown weak learner %s", ErrInvalidParameters, kind)
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive, got %d", ErrInvalidParameters, dimensions)
	}
	if kind == RandomHyperplaneNormalized && len(stats) != dimensions {
		return nil, fmt.Errorf("%w: %s needs statistics for %d features, got %d", ErrScalingRequired, kind, dimensions, len(stats))
	}
	if subset <= 0 || subset > dimensions {
		subset = dimensions
	}
	return &FeatureFactory{kind: kind, dimensions: dimensions, subset: subset, stats: stats}, nil
}

func (f *FeatureFactory) Kind() WeakLearnerKind { return f.kind }

func (f *FeatureFactory) CreateRandom(rng *rand.Rand) FeatureResponse {
	if f.kind == AxisAligned {
		return FeatureResponse{Kind: AxisAligned, Axis: rng.IntN(f.dimensions)}
	}
	return f.hyperplane(rng)
}

// CreateCandidates draws the k learners evaluated at one node. Axes are drawn
// without replacement until every dimension has been used once.
func (f *FeatureFactory) CreateCandidates(rng *rand.Rand, k int) []FeatureResponse {
	candidates := make([]FeatureResponse, 0, k)
	if f.kind != AxisAligned {
		for i := 0; i < k; i++ {
			candidates = append(candidates, f.hyperplane(rng))
		}
		return candidates
	}

	axes := make([]int, f.dimensions)
	for i := range axes {
		axes[i] = i
	}
	for i := 0; i < k; i++ {
		if i >= len(axes) {
			candidates = append(candidates, f.CreateRandom(rng))
			continue
		}
		j := i + rng.IntN(len(axes)-i)
		axes[i], axes[j] = axes[j], axes[i]
		candidates = append(candidates, FeatureResponse{Kind: AxisAligned, Axis: axes[i]})
	}
	return candidates
}

func (f *FeatureFactory) hyperplane(rng *rand.Rand) FeatureResponse {
	var dims []int
	if f.subset == f.dimensions {
		dims = make([]int, f.dimensions)
		for i := range dims {
			dims[i] = i
		}
	} else {
		dims = rng.Perm(f.dimensions)[:f.subset]
		sort.Ints(dims)
	}

	weights := make([]float64, f.dimensions)
	for _, d := range dims {
		weights[d] = 2*rng.Float64() - 1
	}
	response := FeatureResponse{Kind: f.kind, Dims: dims, Weights: weights}
	if f.kind == RandomHyperplaneNormalized {
		response.Means = make([]float64, len(dims))
		response.Stdevs = make([]float64, len(dims))
		for j, d := range dims {
			response.Means[j] = f.stats[d].Mean
			response.Stdevs[j] = f.stats[d].Stdev
		}
	}
	return response
}
