package ml

import (
	"math"
	"math/rand/v2"
	"sort"
)

// gainEpsilon absorbs rounding in InformationGain so that a split whose
// children reproduce the parent distribution is never taken.
const gainEpsilon = 1e-12

// nodeState is the outcome for a frontier node once its stopping conditions
// and split candidates have been evaluated.
type nodeState uint8

const (
	stateLeaf nodeState = iota
	stateInternal
)

type splitCandidate struct {
	feature   FeatureResponse
	threshold float64
	gain      float64
}

type treeTrainer struct {
	rng     *rand.Rand
	data    *DataPointCollection
	factory *FeatureFactory
	params  TrainingParameters
	nodes   []Node

	responses  []float64
	samples    []float64
	thresholds []float64
	partitions []*Histogram
	left       *Histogram
	right      *Histogram
}

// TrainTree grows one tree over every example of data. All randomness is drawn
// from rng, so a tree is reproducible from the state of rng and params.
func TrainTree(rng *rand.Rand, data *DataPointCollection, factory *FeatureFactory, params TrainingParameters) (*Tree, error) {
	params = params.Resolve()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	numClasses := data.CountClasses()
	t := &treeTrainer{
		rng:        rng,
		data:       data,
		factory:    factory,
		params:     params,
		responses:  make([]float64, data.Count()),
		samples:    make([]float64, 0, data.Count()),
		thresholds: make([]float64, 0, params.NumberOfCandidateThresholdsPerFeature),
		partitions: make([]*Histogram, params.NumberOfCandidateThresholdsPerFeature+1),
		left:       NewHistogram(numClasses),
		right:      NewHistogram(numClasses),
	}
	for i := range t.partitions {
		t.partitions[i] = NewHistogram(numClasses)
	}

	indices := make([]int, data.Count())
	for i := range indices {
		indices[i] = i
	}
	t.grow(indices, 0)
	return &Tree{Nodes: t.nodes}, nil
}

// grow appends the subtree for indices to the arena and returns the index of
// its root. Children are complete before grow returns.
func (t *treeTrainer) grow(indices []int, depth int) int {
	idx := len(t.nodes)
	t.nodes = append(t.nodes, Node{Depth: depth, SampleCount: len(indices)})

	parent := NewHistogram(t.data.CountClasses())
	for _, i := range indices {
		parent.add(t.data.Label(i))
	}

	state, best := t.decide(indices, parent, depth)
	if state == stateLeaf {
		t.nodes[idx].Kind = LeafNode
		t.nodes[idx].Distribution = parent.Probabilities()
		return idx
	}

	split := t.partition(indices, best)
	t.nodes[idx].Kind = SplitNode
	t.nodes[idx].Feature = best.feature
	t.nodes[idx].Threshold = best.threshold

	left := t.grow(indices[:split], depth+1)
	right := t.grow(indices[split:], depth+1)
	t.nodes[idx].Left = left
	t.nodes[idx].Right = right
	return idx
}

// decide moves a frontier node either to a leaf or to an internal node with
// the winning split. Stopping conditions are checked in order.
func (t *treeTrainer) decide(indices []int, parent *Histogram, depth int) (nodeState, splitCandidate) {
	switch {
	case depth >= t.params.MaxDecisionLevels:
		return stateLeaf, splitCandidate{}
	case len(indices) < t.params.MinSamplesToSplit:
		return stateLeaf, splitCandidate{}
	case parent.Impurity(t.params.Criterion) == 0:
		return stateLeaf, splitCandidate{}
	}

	best, ok := t.bestSplit(indices, parent)
	if !ok || best.gain <= t.params.MinInformationGain+gainEpsilon {
		return stateLeaf, splitCandidate{}
	}
	return stateInternal, best
}

func (t *treeTrainer) bestSplit(indices []int, parent *Histogram) (splitCandidate, bool) {
	best := splitCandidate{gain: math.Inf(-1)}
	found := false
	responses := t.responses[:len(indices)]

	for _, feature := range t.factory.CreateCandidates(t.rng, t.params.NumberOfCandidateFeatures) {
		for j, i := range indices {
			responses[j] = feature.Response(t.data.Point(i))
		}
		thresholds := t.chooseThresholds(responses)
		if len(thresholds) == 0 {
			continue
		}

		// One scan bins every example into the interval between consecutive
		// thresholds; left statistics for threshold k are bins 0..k.
		bins := t.partitions[:len(thresholds)+1]
		for _, bin := range bins {
			bin.Clear()
		}
		for j, i := range indices {
			bins[sort.SearchFloat64s(thresholds, responses[j])].add(t.data.Label(i))
		}

		t.left.Clear()
		for k, threshold := range thresholds {
			t.left.accumulate(bins[k])
			t.right.SetDifference(parent, t.left)
			gain := InformationGain(t.params.Criterion, parent, t.left, t.right)
			if gain > best.gain {
				best = splitCandidate{feature: feature, threshold: threshold, gain: gain}
				found = true
			}
		}
	}
	return best, found
}

// chooseThresholds sorts a random sample of K+1 responses, drawn without
// replacement, and places one threshold uniformly between each consecutive
// pair. Nodes with at most K+1 examples sample every response. The returned
// thresholds are ascending and empty when the sample is constant.
func (t *treeTrainer) chooseThresholds(responses []float64) []float64 {
	k := t.params.NumberOfCandidateThresholdsPerFeature
	samples := append(t.samples[:0], responses...)
	if len(samples) > k+1 {
		for i := 0; i <= k; i++ {
			j := i + t.rng.IntN(len(samples)-i)
			samples[i], samples[j] = samples[j], samples[i]
		}
		samples = samples[:k+1]
	} else {
		k = len(samples) - 1
	}
	t.samples = samples

	sort.Float64s(samples)
	thresholds := t.thresholds[:0]
	if k <= 0 || samples[0] == samples[k] {
		return thresholds
	}
	for i := 0; i < k; i++ {
		thresholds = append(thresholds, samples[i]+t.rng.Float64()*(samples[i+1]-samples[i]))
	}
	t.thresholds = thresholds
	return thresholds
}

// partition reorders indices in place so that examples sent left come first
// and returns the number of them.
func (t *treeTrainer) partition(indices []int, split splitCandidate) int {
	i, j := 0, len(indices)-1
	for i <= j {
		if split.feature.Response(t.data.Point(indices[i])) <= split.threshold {
			i++
			continue
		}
		indices[i], indices[j] = indices[j], indices[i]
		j--
	}
	return i
}
