package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Histogram aggregates class label counts for a set of data points.
type Histogram struct {
	bins  []uint32
	total uint32
}

func NewHistogram(numClasses int) *Histogram {
	return &Histogram{bins: make([]uint32, numClasses)}
}

func (h *Histogram) NumClasses() int { return len(h.bins) }

func (h *Histogram) SampleCount() int { return int(h.total) }

func (h *Histogram) Count(label int) int { return int(h.bins[label]) }

func (h *Histogram) Add(label int) error {
	if label < 0 || label >= len(h.bins) {
		return fmt.Errorf("%w: %d, classes %d", ErrLabelOutOfRange, label, len(h.bins))
	}
	h.add(label)
	return nil
}

// add skips the range check; labels are validated with the dataset.
func (h *Histogram) add(label int) {
	h.bins[label]++
	h.total++
}

func (h *Histogram) Clear() {
	for i := range h.bins {
		h.bins[i] = 0
	}
	h.total = 0
}

func (h *Histogram) Clone() *Histogram {
	return &Histogram{bins: append([]uint32(nil), h.bins...), total: h.total}
}

// Merge returns the elementwise sum of h and other.
func (h *Histogram) Merge(other *Histogram) (*Histogram, error) {
	if len(other.bins) != len(h.bins) {
		return nil, fmt.Errorf("%w: merging %d and %d classes", ErrDimensionMismatch, len(h.bins), len(other.bins))
	}
	merged := h.Clone()
	merged.accumulate(other)
	return merged, nil
}

func (h *Histogram) accumulate(other *Histogram) {
	for i, n := range other.bins {
		h.bins[i] += n
	}
	h.total += other.total
}

// SetDifference sets h to parent minus child. child must be a subset of
// parent, as the statistics of one side of a split are of its parent.
func (h *Histogram) SetDifference(parent, child *Histogram) {
	for i := range h.bins {
		h.bins[i] = parent.bins[i] - child.bins[i]
	}
	h.total = parent.total - child.total
}

func (h *Histogram) Equal(other *Histogram) bool {
	if len(h.bins) != len(other.bins) || h.total != other.total {
		return false
	}
	for i, n := range h.bins {
		if other.bins[i] != n {
			return false
		}
	}
	return true
}

// Entropy is the Shannon entropy in bits; 0 for an empty or pure histogram.
func (h *Histogram) Entropy() float64 {
	if h.total == 0 {
		return 0
	}
	total := float64(h.total)
	var entropy float64
	for _, n := range h.bins {
		if n == 0 {
			continue
		}
		p := float64(n) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func (h *Histogram) Gini() float64 {
	if h.total == 0 {
		return 0
	}
	total := float64(h.total)
	impurity := 1.0
	for _, n := range h.bins {
		p := float64(n) / total
		impurity -= p * p
	}
	return impurity
}

func (h *Histogram) Impurity(c Criterion) float64 {
	if c == Gini {
		return h.Gini()
	}
	return h.Entropy()
}

// Probabilities normalizes the counts. An empty histogram yields zeros.
func (h *Histogram) Probabilities() []float64 {
	probs := make([]float64, len(h.bins))
	if h.total == 0 {
		return probs
	}
	for i, n := range h.bins {
		probs[i] = float64(n)
	}
	floats.Scale(1/float64(h.total), probs)
	return probs
}

// InformationGain is the parent impurity minus the sample weighted impurity of
// the two children. A split that leaves one side empty gains nothing.
func InformationGain(c Criterion, parent, left, right *Histogram) float64 {
	if parent.total == 0 || left.total == 0 || right.total == 0 {
		return 0
	}
	total := float64(parent.total)
	leftWeight := float64(left.total) / total
	rightWeight := float64(right.total) / total
	return parent.Impurity(c) - (leftWeight*left.Impurity(c) + rightWeight*right.Impurity(c))
}
