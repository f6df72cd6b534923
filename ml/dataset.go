package ml

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/stat"
)

type MatrixLayout uint8

const (
	// RowMajor stores one example per row: data[i*F+d].
	RowMajor MatrixLayout = iota
	// ColumnMajor stores features along rows and examples along columns:
	// data[d*N+i].
	ColumnMajor
)

type FeatureStats struct {
	Mean  float64 `json:"mean"`
	Stdev float64 `json:"stdev"`
}

// DataPointCollection is an immutable dense training set. Points are kept
// example-major so a weak learner reads one contiguous row per example.
type DataPointCollection struct {
	data       []float64
	labels     []int
	dimensions int
	numClasses int

	statsOnce sync.Once
	stats     []FeatureStats
}

// NewDataPointCollection copies rows and labels. numClasses <= 0 infers the
// class count as the largest label plus one.
func NewDataPointCollection(rows [][]float64, labels []int, numClasses int) (*DataPointCollection, error) {
	if len(rows) == 0 || len(labels) == 0 || len(rows[0]) == 0 {
		return nil, ErrEmptyData
	}
	if len(rows) != len(labels) {
		return nil, fmt.Errorf("%w: %d rows, %d labels", ErrDimensionMismatch, len(rows), len(labels))
	}
	dims := len(rows[0])
	data := make([]float64, 0, len(rows)*dims)
	for i, row := range rows {
		if len(row) != dims {
			return nil, fmt.Errorf("%w: row %d has %d features, expected %d", ErrDimensionMismatch, i, len(row), dims)
		}
		data = append(data, row...)
	}
	return newCollection(data, dims, labels, numClasses)
}

// NewDataPointCollectionFromMatrix builds a collection from a flat matrix of
// dimensions×count values in the given layout.
func NewDataPointCollectionFromMatrix(values []float64, dimensions, count int, layout MatrixLayout, labels []int, numClasses int) (*DataPointCollection, error) {
	if dimensions <= 0 || count <= 0 || len(labels) == 0 {
		return nil, ErrEmptyData
	}
	if len(values) != dimensions*count {
		return nil, fmt.Errorf("%w: %d values for %d features x %d examples", ErrDimensionMismatch, len(values), dimensions, count)
	}
	if len(labels) != count {
		return nil, fmt.Errorf("%w: %d examples, %d labels", ErrDimensionMismatch, count, len(labels))
	}
	data := make([]float64, len(values))
	switch layout {
	case RowMajor:
		copy(data, values)
	case ColumnMajor:
		for d := 0; d < dimensions; d++ {
			for i := 0; i < count; i++ {
				data[i*dimensions+d] = values[d*count+i]
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown matrix layout %d", ErrInvalidParameters, layout)
	}
	return newCollection(data, dimensions, labels, numClasses)
}

func newCollection(data []float64, dims int, labels []int, numClasses int) (*DataPointCollection, error) {
	maxLabel := -1
	for i, label := range labels {
		if label < 0 {
			return nil, fmt.Errorf("%w: example %d has label %d", ErrLabelOutOfRange, i, label)
		}
		if numClasses > 0 && label >= numClasses {
			return nil, fmt.Errorf("%w: example %d has label %d, expected < %d", ErrLabelOutOfRange, i, label, numClasses)
		}
		if label > maxLabel {
			maxLabel = label
		}
	}
	if numClasses <= 0 {
		numClasses = maxLabel + 1
	}
	return &DataPointCollection{
		data:       data,
		labels:     append([]int(nil), labels...),
		dimensions: dims,
		numClasses: numClasses,
	}, nil
}

func (c *DataPointCollection) Dimensions() int { return c.dimensions }

func (c *DataPointCollection) Count() int { return len(c.labels) }

func (c *DataPointCollection) CountClasses() int { return c.numClasses }

func (c *DataPointCollection) Label(i int) int { return c.labels[i] }

// Point returns a view of example i. Callers must not modify it.
func (c *DataPointCollection) Point(i int) []float64 {
	start := i * c.dimensions
	return c.data[start : start+c.dimensions : start+c.dimensions]
}

// GetFeatureStats returns the mean and sample standard deviation of feature d
// over all examples.
func (c *DataPointCollection) GetFeatureStats(d int) (FeatureStats, error) {
	if d < 0 || d >= c.dimensions {
		return FeatureStats{}, fmt.Errorf("%w: %d, dimensions %d", ErrFeatureOutOfRange, d, c.dimensions)
	}
	return c.featureStats()[d], nil
}

// AllFeatureStats returns a copy of every feature's statistics.
func (c *DataPointCollection) AllFeatureStats() []FeatureStats {
	return append([]FeatureStats(nil), c.featureStats()...)
}

// featureStats computes the statistics on first use.
func (c *DataPointCollection) featureStats() []FeatureStats {
	c.statsOnce.Do(func() {
		stats := make([]FeatureStats, c.dimensions)
		column := make([]float64, c.Count())
		for d := range stats {
			for i := range column {
				column[i] = c.data[i*c.dimensions+d]
			}
			if len(column) < 2 {
				stats[d] = FeatureStats{Mean: column[0]}
				continue
			}
			mean, stdev := stat.MeanStdDev(column, nil)
			stats[d] = FeatureStats{Mean: mean, Stdev: stdev}
		}
		c.stats = stats
	})
	return c.stats
}
