package ml

import (
	"math/rand/v2"
	"testing"
)

// blobs draws count examples per class around well separated class centers.
func blobs(t *testing.T, seed uint64, classes, perClass, dims int) *DataPointCollection {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, 7))
	rows := make([][]float64, 0, classes*perClass)
	labels := make([]int, 0, classes*perClass)
	for c := 0; c < classes; c++ {
		for i := 0; i < perClass; i++ {
			row := make([]float64, dims)
			for d := range row {
				row[d] = rng.NormFloat64()
			}
			row[c%dims] += 3
			rows = append(rows, row)
			labels = append(labels, c)
		}
	}
	data, err := NewDataPointCollection(rows, labels, classes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return data
}

// separable is two classes over four features where only feature 0 splits
// the classes perfectly.
func separable(t *testing.T) *DataPointCollection {
	t.Helper()
	rows := [][]float64{
		{0.0, 0.5, 1, 7},
		{0.0, 0.2, 3, 7},
		{0.0, 0.9, 5, 7},
		{0.0, 0.1, 7, 7},
		{1.0, 0.4, 2, 7},
		{1.0, 0.8, 4, 7},
		{1.0, 0.3, 6, 7},
		{1.0, 0.6, 8, 7},
	}
	labels := []int{0, 0, 0, 0, 1, 1, 1, 1}
	data, err := NewDataPointCollection(rows, labels, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return data
}

// checkTree routes every training example through tree and verifies the
// structural properties every trained tree must have.
func checkTree(t *testing.T, tree *Tree, data *DataPointCollection, params TrainingParameters) {
	t.Helper()
	if err := tree.Validate(data.CountClasses()); err != nil {
		t.Fatalf("invalid tree: %v", err)
	}
	if depth := tree.Depth(); depth > params.MaxDecisionLevels {
		t.Fatalf("tree depth %d exceeds %d", depth, params.MaxDecisionLevels)
	}

	reach := make([][]int, len(tree.Nodes))
	for i := 0; i < data.Count(); i++ {
		reach[0] = append(reach[0], i)
	}
	for i := range tree.Nodes {
		node := &tree.Nodes[i]
		hist := NewHistogram(data.CountClasses())
		for _, idx := range reach[i] {
			hist.add(data.Label(idx))
		}
		if node.SampleCount != len(reach[i]) {
			t.Fatalf("node %d records %d samples, %d reach it", i, node.SampleCount, len(reach[i]))
		}
		if node.IsLeaf() {
			for c, p := range hist.Probabilities() {
				if diff := p - node.Distribution[c]; diff > 1e-12 || diff < -1e-12 {
					t.Fatalf("leaf %d class %d probability %g, expected %g", i, c, node.Distribution[c], p)
				}
			}
			continue
		}

		left, right := NewHistogram(data.CountClasses()), NewHistogram(data.CountClasses())
		for _, idx := range reach[i] {
			if node.Feature.Response(data.Point(idx)) <= node.Threshold {
				reach[node.Left] = append(reach[node.Left], idx)
				left.add(data.Label(idx))
			} else {
				reach[node.Right] = append(reach[node.Right], idx)
				right.add(data.Label(idx))
			}
		}
		if len(reach[node.Left])+len(reach[node.Right]) != len(reach[i]) {
			t.Fatalf("node %d children hold %d+%d of %d samples", i, len(reach[node.Left]), len(reach[node.Right]), len(reach[i]))
		}
		merged, err := left.Merge(right)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !merged.Equal(hist) {
			t.Fatalf("node %d children histograms do not merge to the parent", i)
		}
		if gain := InformationGain(params.Criterion, hist, left, right); gain <= 0 {
			t.Fatalf("node %d split has gain %g", i, gain)
		}
	}
}

func testParams() TrainingParameters {
	params := DefaultTrainingParameters()
	params.MaxDecisionLevels = 6
	params.NumberOfCandidateFeatures = 3
	params.NumberOfCandidateThresholdsPerFeature = 5
	params.NumberOfTrees = 4
	params.Seed = 42
	return params
}
