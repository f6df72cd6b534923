package ml

import (
	"errors"
	"fmt"
	"math"
)

type NodeKind uint8

const (
	SplitNode NodeKind = iota + 1
	LeafNode
)

func (k NodeKind) String() string {
	switch k {
	case SplitNode:
		return "split"
	case LeafNode:
		return "leaf"
	default:
		return fmt.Sprintf("node(%d)", uint8(k))
	}
}

// Node is one entry of a tree arena. Split nodes route a point to Left when
// Feature.Response(point) <= Threshold and to Right otherwise; leaves carry
// the class distribution of the training examples that reached them.
type Node struct {
	Kind         NodeKind
	Feature      FeatureResponse
	Threshold    float64
	Left         int
	Right        int
	Depth        int
	SampleCount  int
	Distribution []float64
}

func (n *Node) IsLeaf() bool { return n.Kind == LeafNode }

// Tree stores its nodes depth first: a split node is followed by its left
// subtree and then its right subtree. Nodes[0] is the root.
type Tree struct {
	Nodes []Node
}

// Depth is the largest depth of any leaf, the root being at depth 0.
func (t *Tree) Depth() int {
	depth := 0
	for i := range t.Nodes {
		if t.Nodes[i].IsLeaf() && t.Nodes[i].Depth > depth {
			depth = t.Nodes[i].Depth
		}
	}
	return depth
}

func (t *Tree) Leaves() int {
	leaves := 0
	for i := range t.Nodes {
		if t.Nodes[i].IsLeaf() {
			leaves++
		}
	}
	return leaves
}

// Leaf routes point from the root to a leaf and returns that leaf's index.
func (t *Tree) Leaf(point []float64) int {
	idx := 0
	for !t.Nodes[idx].IsLeaf() {
		node := &t.Nodes[idx]
		if node.Feature.Response(point) <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
	}
	return idx
}

// Validate checks the arena invariants: every node is reachable from exactly
// one parent, children follow their parent, and leaf distributions are
// probability vectors over numClasses.
func (t *Tree) Validate(numClasses int) error {
	if len(t.Nodes) == 0 {
		return errors.New("tree has no nodes")
	}
	parents := make([]int, len(t.Nodes))
	for i := range t.Nodes {
		node := &t.Nodes[i]
		switch node.Kind {
		case LeafNode:
			if len(node.Distribution) != numClasses {
				return fmt.Errorf("leaf %d has %d classes, expected %d", i, len(node.Distribution), numClasses)
			}
			var sum float64
			for _, p := range node.Distribution {
				if p < 0 {
					return fmt.Errorf("leaf %d has negative probability %g", i, p)
				}
				sum += p
			}
			if math.Abs(sum-1) > 1e-9 {
				return fmt.Errorf("leaf %d probabilities sum to %g", i, sum)
			}
		case SplitNode:
			for _, child := range []int{node.Left, node.Right} {
				if child <= i || child >= len(t.Nodes) {
					return fmt.Errorf("node %d has invalid child %d", i, child)
				}
				if t.Nodes[child].Depth != node.Depth+1 {
					return fmt.Errorf("node %d at depth %d has child %d at depth %d", i, node.Depth, child, t.Nodes[child].Depth)
				}
				parents[child]++
			}
		default:
			return fmt.Errorf("node %d has unknown kind %s", i, node.Kind)
		}
	}
	for i := 1; i < len(parents); i++ {
		if parents[i] != 1 {
			return fmt.Errorf("node %d has %d parents", i, parents[i])
		}
	}
	return nil
}
