package ml

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Artifact layout, little endian:
//
//	header  "RFST" u32:version u32:classes u32:dimensions u8:learner u32:trees
//	tree    u32:nodes node...
//	node    u8:tag u32:samples (split | leaf)
//	split   u8:learner params f64:threshold node(left) node(right)
//	leaf    f64 x classes
//
// Learner params are u32:axis for axis aligned learners and u32:n followed by
// n x (u32:dim f64:weight) for hyperplanes, with n x (f64:mean f64:stdev)
// appended for normalized hyperplanes.
const (
	artifactMagic   = "RFST"
	artifactVersion = 1

	tagSplit uint8 = 1
	tagLeaf  uint8 = 2

	// Limits applied when decoding so that a corrupt header cannot drive
	// allocation or recursion.
	maxArtifactClasses    = 1 << 16
	maxArtifactDimensions = 1 << 16
	maxArtifactDepth      = 4096
)

type encoder struct {
	w   *bufio.Writer
	buf [8]byte
	err error
}

func (e *encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

func (e *encoder) u8(v uint8) {
	e.buf[0] = v
	e.write(e.buf[:1])
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

func (e *encoder) f64(v float64) {
	binary.LittleEndian.PutUint64(e.buf[:8], math.Float64bits(v))
	e.write(e.buf[:8])
}

// Serialize writes every tree in the order it was added to the forest.
func (f *Forest) Serialize(w io.Writer) error {
	if f.NumClasses > maxArtifactClasses || f.Dimensions > maxArtifactDimensions {
		return fmt.Errorf("serialize forest: %d classes over %d dimensions exceeds the artifact limits", f.NumClasses, f.Dimensions)
	}
	trees := f.Trees()
	e := &encoder{w: bufio.NewWriter(w)}
	e.write([]byte(artifactMagic))
	e.u32(artifactVersion)
	e.u32(uint32(f.NumClasses))
	e.u32(uint32(f.Dimensions))
	e.u8(uint8(f.WeakLearner))
	e.u32(uint32(len(trees)))
	for _, tree := range trees {
		e.u32(uint32(len(tree.Nodes)))
		if len(tree.Nodes) > 0 {
			e.node(tree, 0)
		}
	}
	if e.err != nil {
		return fmt.Errorf("serialize forest: %w", e.err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("serialize forest: %w", err)
	}
	return nil
}

func (e *encoder) node(tree *Tree, idx int) {
	node := &tree.Nodes[idx]
	if node.IsLeaf() {
		e.u8(tagLeaf)
		e.u32(uint32(node.SampleCount))
		for _, p := range node.Distribution {
			e.f64(p)
		}
		return
	}

	e.u8(tagSplit)
	e.u32(uint32(node.SampleCount))
	e.feature(node.Feature)
	e.f64(node.Threshold)
	e.node(tree, node.Left)
	e.node(tree, node.Right)
}

func (e *encoder) feature(f FeatureResponse) {
	e.u8(uint8(f.Kind))
	if f.Kind == AxisAligned {
		e.u32(uint32(f.Axis))
		return
	}
	e.u32(uint32(len(f.Dims)))
	for _, d := range f.Dims {
		e.u32(uint32(d))
		e.f64(f.Weights[d])
	}
	if f.Kind == RandomHyperplaneNormalized {
		for j := range f.Dims {
			e.f64(f.Means[j])
			e.f64(f.Stdevs[j])
		}
	}
}

type decoder struct {
	r          *bufio.Reader
	buf        [8]byte
	err        error
	numClasses int
	dimensions int
	declared   int
	nodes      []Node
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return d.buf[:n]
	}
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		d.err = fmt.Errorf("%w: %w", ErrInvalidArtifact, err)
	}
	return d.buf[:n]
}

func (d *decoder) u8() uint8 { return d.read(1)[0] }

func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.read(4)) }

func (d *decoder) f64() float64 { return math.Float64frombits(binary.LittleEndian.Uint64(d.read(8))) }

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: "+format, append([]any{ErrInvalidArtifact}, args...)...)
	}
}

// Deserialize reads a forest written by Serialize.
func Deserialize(r io.Reader) (*Forest, error) {
	d := &decoder{r: bufio.NewReader(r)}
	magic := make([]byte, len(artifactMagic))
	if _, err := io.ReadFull(d.r, magic); err != nil || string(magic) != artifactMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidArtifact)
	}
	if version := d.u32(); d.err == nil && version != artifactVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidArtifact, version)
	}
	d.numClasses = int(d.u32())
	d.dimensions = int(d.u32())
	kind := WeakLearnerKind(d.u8())
	count := d.u32()
	if d.err == nil && (!kind.valid() ||
		d.numClasses <= 0 || d.numClasses > maxArtifactClasses ||
		d.dimensions <= 0 || d.dimensions > maxArtifactDimensions) {
		d.fail("header classes=%d dimensions=%d learner=%s", d.numClasses, d.dimensions, kind)
	}

	forest := NewForest(d.numClasses, d.dimensions, kind)
	for t := uint32(0); t < count && d.err == nil; t++ {
		d.declared = int(d.u32())
		d.nodes = nil
		if d.err == nil && d.declared > 0 {
			d.node(0)
		}
		if d.err == nil && len(d.nodes) != d.declared {
			d.fail("tree %d declares %d nodes, decoded %d", t, d.declared, len(d.nodes))
		}
		forest.AddTree(&Tree{Nodes: d.nodes})
	}
	if d.err != nil {
		return nil, fmt.Errorf("deserialize forest: %w", d.err)
	}
	return forest, nil
}

func (d *decoder) node(depth int) int {
	idx := len(d.nodes)
	if d.err != nil {
		return idx
	}
	if idx >= d.declared {
		d.fail("more than the declared %d nodes", d.declared)
		return idx
	}
	if depth > maxArtifactDepth {
		d.fail("tree deeper than %d levels", maxArtifactDepth)
		return idx
	}
	d.nodes = append(d.nodes, Node{Depth: depth})
	tag := d.u8()
	samples := int(d.u32())
	if d.err != nil {
		return idx
	}
	d.nodes[idx].SampleCount = samples

	switch tag {
	case tagLeaf:
		var dist []float64
		for i := 0; i < d.numClasses && d.err == nil; i++ {
			dist = append(dist, d.f64())
		}
		if d.err != nil {
			return idx
		}
		d.nodes[idx].Kind = LeafNode
		d.nodes[idx].Distribution = dist
	case tagSplit:
		feature := d.feature()
		threshold := d.f64()
		if d.err != nil {
			return idx
		}
		d.nodes[idx].Kind = SplitNode
		d.nodes[idx].Feature = feature
		d.nodes[idx].Threshold = threshold
		left := d.node(depth + 1)
		if d.err != nil {
			return idx
		}
		right := d.node(depth + 1)
		d.nodes[idx].Left = left
		d.nodes[idx].Right = right
	default:
		d.fail("unknown node tag %d", tag)
	}
	return idx
}

func (d *decoder) feature() FeatureResponse {
	f := FeatureResponse{Kind: WeakLearnerKind(d.u8())}
	switch f.Kind {
	case AxisAligned:
		f.Axis = int(d.u32())
		if d.err == nil && f.Axis >= d.dimensions {
			d.fail("axis %d out of %d dimensions", f.Axis, d.dimensions)
		}
	case RandomHyperplane, RandomHyperplaneNormalized:
		n := int(d.u32())
		if d.err != nil {
			return f
		}
		if n == 0 || n > d.dimensions {
			d.fail("hyperplane over %d of %d dimensions", n, d.dimensions)
			return f
		}
		f.Dims = make([]int, n)
		f.Weights = make([]float64, d.dimensions)
		for j := range f.Dims {
			dim := int(d.u32())
			weight := d.f64()
			if d.err != nil {
				return f
			}
			if dim >= d.dimensions {
				d.fail("hyperplane dimension %d out of %d", dim, d.dimensions)
				return f
			}
			f.Dims[j] = dim
			f.Weights[dim] = weight
		}
		if f.Kind == RandomHyperplaneNormalized {
			f.Means = make([]float64, n)
			f.Stdevs = make([]float64, n)
			for j := range f.Dims {
				f.Means[j] = d.f64()
				f.Stdevs[j] = d.f64()
			}
		}
	default:
		d.fail("unknown weak learner %s", f.Kind)
	}
	return f
}
