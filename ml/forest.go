package ml

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
)

// Forest owns the trained trees. Trees are appended by the trainer while
// training runs; once Train returns the forest is only read.
type Forest struct {
	NumClasses  int
	Dimensions  int
	WeakLearner WeakLearnerKind

	mu    sync.Mutex
	trees []*Tree
}

func NewForest(numClasses, dimensions int, kind WeakLearnerKind) *Forest {
	return &Forest{NumClasses: numClasses, Dimensions: dimensions, WeakLearner: kind}
}

// AddTree appends tree. It is safe to call from several workers.
func (f *Forest) AddTree(tree *Tree) {
	f.mu.Lock()
	f.trees = append(f.trees, tree)
	f.mu.Unlock()
}

func (f *Forest) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.trees)
}

// Trees returns the trees in the order they were added.
func (f *Forest) Trees() []*Tree {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Tree(nil), f.trees...)
}

func (f *Forest) Tree(i int) *Tree {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trees[i]
}

// SaveFile serializes the forest to path, creating its directory if needed.
func (f *Forest) SaveFile(path string) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create forest dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create forest file: %w", err)
	}
	defer func() {
		err = multierr.Append(err, file.Close())
	}()
	return f.Serialize(file)
}

func LoadFile(path string) (forest *Forest, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open forest file: %w", err)
	}
	defer func() {
		err = multierr.Append(err, file.Close())
	}()
	return Deserialize(file)
}
