package ml

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	NoticeSingleWorker     = "single_worker_fallback"
	NoticeUnscaledFeatures = "unscaled_features"
)

// Notice is a non-fatal condition found while training.
type Notice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type TreeEvent struct {
	Index     int           `json:"index"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Nodes     int           `json:"nodes"`
	Leaves    int           `json:"leaves"`
	Depth     int           `json:"depth"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Observer is told about every finished tree. TreeTrained may be called from
// several workers at once.
type Observer interface {
	TreeTrained(TreeEvent)
}

type Result struct {
	Forest  *Forest
	Notices []Notice
	Workers int
	Elapsed time.Duration
}

type Trainer struct {
	params    TrainingParameters
	logger    *zap.Logger
	observers []Observer
}

type TrainerOption func(*Trainer)

func WithLogger(logger *zap.Logger) TrainerOption {
	return func(t *Trainer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithObserver(observer Observer) TrainerOption {
	return func(t *Trainer) {
		if observer != nil {
			t.observers = append(t.observers, observer)
		}
	}
}

// NewTrainer validates params once; the returned Trainer can train any number
// of forests with them.
func NewTrainer(params TrainingParameters, opts ...TrainerOption) (*Trainer, error) {
	params = params.Resolve()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	t := &Trainer{params: params, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Trainer) Params() TrainingParameters { return t.params }

// verbose logs at info level when the parameters ask for verbose output and
// at debug level otherwise.
func (t *Trainer) verbose(msg string, fields ...zap.Field) {
	if t.params.Verbose {
		t.logger.Info(msg, fields...)
		return
	}
	t.logger.Debug(msg, fields...)
}

// Train grows NumberOfTrees trees over data. It either returns a forest with
// every requested tree or an error; a failing tree aborts the whole run.
func (t *Trainer) Train(ctx context.Context, data *DataPointCollection) (*Result, error) {
	start := time.Now()
	params := t.params
	if data == nil || data.Count() == 0 {
		return nil, ErrEmptyData
	}

	t.verbose("training data",
		zap.Int("features", data.Dimensions()),
		zap.Int("classes", data.CountClasses()),
		zap.Int("examples", data.Count()))
	t.verbose("using weak learner", zap.Stringer("weak_learner", params.WeakLearner))

	var notices []Notice
	var stats []FeatureStats
	if params.FeatureScaling {
		stats = data.AllFeatureStats()
		for d, s := range stats {
			t.verbose("feature statistics", zap.Int("feature", d), zap.Float64("mean", s.Mean), zap.Float64("stdev", s.Stdev))
		}
	} else if params.WeakLearner != AxisAligned {
		notice := Notice{Code: NoticeUnscaledFeatures, Message: "no feature scaling is performed: make sure your features are scaled"}
		notices = append(notices, notice)
		t.verbose(notice.Message)
	}

	factory, err := NewFeatureFactory(params.WeakLearner, data.Dimensions(), params.HyperplaneDimensions, stats)
	if err != nil {
		return nil, err
	}

	workers := params.MaxThreads
	if workers > 1 && !parallelSupported {
		notice := Notice{Code: NoticeSingleWorker, Message: fmt.Sprintf("parallel training unavailable, falling back to 1 worker instead of %d", workers)}
		notices = append(notices, notice)
		t.logger.Warn(notice.Message)
		workers = 1
	}
	if workers > params.NumberOfTrees {
		workers = params.NumberOfTrees
	}

	forest := NewForest(data.CountClasses(), data.Dimensions(), params.WeakLearner)
	run := &forestRun{trainer: t, data: data, factory: factory, forest: forest}
	seeds := treeSeeds(params.Seed, params.NumberOfTrees)

	t.logger.Info("training forest", zap.Int("trees", params.NumberOfTrees), zap.Int("workers", workers))
	if workers == 1 {
		err = run.sequential(ctx, seeds)
	} else {
		err = run.parallel(ctx, seeds, workers)
	}
	if err != nil {
		return nil, err
	}
	if got := forest.Count(); got != params.NumberOfTrees {
		return nil, fmt.Errorf("%w: trained %d of %d trees", ErrIncompleteForest, got, params.NumberOfTrees)
	}

	elapsed := time.Since(start)
	t.logger.Info("forest trained", zap.Int("trees", forest.Count()), zap.Duration("elapsed", elapsed))
	return &Result{Forest: forest, Notices: notices, Workers: workers, Elapsed: elapsed}, nil
}

// treeSeeds draws one seed per tree from the top level seed, in tree order,
// so the set of trees does not depend on the number of workers.
func treeSeeds(seed uint64, n int) []uint64 {
	master := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	seeds := make([]uint64, n)
	for i := range seeds {
		seeds[i] = master.Uint64()
	}
	return seeds
}

type forestRun struct {
	trainer   *Trainer
	data      *DataPointCollection
	factory   *FeatureFactory
	forest    *Forest
	completed atomic.Int64
}

func (r *forestRun) sequential(ctx context.Context, seeds []uint64) error {
	for i, seed := range seeds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.trainOne(i, seed); err != nil {
			return err
		}
	}
	return nil
}

func (r *forestRun) parallel(ctx context.Context, seeds []uint64, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, seed := range seeds {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return r.trainOne(i, seed)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// trainTree grows a single tree; tests replace it to inject failures.
var trainTree = TrainTree

func (r *forestRun) trainOne(index int, seed uint64) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("train tree %d: panic: %v", index, p)
		}
	}()

	start := time.Now()
	rng := rand.New(rand.NewPCG(seed, uint64(index)))
	tree, err := trainTree(rng, r.data, r.factory, r.trainer.params)
	if err != nil {
		return fmt.Errorf("train tree %d: %w", index, err)
	}
	r.forest.AddTree(tree)

	event := TreeEvent{
		Index:     index,
		Completed: int(r.completed.Add(1)),
		Total:     r.trainer.params.NumberOfTrees,
		Nodes:     len(tree.Nodes),
		Leaves:    tree.Leaves(),
		Depth:     tree.Depth(),
		Elapsed:   time.Since(start),
	}
	r.trainer.logger.Debug("tree trained",
		zap.Int("tree", index),
		zap.Int("completed", event.Completed),
		zap.Int("nodes", event.Nodes),
		zap.Int("depth", event.Depth),
		zap.Duration("elapsed", event.Elapsed))
	for _, observer := range r.trainer.observers {
		observer.TreeTrained(event)
	}
	return nil
}
