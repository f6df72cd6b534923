package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"randforest/config"
	"randforest/db"
	"randforest/logging"
	"randforest/pipeline"
)

// trainFlags 命令行参数，未显式给出的参数保留配置文件中的值
type trainFlags struct {
	config      *string
	input       *string
	output      *string
	trees       *int
	threads     *int
	depth       *int
	features    *int
	thresholds  *int
	hyperplane  *int
	criterion   *string
	weakLearner *string
	seed        *uint64
	scaling     *bool
	layout      *string
	verbose     *bool
	record      *bool
}

func newTrainFlags(fs *flag.FlagSet) *trainFlags {
	return &trainFlags{
		config:      fs.String("config", "", "optional YAML config file"),
		input:       fs.String("input", "", "training data file"),
		output:      fs.String("output", "", "forest output path"),
		trees:       fs.Int("trees", 0, "number of trees"),
		threads:     fs.Int("threads", 0, "max worker threads"),
		depth:       fs.Int("max_depth", 0, "max decision levels"),
		features:    fs.Int("features", 0, "candidate features per node"),
		thresholds:  fs.Int("thresholds", 0, "candidate thresholds per feature"),
		hyperplane:  fs.Int("hyperplane_dims", 0, "dimensions per hyperplane, 0 for all"),
		criterion:   fs.String("criterion", "", "entropy or gini"),
		weakLearner: fs.String("weak_learner", "", "axis_aligned, random_hyperplane or random_hyperplane_normalized"),
		seed:        fs.Uint64("seed", 0, "master seed"),
		scaling:     fs.Bool("scaling", false, "scale features before training"),
		layout:      fs.String("layout", "", "row_major or column_major"),
		verbose:     fs.Bool("verbose", false, "report per-tree progress"),
		record:      fs.Bool("record", false, "save the run to the database"),
	}
}

// apply 只覆盖命令行中显式给出的参数
func (f *trainFlags) apply(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "input":
			cfg.Input.Path = *f.input
		case "output":
			cfg.Output.Path = *f.output
		case "trees":
			cfg.Training.NumberOfTrees = *f.trees
		case "threads":
			cfg.Training.MaxThreads = *f.threads
		case "max_depth":
			cfg.Training.MaxDecisionLevels = *f.depth
		case "features":
			cfg.Training.NumberOfCandidateFeatures = *f.features
		case "thresholds":
			cfg.Training.NumberOfCandidateThresholdsPerFeature = *f.thresholds
		case "hyperplane_dims":
			cfg.Training.HyperplaneDimensions = *f.hyperplane
		case "criterion":
			cfg.Training.Criterion = *f.criterion
		case "weak_learner":
			cfg.Training.WeakLearner = *f.weakLearner
		case "seed":
			cfg.Training.Seed = *f.seed
		case "scaling":
			cfg.Training.FeatureScaling = *f.scaling
		case "layout":
			cfg.Input.Layout = *f.layout
		case "verbose":
			cfg.Training.Verbose = *f.verbose
		}
	})
}

func main() {
	flags := newTrainFlags(flag.CommandLine)
	flag.Parse()

	cfg := config.Default()
	if *flags.config != "" {
		loaded, err := config.Load(*flags.config)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}
	flags.apply(flag.CommandLine, cfg)
	if cfg.Input.Path == "" {
		log.Fatal("input is required")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	var recorder pipeline.RunRecorder
	if *flags.record {
		store, err := db.Open(cfg.Database.Path)
		if err != nil {
			logger.Fatal("failed to open run database", zap.Error(err))
		}
		defer store.Close()
		recorder = store
	}

	matrixLayout, err := cfg.Layout()
	if err != nil {
		logger.Fatal("invalid layout", zap.Error(err))
	}
	loader, err := pipeline.NewLoader(cfg.Input, matrixLayout, logger)
	if err != nil {
		logger.Fatal("failed to create loader", zap.Error(err))
	}
	runner, err := pipeline.NewRunner(cfg, loader, recorder, logger)
	if err != nil {
		logger.Fatal("failed to create runner", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := runner.Run(ctx, pipeline.RunRequest{})
	if err != nil {
		logger.Error("training failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	fmt.Printf("trained %d %s trees on %d examples (%d features, %d classes, %d rejected) in %s\n",
		summary.Trees, summary.WeakLearner, summary.Examples, summary.Features, summary.Classes,
		summary.Rejected, summary.Elapsed)
	for _, notice := range summary.Notices {
		fmt.Printf("notice %s: %s\n", notice.Code, notice.Message)
	}
	fmt.Printf("forest saved to %s\n", summary.ModelPath)
}
