package main

import (
	"flag"
	"io"
	"testing"

	"randforest/config"
	"randforest/ml"
)

func parse(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("train_forest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flags := newTrainFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := config.Default()
	flags.apply(fs, cfg)
	return cfg
}

func TestTrainFlagsOverrideSplitSearch(t *testing.T) {
	cfg := parse(t, "-input", "train.csv", "-features", "7", "-thresholds", "3", "-criterion", "gini", "-hyperplane_dims", "2")

	params, err := cfg.TrainingParameters()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.NumberOfCandidateFeatures != 7 || params.NumberOfCandidateThresholdsPerFeature != 3 {
		t.Fatalf("unexpected candidates %d/%d", params.NumberOfCandidateFeatures, params.NumberOfCandidateThresholdsPerFeature)
	}
	if params.Criterion != ml.Gini || params.HyperplaneDimensions != 2 {
		t.Fatalf("unexpected criterion %s, hyperplane dims %d", params.Criterion, params.HyperplaneDimensions)
	}
	if cfg.Input.Path != "train.csv" {
		t.Fatalf("unexpected input %q", cfg.Input.Path)
	}
}

func TestTrainFlagsKeepUnsetValues(t *testing.T) {
	defaults := config.Default()
	cfg := parse(t, "-trees", "3")

	if cfg.Training.NumberOfTrees != 3 {
		t.Fatalf("expected 3 trees, got %d", cfg.Training.NumberOfTrees)
	}
	if cfg.Training.NumberOfCandidateFeatures != defaults.Training.NumberOfCandidateFeatures ||
		cfg.Training.NumberOfCandidateThresholdsPerFeature != defaults.Training.NumberOfCandidateThresholdsPerFeature ||
		cfg.Training.Criterion != defaults.Training.Criterion {
		t.Fatalf("unset flags changed the config: %+v", cfg.Training)
	}
}

func TestTrainFlagsRejectUnknownCriterion(t *testing.T) {
	cfg := parse(t, "-criterion", "variance")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid criterion error")
	}
}
