package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"randforest/config"
	"randforest/db"
	"randforest/ml"
)

type memoryRecorder struct {
	mu     sync.Mutex
	runs   []db.TrainingRun
	issues map[int64][]db.QualityIssue
}

func (m *memoryRecorder) RecordRun(_ context.Context, run db.TrainingRun) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return int64(len(m.runs)), nil
}

func (m *memoryRecorder) RecordIssues(_ context.Context, runID int64, issues []db.QualityIssue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.issues == nil {
		m.issues = make(map[int64][]db.QualityIssue)
	}
	m.issues[runID] = append(m.issues[runID], issues...)
	return nil
}

type listenerFunc func(*RunSummary, error)

func (f listenerFunc) RunFinished(summary *RunSummary, err error) { f(summary, err) }

// blobCSV writes two well separated classes with three features each.
func blobCSV(t *testing.T, dir string) string {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	var b strings.Builder
	for i := 0; i < 60; i++ {
		label := i % 2
		for d := 0; d < 3; d++ {
			fmt.Fprintf(&b, "%.4f,", rng.NormFloat64()+float64(label*4))
		}
		fmt.Fprintf(&b, "%d\n", label)
	}
	return writeFile(t, dir, "blobs.csv", []byte(b.String()))
}

func newRunner(t *testing.T, recorder RunRecorder) (*Runner, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Input.Path = blobCSV(t, dir)
	cfg.Output.Path = filepath.Join(dir, "models", "forest.bin")
	cfg.Training.NumberOfTrees = 4
	cfg.Training.MaxThreads = 2
	cfg.Training.MaxDecisionLevels = 5

	logger := zaptest.NewLogger(t)
	layout, err := cfg.Layout()
	if err != nil {
		t.Fatal(err)
	}
	loader, err := NewLoader(cfg.Input, layout, logger)
	if err != nil {
		t.Fatal(err)
	}
	runner, err := NewRunner(cfg, loader, recorder, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return runner, cfg
}

func TestRunnerTrainsAndRecords(t *testing.T) {
	recorder := &memoryRecorder{}
	runner, cfg := newRunner(t, recorder)
	var finished []*RunSummary
	runner.AddListener(listenerFunc(func(s *RunSummary, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		finished = append(finished, s)
	}))

	summary, err := runner.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.RunID != 1 || summary.Trees != 4 || summary.Examples != 60 || summary.Features != 3 || summary.Classes != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	forest, err := ml.LoadFile(cfg.Output.Path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if forest.Count() != 4 {
		t.Fatalf("expected 4 trees in the artifact, got %d", forest.Count())
	}

	if len(recorder.runs) != 1 || recorder.runs[0].Status != db.StatusSucceeded || recorder.runs[0].TotalNodes != summary.Nodes {
		t.Fatalf("unexpected recorded runs %+v", recorder.runs)
	}
	if len(finished) != 1 || finished[0] != summary {
		t.Fatalf("listener not notified")
	}
}

func TestRunnerRecordsFailure(t *testing.T) {
	recorder := &memoryRecorder{}
	runner, _ := newRunner(t, recorder)

	_, err := runner.Run(context.Background(), RunRequest{Input: filepath.Join(t.TempDir(), "missing.csv")})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
	if len(recorder.runs) != 1 || recorder.runs[0].Status != db.StatusFailed || recorder.runs[0].Error == "" {
		t.Fatalf("failure not recorded: %+v", recorder.runs)
	}
}

func TestRunnerRejectsConcurrentRuns(t *testing.T) {
	runner, _ := newRunner(t, nil)
	runner.running.Lock()
	defer runner.running.Unlock()
	if _, err := runner.Run(context.Background(), RunRequest{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
}

func TestNewRunnerRejectsInvalidParameters(t *testing.T) {
	cfg := config.Default()
	cfg.Training.NumberOfTrees = 0
	if _, err := NewRunner(cfg, nil, nil, nil); !errors.Is(err, ml.ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters, got %v", err)
	}
}

func TestRunnerRecordsQualityIssues(t *testing.T) {
	recorder := &memoryRecorder{}
	runner, cfg := newRunner(t, recorder)

	data, err := os.ReadFile(cfg.Input.Path)
	if err != nil {
		t.Fatal(err)
	}
	data = append(data, []byte("1.0,abc,2.0,0\n1.0,NaN,2.0,1\n")...)
	dirty := writeFile(t, t.TempDir(), "dirty.csv", data)

	summary, err := runner.Run(context.Background(), RunRequest{Input: dirty})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Rejected != 2 {
		t.Fatalf("expected 2 rejected rows, got %d", summary.Rejected)
	}
	issues := recorder.issues[summary.RunID]
	if len(issues) != 2 {
		t.Fatalf("expected 2 recorded issues, got %+v", issues)
	}
	if issues[0].Line != 61 || issues[1].Line != 62 {
		t.Fatalf("unexpected issue lines %+v", issues)
	}

	stats := runner.IngestionStats()
	if stats.Rejected != 2 || stats.IssuesByType["parse"] != 1 || stats.IssuesByType["finite_value"] != 1 {
		t.Fatalf("unexpected ingestion stats %+v", stats)
	}
}

func TestRunnerCheckPaths(t *testing.T) {
	runner, cfg := newRunner(t, nil)
	inputDir := filepath.Dir(cfg.Input.Path)
	outputDir := filepath.Dir(cfg.Output.Path)
	elsewhere := t.TempDir()

	tests := []struct {
		name    string
		req     RunRequest
		allowed bool
	}{
		{"empty", RunRequest{}, true},
		{"input in dir", RunRequest{Input: filepath.Join(inputDir, "more.csv")}, true},
		{"output in subdir", RunRequest{Output: filepath.Join(outputDir, "v2", "forest.bin")}, true},
		{"input elsewhere", RunRequest{Input: filepath.Join(elsewhere, "a.csv")}, false},
		{"output elsewhere", RunRequest{Output: filepath.Join(elsewhere, "a.bin")}, false},
		{"output escapes", RunRequest{Output: filepath.Join(outputDir, "..", "..", "a.bin")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runner.CheckPaths(tt.req)
			if tt.allowed && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.allowed && !errors.Is(err, ErrPathNotAllowed) {
				t.Fatalf("expected ErrPathNotAllowed, got %v", err)
			}
		})
	}
}
