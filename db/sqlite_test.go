package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "runs.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndListRuns(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first := TrainingRun{
		Source:      "train.csv",
		ModelPath:   "models/forest.bin",
		WeakLearner: "axis_aligned",
		Criterion:   "entropy",
		Trees:       10,
		Workers:     2,
		MaxDepth:    8,
		Seed:        1 << 63,
		DataPoints:  150,
		Features:    4,
		Classes:     3,
		TotalNodes:  210,
		Status:      StatusSucceeded,
		Duration:    1500 * time.Millisecond,
		TrainedAt:   base,
	}
	id, err := store.RecordRun(ctx, first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := first
	second.Status = StatusFailed
	second.Error = "empty data"
	second.TrainedAt = base.Add(time.Minute)
	if _, err := store.RecordRun(ctx, second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Status != StatusFailed || runs[0].Error != "empty data" {
		t.Fatalf("expected newest run first, got %+v", runs[0])
	}
	got := runs[1]
	if got.ID != id || got.Seed != first.Seed || got.Duration != first.Duration || !got.TrainedAt.Equal(base) {
		t.Fatalf("run did not round trip: %+v", got)
	}

	limited, err := store.ListRuns(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected 1 run, got %d (%v)", len(limited), err)
	}
}

func TestNilStore(t *testing.T) {
	var store *Store
	if _, err := store.RecordRun(context.Background(), TrainingRun{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecordAndListIssues(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	runID, err := store.RecordRun(ctx, TrainingRun{Source: "train.csv", ModelPath: "m", WeakLearner: "axis_aligned",
		Criterion: "entropy", Status: StatusSucceeded})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	issues := []QualityIssue{
		{Line: 9, Type: "finite_value", Severity: "high", Message: "feature 1 is NaN"},
		{Line: 4, Type: "parse_error", Severity: "high", Message: "bad float"},
	}
	if err := store.RecordIssues(ctx, runID, issues); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.RecordIssues(ctx, runID, nil); err != nil {
		t.Fatalf("empty batch should be a no-op: %v", err)
	}

	got, err := store.ListIssues(ctx, runID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Line != 4 || got[1].Type != "finite_value" || got[0].RunID != runID {
		t.Fatalf("unexpected issues %+v", got)
	}
	if got[0].DetectedAt.IsZero() {
		t.Fatal("detected_at should default to now")
	}

	other, err := store.ListIssues(ctx, runID+1, 10)
	if err != nil || len(other) != 0 {
		t.Fatalf("expected no issues for another run, got %v %v", other, err)
	}

	var closed *Store
	if err := closed.RecordIssues(ctx, 1, issues); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
