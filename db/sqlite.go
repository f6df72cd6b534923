package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

const schema = `
    CREATE TABLE IF NOT EXISTS training_runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        source TEXT NOT NULL,
        model_path TEXT NOT NULL,
        weak_learner VARCHAR(40) NOT NULL,
        criterion VARCHAR(20) NOT NULL,
        trees INTEGER NOT NULL,
        workers INTEGER NOT NULL,
        max_depth INTEGER NOT NULL,
        seed INTEGER NOT NULL,
        data_points INTEGER NOT NULL,
        features INTEGER NOT NULL,
        classes INTEGER NOT NULL,
        total_nodes INTEGER NOT NULL,
        notices TEXT DEFAULT '',
        status VARCHAR(20) NOT NULL,
        error TEXT DEFAULT '',
        duration_ms INTEGER NOT NULL,
        trained_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_training_runs_trained_at ON training_runs(trained_at);
    CREATE TABLE IF NOT EXISTS data_quality (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id INTEGER NOT NULL REFERENCES training_runs(id),
        line INTEGER NOT NULL,
        issue_type TEXT NOT NULL,
        severity TEXT NOT NULL,
        message TEXT,
        detected_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_quality_run ON data_quality(run_id, line);
    `

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var ErrNotInitialized = errors.New("database not initialized")

type TrainingRun struct {
	ID          int64         `json:"id"`
	Source      string        `json:"source"`
	ModelPath   string        `json:"model_path"`
	WeakLearner string        `json:"weak_learner"`
	Criterion   string        `json:"criterion"`
	Trees       int           `json:"trees"`
	Workers     int           `json:"workers"`
	MaxDepth    int           `json:"max_depth"`
	Seed        uint64        `json:"seed"`
	DataPoints  int           `json:"data_points"`
	Features    int           `json:"features"`
	Classes     int           `json:"classes"`
	TotalNodes  int           `json:"total_nodes"`
	Notices     string        `json:"notices,omitempty"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	TrainedAt   time.Time     `json:"trained_at"`
}

// QualityIssue is a rejected input row attributed to a run
type QualityIssue struct {
	RunID      int64     `json:"run_id"`
	Line       int       `json:"line"`
	Type       string    `json:"type"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	DetectedAt time.Time `json:"detected_at"`
}

// Store is the registry of training runs.
type Store struct {
	database *sql.DB
}

// Open opens (and creates if needed) the SQLite database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	database, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if _, err := database.Exec(schema); err != nil {
		return nil, multierr.Append(fmt.Errorf("create schema: %w", err), database.Close())
	}
	return &Store{database: database}, nil
}

func (s *Store) Close() error {
	if s == nil || s.database == nil {
		return nil
	}
	return s.database.Close()
}

// RecordRun saves a training run and returns its id
func (s *Store) RecordRun(ctx context.Context, run TrainingRun) (int64, error) {
	if s == nil || s.database == nil {
		return 0, ErrNotInitialized
	}
	if run.TrainedAt.IsZero() {
		run.TrainedAt = time.Now().UTC()
	}
	res, err := s.database.ExecContext(ctx, `
        INSERT INTO training_runs (
            source, model_path, weak_learner, criterion, trees, workers, max_depth, seed,
            data_points, features, classes, total_nodes, notices, status, error, duration_ms, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Source, run.ModelPath, run.WeakLearner, run.Criterion, run.Trees, run.Workers, run.MaxDepth,
		// sqlite integers are signed
		int64(run.Seed),
		run.DataPoints, run.Features, run.Classes, run.TotalNodes, run.Notices, run.Status, run.Error,
		run.Duration.Milliseconds(), run.TrainedAt)
	if err != nil {
		return 0, fmt.Errorf("insert training run: %w", err)
	}
	return res.LastInsertId()
}

// ListRuns returns the most recent runs first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]TrainingRun, error) {
	if s == nil || s.database == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.database.QueryContext(ctx, `
        SELECT id, source, model_path, weak_learner, criterion, trees, workers, max_depth, seed,
               data_points, features, classes, total_nodes, notices, status, error, duration_ms, trained_at
        FROM training_runs
        ORDER BY trained_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var run TrainingRun
		var seed, durationMs int64
		if err := rows.Scan(&run.ID, &run.Source, &run.ModelPath, &run.WeakLearner, &run.Criterion,
			&run.Trees, &run.Workers, &run.MaxDepth, &seed, &run.DataPoints, &run.Features, &run.Classes,
			&run.TotalNodes, &run.Notices, &run.Status, &run.Error, &durationMs, &run.TrainedAt); err != nil {
			return nil, err
		}
		run.Seed = uint64(seed)
		run.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordIssues saves the quality issues of a run in one transaction
func (s *Store) RecordIssues(ctx context.Context, runID int64, issues []QualityIssue) error {
	if s == nil || s.database == nil {
		return ErrNotInitialized
	}
	if len(issues) == 0 {
		return nil
	}

	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO data_quality (run_id, line, issue_type, severity, message, detected_at)
        VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, issue := range issues {
		if issue.DetectedAt.IsZero() {
			issue.DetectedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, runID, issue.Line, issue.Type, issue.Severity, issue.Message, issue.DetectedAt); err != nil {
			return fmt.Errorf("insert quality issue: %w", err)
		}
	}
	return tx.Commit()
}

// ListIssues returns the issues of a run ordered by input line
func (s *Store) ListIssues(ctx context.Context, runID int64, limit int) ([]QualityIssue, error) {
	if s == nil || s.database == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.database.QueryContext(ctx, `
        SELECT run_id, line, issue_type, severity, message, detected_at
        FROM data_quality
        WHERE run_id = ?
        ORDER BY line, id
        LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	issues := make([]QualityIssue, 0)
	for rows.Next() {
		var issue QualityIssue
		if err := rows.Scan(&issue.RunID, &issue.Line, &issue.Type, &issue.Severity, &issue.Message, &issue.DetectedAt); err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}
