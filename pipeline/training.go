package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"randforest/config"
	"randforest/db"
	"randforest/ml"
)

var (
	ErrBusy           = errors.New("a training run is already in progress")
	ErrPathNotAllowed = errors.New("path is outside the configured directory")
)

// RunRecorder 保存训练记录，db.Store 实现该接口
type RunRecorder interface {
	RecordRun(ctx context.Context, run db.TrainingRun) (int64, error)
}

// IssueRecorder 保存训练数据中被拒绝的行，db.Store 实现该接口
type IssueRecorder interface {
	RecordIssues(ctx context.Context, runID int64, issues []db.QualityIssue) error
}

// RunListener 在每次训练结束后得到通知
type RunListener interface {
	RunFinished(summary *RunSummary, err error)
}

// RunRequest 覆盖配置中的输入输出路径，空值使用配置
type RunRequest struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// RunSummary 一次训练的结果
type RunSummary struct {
	RunID       int64         `json:"run_id,omitempty"`
	Source      string        `json:"source"`
	ModelPath   string        `json:"model_path"`
	WeakLearner string        `json:"weak_learner"`
	Trees       int           `json:"trees"`
	Workers     int           `json:"workers"`
	Nodes       int           `json:"nodes"`
	Examples    int           `json:"examples"`
	Features    int           `json:"features"`
	Classes     int           `json:"classes"`
	Rejected    int           `json:"rejected"`
	Notices     []ml.Notice   `json:"notices,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Runner 串行执行 加载 -> 训练 -> 保存 -> 记录
type Runner struct {
	cfg       *config.Config
	params    ml.TrainingParameters
	loader    *Loader
	recorder  RunRecorder
	logger    *zap.Logger
	observers []ml.Observer
	listeners []RunListener

	running sync.Mutex
}

// NewRunner 创建训练执行器。recorder 可以为 nil。
func NewRunner(cfg *config.Config, loader *Loader, recorder RunRecorder, logger *zap.Logger) (*Runner, error) {
	params, err := cfg.TrainingParameters()
	if err != nil {
		return nil, err
	}
	params = params.Resolve()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, params: params, loader: loader, recorder: recorder, logger: logger}, nil
}

// AddObserver 注册树级别的训练进度观察者
func (r *Runner) AddObserver(observer ml.Observer) {
	r.observers = append(r.observers, observer)
}

// IngestionStats 返回加载器的累计统计
func (r *Runner) IngestionStats() IngestionStats {
	return r.loader.Stats()
}

// AddListener 注册训练结束监听者
func (r *Runner) AddListener(listener RunListener) {
	r.listeners = append(r.listeners, listener)
}

// CheckPaths 要求请求中的输入输出路径分别位于配置的输入、输出文件所在目录内。
// 来自不可信调用方 (HTTP) 的请求在 Run 之前必须先检查。
func (r *Runner) CheckPaths(req RunRequest) error {
	if req.Input != "" {
		if err := within(filepath.Dir(r.cfg.Input.Path), req.Input); err != nil {
			return fmt.Errorf("input %q: %w", req.Input, err)
		}
	}
	if req.Output != "" {
		if err := within(filepath.Dir(r.cfg.Output.Path), req.Output); err != nil {
			return fmt.Errorf("output %q: %w", req.Output, err)
		}
	}
	return nil
}

func within(base, path string) error {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absBase, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ErrPathNotAllowed
	}
	return nil
}

// Run 执行一次训练。已有训练在进行时返回 ErrBusy。
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunSummary, error) {
	if !r.running.TryLock() {
		return nil, ErrBusy
	}
	defer r.running.Unlock()

	start := time.Now()
	summary := &RunSummary{
		Source:      firstNonEmpty(req.Input, r.cfg.Input.Path),
		ModelPath:   firstNonEmpty(req.Output, r.cfg.Output.Path),
		WeakLearner: r.params.WeakLearner.String(),
		Trees:       r.params.NumberOfTrees,
	}
	issues, err := r.run(ctx, summary)
	summary.Elapsed = time.Since(start)

	if r.recorder != nil {
		r.record(context.WithoutCancel(ctx), summary, issues, err)
	}
	for _, listener := range r.listeners {
		listener.RunFinished(summary, err)
	}
	if err != nil {
		r.logger.Error("training run failed", zap.String("source", summary.Source), zap.Error(err))
		return nil, err
	}
	r.logger.Info("training run finished",
		zap.Int64("run_id", summary.RunID),
		zap.String("model", summary.ModelPath),
		zap.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

func (r *Runner) run(ctx context.Context, summary *RunSummary) ([]QualityIssue, error) {
	ds, err := r.loader.Load(ctx, summary.Source)
	if err != nil {
		return nil, err
	}
	summary.Examples = ds.Data.Count()
	summary.Features = ds.Data.Dimensions()
	summary.Classes = ds.Data.CountClasses()
	summary.Rejected = ds.Rejected

	opts := []ml.TrainerOption{ml.WithLogger(r.logger)}
	for _, observer := range r.observers {
		opts = append(opts, ml.WithObserver(observer))
	}
	trainer, err := ml.NewTrainer(r.params, opts...)
	if err != nil {
		return ds.Issues, err
	}
	result, err := trainer.Train(ctx, ds.Data)
	if err != nil {
		return ds.Issues, err
	}
	summary.Workers = result.Workers
	summary.Notices = result.Notices
	for _, tree := range result.Forest.Trees() {
		summary.Nodes += len(tree.Nodes)
	}

	if err := result.Forest.SaveFile(summary.ModelPath); err != nil {
		return ds.Issues, fmt.Errorf("save forest: %w", err)
	}
	return ds.Issues, nil
}

// record 保存训练记录及其数据质量问题，失败只记录日志
func (r *Runner) record(ctx context.Context, summary *RunSummary, issues []QualityIssue, runErr error) {
	id, err := r.recorder.RecordRun(ctx, r.trainingRun(summary, runErr))
	if err != nil {
		r.logger.Error("failed to record training run", zap.Error(err))
		return
	}
	summary.RunID = id

	ir, ok := r.recorder.(IssueRecorder)
	if !ok || len(issues) == 0 {
		return
	}
	rows := make([]db.QualityIssue, 0, len(issues))
	for _, issue := range issues {
		rows = append(rows, db.QualityIssue{
			Line:       issue.Line,
			Type:       issue.Type,
			Severity:   issue.Severity,
			Message:    issue.Message,
			DetectedAt: issue.Timestamp,
		})
	}
	if err := ir.RecordIssues(ctx, id, rows); err != nil {
		r.logger.Error("failed to record quality issues", zap.Int64("run_id", id), zap.Error(err))
	}
}

func (r *Runner) trainingRun(summary *RunSummary, err error) db.TrainingRun {
	run := db.TrainingRun{
		Source:      summary.Source,
		ModelPath:   summary.ModelPath,
		WeakLearner: summary.WeakLearner,
		Criterion:   r.params.Criterion.String(),
		Trees:       summary.Trees,
		Workers:     summary.Workers,
		MaxDepth:    r.params.MaxDecisionLevels,
		Seed:        r.params.Seed,
		DataPoints:  summary.Examples,
		Features:    summary.Features,
		Classes:     summary.Classes,
		TotalNodes:  summary.Nodes,
		Status:      db.StatusSucceeded,
		Duration:    summary.Elapsed,
		TrainedAt:   time.Now().UTC(),
	}
	codes := make([]string, 0, len(summary.Notices))
	for _, notice := range summary.Notices {
		codes = append(codes, notice.Code)
	}
	run.Notices = strings.Join(codes, ",")
	if err != nil {
		run.Status = db.StatusFailed
		run.Error = err.Error()
	}
	return run
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
