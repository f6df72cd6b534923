package pipeline

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record 一条训练样本
type Record struct {
	Line     int       `json:"line"`
	Features []float64 `json:"features"`
	Label    int       `json:"label"`
}

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(*Record) (*Record, error)
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // low, medium, high
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Line      int       `json:"line"`
}

// DataCleaner 数据清洗器
type DataCleaner struct {
	rules  []CleaningRule
	logger *zap.Logger

	stats     CleaningStats
	statsLock sync.RWMutex
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// NewDataCleaner 创建数据清洗器。numClasses 为 0 时不检查标签上界。
func NewDataCleaner(numClasses int, logger *zap.Logger) *DataCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleaner := &DataCleaner{
		logger: logger,
		stats: CleaningStats{
			Issues: make(map[string]int64),
		},
	}

	// 添加默认规则
	cleaner.AddRule(NewFeatureCountRule(0))
	cleaner.AddRule(NewFiniteValueRule())
	cleaner.AddRule(NewLabelRangeRule(numClasses))

	return cleaner
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
	dc.logger.Debug("added cleaning rule", zap.String("rule", rule.Name()))
}

// Clean 清洗数据，返回通过的样本与被拒绝样本的问题
func (dc *DataCleaner) Clean(records []*Record) ([]*Record, []QualityIssue) {
	var cleaned []*Record
	var issues []QualityIssue

	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	for _, record := range records {
		dc.stats.TotalProcessed++

		// 任一规则失败即拒绝，后续规则不再执行
		var issue *QualityIssue
		for _, rule := range dc.rules {
			out, err := rule.Apply(record)
			if err != nil {
				issue = &QualityIssue{
					Type:      rule.Name(),
					Severity:  "high",
					Message:   err.Error(),
					Timestamp: time.Now(),
					Line:      record.Line,
				}
				dc.stats.Issues[rule.Name()]++
				break
			}
			if out != nil {
				record = out
			}
		}

		if issue != nil {
			dc.stats.Rejected++
			issues = append(issues, *issue)
			continue
		}
		dc.stats.Passed++
		cleaned = append(cleaned, record)
	}

	dc.stats.LastClean = time.Now()
	if len(issues) > 0 {
		dc.logger.Warn("rejected training records", zap.Int("rejected", len(issues)), zap.Int("passed", len(cleaned)))
	}

	return cleaned, issues
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// ============ 清洗规则实现 ============

// FeatureCountRule 特征数量规则。Expected 为 0 时以第一条样本的特征数为准。
type FeatureCountRule struct {
	mu       sync.Mutex
	Expected int
}

func NewFeatureCountRule(expected int) *FeatureCountRule {
	return &FeatureCountRule{Expected: expected}
}

func (r *FeatureCountRule) Name() string {
	return "feature_count"
}

func (r *FeatureCountRule) Apply(record *Record) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(record.Features) == 0 {
		return nil, fmt.Errorf("line %d has no features", record.Line)
	}
	if r.Expected == 0 {
		r.Expected = len(record.Features)
	}
	if len(record.Features) != r.Expected {
		return nil, fmt.Errorf("line %d has %d features, expected %d", record.Line, len(record.Features), r.Expected)
	}
	return record, nil
}

// FiniteValueRule 拒绝 NaN 与 Inf
type FiniteValueRule struct{}

func NewFiniteValueRule() *FiniteValueRule {
	return &FiniteValueRule{}
}

func (r *FiniteValueRule) Name() string {
	return "finite_value"
}

func (r *FiniteValueRule) Apply(record *Record) (*Record, error) {
	for d, v := range record.Features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("line %d feature %d is %v", record.Line, d, v)
		}
	}
	return record, nil
}

// LabelRangeRule 标签范围规则
type LabelRangeRule struct {
	NumClasses int
}

func NewLabelRangeRule(numClasses int) *LabelRangeRule {
	return &LabelRangeRule{NumClasses: numClasses}
}

func (r *LabelRangeRule) Name() string {
	return "label_range"
}

func (r *LabelRangeRule) Apply(record *Record) (*Record, error) {
	if record.Label < 0 {
		return nil, fmt.Errorf("line %d label %d is negative", record.Line, record.Label)
	}
	if r.NumClasses > 0 && record.Label >= r.NumClasses {
		return nil, fmt.Errorf("line %d label %d out of range [0, %d)", record.Line, record.Label, r.NumClasses)
	}
	return record, nil
}
