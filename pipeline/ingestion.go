package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"randforest/config"
	"randforest/ml"
)

var ErrNoRecords = errors.New("no usable training records")

// Dataset 加载后的训练集
type Dataset struct {
	Source   string                 `json:"source"`
	Data     *ml.DataPointCollection `json:"-"`
	Rejected int                    `json:"rejected"`
	Issues   []QualityIssue         `json:"issues,omitempty"`
	LoadedAt time.Time              `json:"loaded_at"`

	// IssuesByType 按问题类型 (parse 或清洗规则名) 统计被拒绝的行
	IssuesByType map[string]int64 `json:"issues_by_type,omitempty"`
}

// IngestionStats 摄取统计
type IngestionStats struct {
	Loads     int64 `json:"loads"`
	CacheHits int64 `json:"cache_hits"`
	Records   int64 `json:"records"`
	Rejected  int64 `json:"rejected"`

	// IssuesByType 自启动以来按问题类型累计的被拒绝行数
	IssuesByType map[string]int64 `json:"issues_by_type"`
}

// cacheKey 文件内容变化时 size 或 mtime 随之变化
type cacheKey struct {
	path    string
	size    int64
	modTime int64
}

// Loader 从 CSV 文件读取特征矩阵和标签
type Loader struct {
	config config.InputConfig
	layout ml.MatrixLayout
	comma  rune
	logger *zap.Logger
	cache  *lru.Cache[cacheKey, *Dataset]

	loads     atomic.Int64
	cacheHits atomic.Int64
	records   atomic.Int64
	rejected  atomic.Int64

	issuesLock   sync.Mutex
	issuesByType map[string]int64
}

// NewLoader 创建加载器
func NewLoader(cfg config.InputConfig, layout ml.MatrixLayout, logger *zap.Logger) (*Loader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	comma := ','
	if cfg.Delimiter != "" {
		comma = []rune(cfg.Delimiter)[0]
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[cacheKey, *Dataset](size)
	if err != nil {
		return nil, err
	}
	if _, err := decoderFor(cfg.Encoding); err != nil {
		return nil, err
	}
	return &Loader{
		config:       cfg,
		layout:       layout,
		comma:        comma,
		logger:       logger,
		cache:        cache,
		issuesByType: make(map[string]int64),
	}, nil
}

// Stats 返回摄取统计
func (l *Loader) Stats() IngestionStats {
	stats := IngestionStats{
		Loads:     l.loads.Load(),
		CacheHits: l.cacheHits.Load(),
		Records:   l.records.Load(),
		Rejected:  l.rejected.Load(),
	}
	l.issuesLock.Lock()
	stats.IssuesByType = make(map[string]int64, len(l.issuesByType))
	for k, v := range l.issuesByType {
		stats.IssuesByType[k] = v
	}
	l.issuesLock.Unlock()
	return stats
}

// Load 读取并清洗 path 指向的文件。未变化的文件直接从缓存返回。
func (l *Loader) Load(ctx context.Context, path string) (*Dataset, error) {
	if path == "" {
		return nil, errors.New("input path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	key := cacheKey{path: abs, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if ds, ok := l.cache.Get(key); ok {
		l.cacheHits.Add(1)
		l.logger.Debug("dataset cache hit", zap.String("path", abs))
		return ds, nil
	}

	file, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	ds, err := l.read(ctx, abs, file)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	l.loads.Add(1)
	l.records.Add(int64(ds.Data.Count()))
	l.rejected.Add(int64(ds.Rejected))
	l.issuesLock.Lock()
	for k, v := range ds.IssuesByType {
		l.issuesByType[k] += v
	}
	l.issuesLock.Unlock()
	l.cache.Add(key, ds)
	l.logger.Info("dataset loaded",
		zap.String("path", abs),
		zap.Int("examples", ds.Data.Count()),
		zap.Int("features", ds.Data.Dimensions()),
		zap.Int("classes", ds.Data.CountClasses()),
		zap.Int("rejected", ds.Rejected))
	return ds, nil
}

func (l *Loader) read(ctx context.Context, source string, r io.Reader) (*Dataset, error) {
	dec, err := decoderFor(l.config.Encoding)
	if err != nil {
		return nil, err
	}
	if dec != nil {
		r = transform.NewReader(r, dec)
	}

	reader := csv.NewReader(r)
	reader.Comma = l.comma
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows [][]string
	var lines []int
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := reader.FieldPos(0)
		rows = append(rows, fields)
		lines = append(lines, line)
	}
	if l.config.Header && len(rows) > 0 {
		rows, lines = rows[1:], lines[1:]
	}

	var records []*Record
	var issues []QualityIssue
	if l.layout == ml.ColumnMajor {
		records, issues, err = l.columnRecords(rows)
		if err != nil {
			return nil, err
		}
	} else {
		records, issues = l.rowRecords(rows, lines)
	}

	cleaner := NewDataCleaner(l.config.NumClasses, l.logger)
	cleaned, rejected := cleaner.Clean(records)
	byType := cleaner.GetStats().Issues
	for _, issue := range issues {
		byType[issue.Type]++
	}
	issues = append(issues, rejected...)
	if len(cleaned) == 0 {
		return nil, ErrNoRecords
	}

	data, err := l.collection(cleaned)
	if err != nil {
		return nil, err
	}
	return &Dataset{
		Source:       source,
		Data:         data,
		Rejected:     len(issues),
		Issues:       issues,
		LoadedAt:     time.Now(),
		IssuesByType: byType,
	}, nil
}

// rowRecords 每行一个样本
func (l *Loader) rowRecords(rows [][]string, lines []int) ([]*Record, []QualityIssue) {
	records := make([]*Record, 0, len(rows))
	var issues []QualityIssue
	for i, fields := range rows {
		record, err := parseRecord(fields, l.config.LabelColumn, lines[i])
		if err != nil {
			issues = append(issues, parseIssue(lines[i], err))
			continue
		}
		records = append(records, record)
	}
	return records, issues
}

// columnRecords 每行一个特征，每列一个样本
func (l *Loader) columnRecords(rows [][]string) ([]*Record, []QualityIssue, error) {
	if len(rows) < 2 {
		return nil, nil, ErrNoRecords
	}
	count := len(rows[0])
	for i, row := range rows {
		if len(row) != count {
			return nil, nil, fmt.Errorf("row %d has %d columns, expected %d", i+1, len(row), count)
		}
	}
	records := make([]*Record, 0, count)
	var issues []QualityIssue
	column := make([]string, len(rows))
	for j := 0; j < count; j++ {
		for i, row := range rows {
			column[i] = row[j]
		}
		record, err := parseRecord(column, l.config.LabelColumn, j+1)
		if err != nil {
			issues = append(issues, parseIssue(j+1, err))
			continue
		}
		records = append(records, record)
	}
	return records, issues, nil
}

// collection 按配置的布局组装矩阵
func (l *Loader) collection(records []*Record) (*ml.DataPointCollection, error) {
	dims := len(records[0].Features)
	count := len(records)
	values := make([]float64, dims*count)
	labels := make([]int, count)
	for i, record := range records {
		labels[i] = record.Label
		for d, v := range record.Features {
			if l.layout == ml.ColumnMajor {
				values[d*count+i] = v
			} else {
				values[i*dims+d] = v
			}
		}
	}
	return ml.NewDataPointCollectionFromMatrix(values, dims, count, l.layout, labels, l.config.NumClasses)
}

func parseRecord(fields []string, labelColumn, line int) (*Record, error) {
	if len(fields) < 2 {
		return nil, fmt.Errorf("line %d has %d fields, need a label and at least one feature", line, len(fields))
	}
	col := labelColumn
	if col < 0 {
		col += len(fields)
	}
	if col < 0 || col >= len(fields) {
		return nil, fmt.Errorf("line %d has no label column %d", line, labelColumn)
	}
	label, err := strconv.Atoi(strings.TrimSpace(fields[col]))
	if err != nil {
		return nil, fmt.Errorf("line %d label: %w", line, err)
	}
	features := make([]float64, 0, len(fields)-1)
	for i, field := range fields {
		if i == col {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d field %d: %w", line, i+1, err)
		}
		features = append(features, v)
	}
	return &Record{Line: line, Features: features, Label: label}, nil
}

func parseIssue(line int, err error) QualityIssue {
	return QualityIssue{
		Type:      "parse",
		Severity:  "high",
		Message:   err.Error(),
		Timestamp: time.Now(),
		Line:      line,
	}
}

// decoderFor 返回输入编码的解码器，UTF-8 返回 nil
func decoderFor(name string) (transform.Transformer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported input encoding %q: %w", name, err)
	}
	return enc.NewDecoder(), nil
}
