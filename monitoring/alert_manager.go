package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"randforest/pipeline"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	Info     AlertLevel = "info"
	Warning  AlertLevel = "warning"
	Error    AlertLevel = "error"
	Critical AlertLevel = "critical"
)

var levelRank = map[AlertLevel]int{Info: 0, Warning: 1, Error: 2, Critical: 3}

// ParseAlertLevel 解析告警级别，空字符串视为 warning
func ParseAlertLevel(s string) (AlertLevel, error) {
	if s == "" {
		return Warning, nil
	}
	level := AlertLevel(strings.ToLower(s))
	if _, ok := levelRank[level]; !ok {
		return "", fmt.Errorf("unknown alert level %q", s)
	}
	return level, nil
}

// Alert 告警结构
type Alert struct {
	ID        string                 `json:"id"`
	Level     AlertLevel             `json:"level"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AlertChannel 告警渠道配置
type AlertChannel struct {
	Name     string
	Type     string // webhook, feishu, dingding
	Webhook  string
	MinLevel AlertLevel
	Cooldown time.Duration
	// MaxPerHour 为 0 表示不限制
	MaxPerHour int
}

// AlertStats 告警统计
type AlertStats struct {
	TotalAlerts int64                `json:"total_alerts"`
	Delivered   int64                `json:"delivered"`
	Suppressed  int64                `json:"suppressed"`
	Failed      int64                `json:"failed"`
	ByLevel     map[AlertLevel]int64 `json:"by_level"`
	LastAlert   time.Time            `json:"last_alert"`
}

// rateTracker 单个渠道的限流状态
type rateTracker struct {
	hourCount int
	hourReset time.Time
	lastSent  time.Time
}

// AlertSystem 训练告警系统，在训练失败或出现训练提示时推送 webhook
type AlertSystem struct {
	mu         sync.Mutex
	channels   []AlertChannel
	rateLimits map[string]*rateTracker
	httpClient *http.Client
	logger     *zap.Logger
	stats      AlertStats
	now        func() time.Time
	seq        int64
	pending    sync.WaitGroup
}

// NewAlertSystem 创建告警系统
func NewAlertSystem(channels []AlertChannel, logger *zap.Logger) (*AlertSystem, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for i, ch := range channels {
		switch ch.Type {
		case "webhook", "feishu", "dingding":
		default:
			return nil, fmt.Errorf("alert channel %q: unknown type %q", ch.Name, ch.Type)
		}
		if ch.Webhook == "" {
			return nil, fmt.Errorf("alert channel %q: webhook is required", ch.Name)
		}
		if ch.MinLevel == "" {
			channels[i].MinLevel = Warning
		}
		if ch.Name == "" {
			channels[i].Name = fmt.Sprintf("%s-%d", ch.Type, i)
		}
	}
	return &AlertSystem{
		channels:   channels,
		rateLimits: make(map[string]*rateTracker),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		stats:      AlertStats{ByLevel: make(map[AlertLevel]int64)},
		now:        time.Now,
	}, nil
}

// SendAlert 发送告警到所有匹配的渠道，返回各渠道错误的合并
func (a *AlertSystem) SendAlert(ctx context.Context, alert *Alert) error {
	if alert == nil {
		return errors.New("alert is nil")
	}

	a.mu.Lock()
	a.seq++
	if alert.ID == "" {
		alert.ID = fmt.Sprintf("alert_%d_%d", a.now().Unix(), a.seq)
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = a.now()
	}
	a.stats.TotalAlerts++
	a.stats.ByLevel[alert.Level]++
	a.stats.LastAlert = alert.Timestamp

	var targets []AlertChannel
	for _, ch := range a.channels {
		if levelRank[alert.Level] < levelRank[ch.MinLevel] {
			continue
		}
		if !a.allow(ch) {
			a.stats.Suppressed++
			a.logger.Debug("alert rate limited", zap.String("alert", alert.ID), zap.String("channel", ch.Name))
			continue
		}
		targets = append(targets, ch)
	}
	a.mu.Unlock()

	var err error
	for _, ch := range targets {
		sendErr := a.send(ctx, ch, alert)
		a.mu.Lock()
		if sendErr != nil {
			a.stats.Failed++
		} else {
			a.stats.Delivered++
		}
		a.mu.Unlock()
		if sendErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", ch.Name, sendErr))
		}
	}
	return err
}

// allow 检查渠道限流，调用方持有锁
func (a *AlertSystem) allow(ch AlertChannel) bool {
	now := a.now()
	tracker, ok := a.rateLimits[ch.Name]
	if !ok {
		tracker = &rateTracker{hourReset: now.Truncate(time.Hour)}
		a.rateLimits[ch.Name] = tracker
	}
	if now.Sub(tracker.hourReset) >= time.Hour {
		tracker.hourCount = 0
		tracker.hourReset = now.Truncate(time.Hour)
	}
	if ch.MaxPerHour > 0 && tracker.hourCount >= ch.MaxPerHour {
		return false
	}
	if ch.Cooldown > 0 && !tracker.lastSent.IsZero() && now.Sub(tracker.lastSent) < ch.Cooldown {
		return false
	}
	tracker.hourCount++
	tracker.lastSent = now
	return true
}

func (a *AlertSystem) send(ctx context.Context, ch AlertChannel, alert *Alert) error {
	text := fmt.Sprintf("randforest 告警\n\n级别: %s\n标题: %s\n内容: %s\n时间: %s",
		alert.Level, alert.Title, alert.Message, alert.Timestamp.Format("2006-01-02 15:04:05"))

	var payload interface{}
	switch ch.Type {
	case "feishu":
		payload = map[string]interface{}{
			"msg_type": "text",
			"content":  map[string]string{"text": text},
		}
	case "dingding":
		payload = map[string]interface{}{
			"msgtype": "text",
			"text":    map[string]string{"content": text},
		}
	default:
		payload = alert
	}
	return a.sendWebhookRequest(ctx, ch.Webhook, payload)
}

// sendWebhookRequest 发送Webhook请求
func (a *AlertSystem) sendWebhookRequest(ctx context.Context, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Stats 获取统计信息
func (a *AlertSystem) Stats() AlertStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := a.stats
	stats.ByLevel = make(map[AlertLevel]int64, len(a.stats.ByLevel))
	for k, v := range a.stats.ByLevel {
		stats.ByLevel[k] = v
	}
	return stats
}

// RunFinished 训练失败发送 error 告警，训练提示发送 warning 告警。
// 投递在后台进行，不阻塞训练流程，调用 Wait 等待投递结束。
func (a *AlertSystem) RunFinished(summary *pipeline.RunSummary, err error) {
	var alert *Alert
	switch {
	case err != nil:
		alert = &Alert{
			Level:   Error,
			Title:   "training run failed",
			Message: err.Error(),
			Source:  summary.Source,
		}
	case len(summary.Notices) > 0:
		codes := make([]string, 0, len(summary.Notices))
		for _, notice := range summary.Notices {
			codes = append(codes, notice.Code)
		}
		alert = &Alert{
			Level:   Warning,
			Title:   "training run finished with notices",
			Message: strings.Join(codes, ", "),
			Source:  summary.Source,
		}
	default:
		return
	}
	alert.Metadata = map[string]interface{}{
		"run_id": summary.RunID,
		"model":  summary.ModelPath,
	}

	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if sendErr := a.SendAlert(ctx, alert); sendErr != nil {
			a.logger.Warn("alert delivery failed", zap.String("alert", alert.ID), zap.Error(sendErr))
		}
	}()
}

// Wait 等待所有后台投递完成
func (a *AlertSystem) Wait() {
	a.pending.Wait()
}
