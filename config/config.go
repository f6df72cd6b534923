// Package config 加载训练与服务的 YAML 配置
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"randforest/logging"
	"randforest/ml"
)

// Config 顶层配置
type Config struct {
	Input    InputConfig    `yaml:"input"`
	Training TrainingConfig `yaml:"training"`
	Output   OutputConfig   `yaml:"output"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Http   HttpConfig     `yaml:"http"`
	Log    logging.Config `yaml:"log"`
	Watch  WatchConfig    `yaml:"watch"`
	Alerts []AlertConfig  `yaml:"alerts"`
}

// InputConfig 训练数据文件配置
type InputConfig struct {
	Path string `yaml:"path"`
	// LabelColumn 标签所在列，负数表示从末尾数起 (-1 为最后一列)。
	// column_major 布局下表示标签所在行。
	LabelColumn int    `yaml:"label_column"`
	Header      bool   `yaml:"header"`
	Delimiter   string `yaml:"delimiter"`
	Encoding    string `yaml:"encoding"` // utf-8, gbk, ...
	Layout      string `yaml:"layout"`   // row_major 或 column_major
	NumClasses  int    `yaml:"num_classes"`
	CacheSize   int    `yaml:"cache_size"`
}

// TrainingConfig 训练参数
type TrainingConfig struct {
	MaxDecisionLevels                     int     `yaml:"max_decision_levels"`
	NumberOfCandidateFeatures             int     `yaml:"number_of_candidate_features"`
	NumberOfCandidateThresholdsPerFeature int     `yaml:"number_of_candidate_thresholds_per_feature"`
	NumberOfTrees                         int     `yaml:"number_of_trees"`
	MaxThreads                            int     `yaml:"max_threads"`
	WeakLearner                           string  `yaml:"weak_learner"`
	FeatureScaling                        bool    `yaml:"feature_scaling"`
	Verbose                               bool    `yaml:"verbose"`
	HyperplaneDimensions                  int     `yaml:"hyperplane_dimensions"`
	MinSamplesToSplit                     int     `yaml:"min_samples_to_split"`
	MinInformationGain                    float64 `yaml:"min_information_gain"`
	Criterion                             string  `yaml:"criterion"`
	Seed                                  uint64  `yaml:"seed"`
}

// OutputConfig 模型输出配置
type OutputConfig struct {
	Path string `yaml:"path"`
}

// HttpConfig HTTP服务配置
type HttpConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// WatchConfig 数据文件监听配置
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// AlertConfig 告警渠道配置
type AlertConfig struct {
	Name       string        `yaml:"name"`
	Type       string        `yaml:"type"` // webhook, feishu, dingding
	Webhook    string        `yaml:"webhook"`
	MinLevel   string        `yaml:"min_level"`
	Cooldown   time.Duration `yaml:"cooldown"`
	MaxPerHour int           `yaml:"max_per_hour"`
}

// Default 默认配置
func Default() *Config {
	p := ml.DefaultTrainingParameters()
	cfg := &Config{
		Input: InputConfig{
			LabelColumn: -1,
			Delimiter:   ",",
			Encoding:    "utf-8",
			Layout:      "row_major",
			CacheSize:   8,
		},
		Training: TrainingConfig{
			MaxDecisionLevels:                     p.MaxDecisionLevels,
			NumberOfCandidateFeatures:             p.NumberOfCandidateFeatures,
			NumberOfCandidateThresholdsPerFeature: p.NumberOfCandidateThresholdsPerFeature,
			NumberOfTrees:                         p.NumberOfTrees,
			MaxThreads:                            p.MaxThreads,
			WeakLearner:                           p.WeakLearner.String(),
			MinSamplesToSplit:                     p.MinSamplesToSplit,
			Criterion:                             p.Criterion.String(),
			Seed:                                  p.Seed,
		},
		Output: OutputConfig{Path: "./models/forest.bin"},
		Http: HttpConfig{
			Port:           8080,
			Timeout:        30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Log:   logging.DefaultConfig(),
		Watch: WatchConfig{Debounce: 2 * time.Second},
	}
	cfg.Database.Path = "./data/runs.db"
	return cfg
}

// Load 读取配置文件，未出现的字段保留默认值
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := Default()
	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Input.Delimiter == "" || len([]rune(c.Input.Delimiter)) != 1 {
		return fmt.Errorf("input.delimiter must be a single character, got %q", c.Input.Delimiter)
	}
	if _, err := c.Layout(); err != nil {
		return err
	}
	if c.Output.Path == "" {
		return errors.New("output.path is required")
	}
	if c.Http.Port < 0 || c.Http.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.Http.Port)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	params, err := c.TrainingParameters()
	if err != nil {
		return err
	}
	return params.Resolve().Validate()
}

// Layout 解析输入矩阵布局
func (c *Config) Layout() (ml.MatrixLayout, error) {
	switch strings.ToLower(c.Input.Layout) {
	case "", "row_major":
		return ml.RowMajor, nil
	case "column_major":
		return ml.ColumnMajor, nil
	default:
		return ml.RowMajor, fmt.Errorf("input.layout must be row_major or column_major, got %q", c.Input.Layout)
	}
}

// TrainingParameters 转换为训练参数
func (c *Config) TrainingParameters() (ml.TrainingParameters, error) {
	t := c.Training
	kind, err := ml.ParseWeakLearner(t.WeakLearner)
	if err != nil {
		return ml.TrainingParameters{}, err
	}
	criterion, err := ml.ParseCriterion(t.Criterion)
	if err != nil {
		return ml.TrainingParameters{}, err
	}
	return ml.TrainingParameters{
		MaxDecisionLevels:                     t.MaxDecisionLevels,
		NumberOfCandidateFeatures:             t.NumberOfCandidateFeatures,
		NumberOfCandidateThresholdsPerFeature: t.NumberOfCandidateThresholdsPerFeature,
		NumberOfTrees:                         t.NumberOfTrees,
		MaxThreads:                            t.MaxThreads,
		WeakLearner:                           kind,
		FeatureScaling:                        t.FeatureScaling,
		Verbose:                               t.Verbose,
		HyperplaneDimensions:                  t.HyperplaneDimensions,
		MinSamplesToSplit:                     t.MinSamplesToSplit,
		MinInformationGain:                    t.MinInformationGain,
		Criterion:                             criterion,
		Seed:                                  t.Seed,
	}, nil
}
