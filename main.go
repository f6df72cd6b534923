package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"randforest/config"
	"randforest/db"
	rhttp "randforest/http"
	"randforest/logging"
	"randforest/monitoring"
	"randforest/pipeline"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// 1. 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// 2. 初始化训练记录数据库
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	// 3. 训练流水线
	layout, err := cfg.Layout()
	if err != nil {
		logger.Fatal("invalid input layout", zap.Error(err))
	}
	loader, err := pipeline.NewLoader(cfg.Input, layout, logger)
	if err != nil {
		logger.Fatal("failed to create loader", zap.Error(err))
	}
	runner, err := pipeline.NewRunner(cfg, loader, store, logger)
	if err != nil {
		logger.Fatal("failed to create runner", zap.Error(err))
	}

	hub := monitoring.NewHub(logger)
	metrics := monitoring.NewMetrics()
	runner.AddObserver(hub)
	runner.AddObserver(metrics)
	runner.AddListener(hub)
	runner.AddListener(metrics)
	if len(cfg.Alerts) > 0 {
		alerts, err := newAlertSystem(cfg.Alerts, logger)
		if err != nil {
			logger.Fatal("invalid alert configuration", zap.Error(err))
		}
		runner.AddListener(alerts)
		defer alerts.Wait()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. 启动HTTP服务与后台任务
	serverConfig := rhttp.DefaultServerConfig()
	serverConfig.Port = cfg.Http.Port
	serverConfig.Timeout = cfg.Http.Timeout
	serverConfig.AllowedOrigins = cfg.Http.AllowedOrigins
	server := rhttp.NewServer(serverConfig, rhttp.Dependencies{
		Runner:  runner,
		Store:   store,
		Hub:     hub,
		Metrics: metrics,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return server.Stop()
	})
	if cfg.Watch.Enabled && cfg.Input.Path != "" {
		watcher := pipeline.NewWatcher(cfg.Input.Path, cfg.Watch.Debounce, func(ctx context.Context, path string) {
			if _, err := runner.Run(ctx, pipeline.RunRequest{Input: path}); err != nil {
				logger.Warn("retraining failed", zap.String("path", path), zap.Error(err))
			}
		}, logger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("exited with error", zap.Error(err))
		return
	}
	logger.Info("exiting")
}

func newAlertSystem(configs []config.AlertConfig, logger *zap.Logger) (*monitoring.AlertSystem, error) {
	channels := make([]monitoring.AlertChannel, 0, len(configs))
	for _, c := range configs {
		level, err := monitoring.ParseAlertLevel(c.MinLevel)
		if err != nil {
			return nil, err
		}
		channels = append(channels, monitoring.AlertChannel{
			Name:       c.Name,
			Type:       c.Type,
			Webhook:    c.Webhook,
			MinLevel:   level,
			Cooldown:   c.Cooldown,
			MaxPerHour: c.MaxPerHour,
		})
	}
	return monitoring.NewAlertSystem(channels, logger)
}
