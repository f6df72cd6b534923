// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"randforest/db"
	"randforest/monitoring"
	"randforest/pipeline"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	config ServerConfig
	logger *zap.Logger

	// 后台训练使用的上下文，Stop 时取消
	baseCtx    context.Context
	cancelBase context.CancelFunc
	background sync.WaitGroup
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	MaxBodyBytes   int64
	AllowedOrigins []string
}

// Dependencies 处理器依赖，Store、Hub 与 Metrics 可以为 nil
type Dependencies struct {
	Runner  *pipeline.Runner
	Store   *db.Store
	Hub     *monitoring.Hub
	Metrics *monitoring.Metrics
	Logger  *zap.Logger
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8080,
		Timeout:        30 * time.Second,
		MaxBodyBytes:   1 << 20,
		AllowedOrigins: []string{"*"},
	}
}

// NewServer 创建HTTP服务器
func NewServer(config ServerConfig, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{config: config, logger: deps.Logger, baseCtx: baseCtx, cancelBase: cancel}

	mux := http.NewServeMux()

	// 注册所有处理器
	RegisterHandlers(mux, &handlers{deps: deps, server: s})

	// 创建中间件链
	chain := Chain(
		RecoveryMiddleware(deps.Logger),            // 1. 恢复中间件（最先执行，捕获panic）
		LoggerMiddleware(deps.Logger),              // 2. 日志中间件
		SecurityHeadersMiddleware,                  // 3. 安全头中间件
		CORSMiddleware(config.AllowedOrigins),      // 4. CORS中间件
		RequestSizeMiddleware(config.MaxBodyBytes), // 5. 请求大小限制
		TimeoutMiddleware(config.Timeout),          // 6. 超时中间件
	)

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", config.Port),
		Handler:     chain(mux),
		ReadTimeout: config.Timeout,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Handler 返回包装后的处理器
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))
	s.logger.Info("progress endpoint", zap.String("url", fmt.Sprintf("ws://localhost%s/api/ws/progress", s.server.Addr)))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器，并等待后台训练退出
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("shutting down HTTP server")

	err := s.server.Shutdown(ctx)
	s.cancelBase()
	s.background.Wait()
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}

// goBackground 在服务器生命周期内异步执行 fn
func (s *Server) goBackground(fn func(ctx context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn(s.baseCtx)
	}()
}
