// Package http serves a loaded model over a JSON prediction endpoint.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mldeploy/config"
	"mldeploy/ml"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	config config.ServerConfig
	logger *zap.Logger
}

// NewServer 创建HTTP服务器. model must already be loaded.
func NewServer(cfg config.ServerConfig, model ml.Predictor, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	RegisterHandlers(mux, model)
	mux.Handle("GET /metrics", promhttp.Handler())

	chain := Chain(
		RecoveryMiddleware(logger),              // 1. 恢复中间件（最先执行，捕获panic）
		LoggerMiddleware(logger),                // 2. 日志中间件
		MetricsMiddleware,                       // 3. 指标
		TimeoutMiddleware(cfg.Timeout),          // 4. 超时中间件
		RequestSizeMiddleware(cfg.MaxBodyBytes), // 5. 请求大小限制
	)

	return &Server{
		server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           chain(mux),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Timeout,
			WriteTimeout:      cfg.Timeout + 5*time.Second,
			IdleTimeout:       120 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 启动服务器, blocking until Stop is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
