// Package main provides the AgentFlow server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/xj4007/llmgateway/api/handlers"
	"github.com/xj4007/llmgateway/breaker"
	"github.com/xj4007/llmgateway/config"
	"github.com/xj4007/llmgateway/dialect"
	"github.com/xj4007/llmgateway/forwarder"
	"github.com/xj4007/llmgateway/internal/cache"
	"github.com/xj4007/llmgateway/internal/metrics"
	"github.com/xj4007/llmgateway/internal/server"
	"github.com/xj4007/llmgateway/internal/telemetry"
	"github.com/xj4007/llmgateway/middleware"
	"github.com/xj4007/llmgateway/pipeline"
	"github.com/xj4007/llmgateway/probe"
	"github.com/xj4007/llmgateway/quota"
	"github.com/xj4007/llmgateway/rectifier"
	"github.com/xj4007/llmgateway/selector"
	"github.com/xj4007/llmgateway/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构（重构版）
// =============================================================================

// Server 是 AgentFlow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers
	db         *gorm.DB

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler  *handlers.HealthHandler
	gatewayHandler *handlers.GatewayHandler
	apiKeyHandler  *handlers.ProviderAdminHandler

	prober     *probe.Prober
	priceCache *cache.Manager

	// 指标收集器
	metricsCollector *metrics.Collector

	// 热更新管理器
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例。db 为 nil 时网关路由被跳过（仅健康检查/配置 API 可用）。
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
		db:         db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("agentflow", s.logger)

	// 2. 初始化 Handlers
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 3. 初始化热更新管理器
	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	if s.db == nil {
		s.logger.Warn("no database configured, gateway and API-key routes disabled")
		return nil
	}

	s.apiKeyHandler = handlers.NewAPIKeyHandler(s.db, s.logger)

	redisClient := redis.NewClient(&redis.Options{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
	})

	translators := dialect.NewRegistry()
	p, err := s.buildPipeline(redisClient, translators)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	s.gatewayHandler = handlers.NewGatewayHandler(p, s.logger)

	s.prober = probe.NewProber(s.db, redisClient, translators, probe.DefaultConfig(), s.logger)
	s.prober.Start(context.Background())

	s.logger.Info("Handlers initialized")
	return nil
}

// buildPipeline wires every package under this gateway's request path
// (dialect, middleware, breaker, selector, session, quota, forwarder,
// rectifier) into one Pipeline, backed by a single GormCatalog for every
// persistence-facing interface the pipeline needs.
func (s *Server) buildPipeline(redisClient *redis.Client, translators *dialect.Registry) (*pipeline.Pipeline, error) {
	catalog := pipeline.NewGormCatalog(s.db, s.logger)

	priceCacheCfg := cache.DefaultConfig()
	priceCacheCfg.Addr = s.cfg.Redis.Addr
	priceCacheCfg.Password = s.cfg.Redis.Password
	priceCacheCfg.DB = s.cfg.Redis.DB
	priceCacheCfg.PoolSize = s.cfg.Redis.PoolSize
	priceCacheCfg.MinIdleConns = s.cfg.Redis.MinIdleConns
	priceCacheCfg.HealthCheckInterval = 0
	if priceCache, err := cache.NewManager(priceCacheCfg, s.logger); err != nil {
		s.logger.Warn("model price cache unavailable, falling back to direct reads", zap.Error(err))
	} else {
		catalog.WithCache(priceCache)
		s.priceCache = priceCache
	}

	guard := middleware.NewGuard(catalog, redisClient, s.logger)
	if err := guard.Reload(context.Background()); err != nil {
		return nil, fmt.Errorf("load guard rules: %w", err)
	}
	guard.Listen(context.Background())

	providerBreaker := breaker.NewProviderBreaker(breaker.NewRedisStore(redisClient), nil, s.logger)
	vendorBreaker := breaker.NewVendorTypeBreaker(breaker.NewRedisStore(redisClient))
	tracker := session.NewTracker(redisClient, s.cfg.Server.SessionTTL, s.logger)
	resolver := selector.NewResolver(catalog, providerBreaker, vendorBreaker, tracker, s.logger)
	quotaGuard := quota.NewGuard(quota.NewRedisCostWindowStore(redisClient), quota.NewRedisRollingCostWindowStore(redisClient), quota.NewRedisRPMCounter(redisClient), tracker, s.logger)
	dispatcher := forwarder.NewDispatcher(translators, forwarder.ApplyProviderAuth, s.logger)
	rect := rectifier.NewRectifier(rectifier.DefaultConfig(), s.logger)

	cfg := pipeline.Config{
		EnableHTTP2:                      s.cfg.Server.EnableHTTP2,
		EnableCodexInstructionsInjection: s.cfg.Server.EnableCodexInstructionsInjection,
	}
	return pipeline.New(translators, guard, providerBreaker, vendorBreaker, resolver, tracker, quotaGuard, dispatcher, rect,
		catalog, catalog, catalog, catalog, cfg, s.logger), nil
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	// 注册配置变更回调
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	// 注册配置重载回调
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
	})

	// 启动热更新管理器
	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	// 创建配置 API 处理器
	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器（使用新的 handlers）
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点（使用新的 HealthHandler）
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 网关路由：四种入站方言，鉴权由 Pipeline 自行完成（Bearer <key>）
	// ========================================
	gatewayPaths := []string{"/v1/messages", "/v1/chat/completions", "/v1/responses", "/v1beta/models/"}
	if s.gatewayHandler != nil {
		mux.HandleFunc("/v1/messages", s.gatewayHandler.HandleAnthropicMessages)
		mux.HandleFunc("/v1/chat/completions", s.gatewayHandler.HandleChatCompletions)
		mux.HandleFunc("/v1/responses", s.gatewayHandler.HandleResponses)
		mux.HandleFunc("/v1beta/models/", s.gatewayHandler.HandleGeminiGenerateContent)
		s.logger.Info("Gateway routes registered")
	}

	// ========================================
	// 管理 API：API Key / Provider 管理
	// ========================================
	if s.apiKeyHandler != nil {
		mux.HandleFunc("GET /api/v1/providers", s.apiKeyHandler.HandleListProviders)
		mux.HandleFunc("POST /api/v1/providers", s.apiKeyHandler.HandleCreateProvider)
		mux.HandleFunc("PUT /api/v1/providers/{id}", s.apiKeyHandler.HandleUpdateProvider)
		mux.HandleFunc("DELETE /api/v1/providers/{id}", s.apiKeyHandler.HandleDeleteProvider)
		mux.HandleFunc("GET /api/v1/users/{id}/keys", s.apiKeyHandler.HandleListAPIKeys)
		mux.HandleFunc("POST /api/v1/users/{id}/keys", s.apiKeyHandler.HandleCreateAPIKey)
		mux.HandleFunc("DELETE /api/v1/users/{id}/keys/{keyId}", s.apiKeyHandler.HandleDeleteAPIKey)
		s.logger.Info("Admin API registered")
	}

	// ========================================
	// 配置管理 API
	// ========================================
	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(mux)
		s.logger.Info("Configuration API registered")
	}

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := append([]string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}, gatewayPaths...)
	handler := Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(context.Background(), s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger),
	)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout, // 2x ReadTimeout
		MaxHeaderBytes:  1 << 20,                        // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止端点探活器
	if s.prober != nil {
		s.prober.Stop()
	}

	if s.priceCache != nil {
		if err := s.priceCache.Close(); err != nil {
			s.logger.Warn("model price cache shutdown error", zap.Error(err))
		}
	}

	// 2. 停止热更新管理器
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 5. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
