package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chriscantu/inferflow/config"
	"github.com/chriscantu/inferflow/inference"
	"github.com/chriscantu/inferflow/inference/cache"
	"github.com/chriscantu/inferflow/internal/metrics"
	"github.com/chriscantu/inferflow/internal/server"
	"github.com/chriscantu/inferflow/internal/telemetry"
	"github.com/chriscantu/inferflow/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 InferFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 推理流水线
	pipeline *inference.Pipeline

	// 指标收集器
	metricsCollector *metrics.Collector

	// Redis 客户端（可选，二级缓存）
	redisClient *redis.Client

	// OTel providers
	otelProviders *telemetry.Providers

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("inferflow", s.logger)

	// 2. 初始化推理流水线
	if err := s.initPipeline(); err != nil {
		return fmt.Errorf("failed to init pipeline: %w", err)
	}

	// 3. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 4. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("redis_cache", s.cfg.Redis.Enabled),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initPipeline 初始化推理流水线
func (s *Server) initPipeline() error {
	pipelineCfg := inference.Config{
		Concurrency:     s.cfg.Pipeline.Concurrency,
		BatchSize:       s.cfg.Pipeline.BatchSize,
		BatchWait:       s.cfg.Pipeline.BatchWait,
		CacheCapacity:   s.cfg.Pipeline.CacheCapacity,
		CacheTTL:        s.cfg.Pipeline.CacheTTL,
		FallbackTimeout: s.cfg.Pipeline.FallbackTimeout,
		DecayFactor:     s.cfg.Pipeline.DecayFactor,
	}

	observers := []inference.Observer{&observerAdapter{collector: s.metricsCollector}}
	if s.cfg.Telemetry.Enabled {
		otelObserver, err := telemetry.NewObserver(s.otelProviders.Meter("inferflow/pipeline"))
		if err != nil {
			return fmt.Errorf("failed to create otel observer: %w", err)
		}
		observers = append(observers, otelObserver)
	}
	opts := []inference.Option{
		inference.WithObserver(fanoutObserver(observers)),
	}

	// 可选的 Redis 二级缓存
	if s.cfg.Redis.Enabled {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		})
		local := cache.NewResultCache(pipelineCfg.CacheCapacity, pipelineCfg.CacheTTL)
		store := cache.NewMultiLevelResultCache(local, s.redisClient, s.cfg.Redis.TTL, s.logger)
		opts = append(opts, inference.WithStore(store))
		s.logger.Info("Redis L2 cache enabled", zap.String("addr", s.cfg.Redis.Addr))
	}

	s.pipeline = inference.NewPipeline(pipelineCfg, scoreExecutor, heuristicFallback, s.logger, opts...)
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/version", s.handleVersion)

	// API 路由
	mux.HandleFunc("/v1/predict", s.handlePredict)
	mux.HandleFunc("/v1/stats", s.handleStats)

	// 构建中间件链
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

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

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 📡 HTTP Handlers
// =============================================================================

// predictRequest 是 /v1/predict 的请求体
type predictRequest struct {
	ID       string         `json:"id,omitempty"`
	Features map[string]any `json:"features"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body predictRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(body.Features) == 0 {
		writeError(w, http.StatusBadRequest, "features must not be empty")
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	req := &types.Request{ID: body.ID, Features: body.Features}
	result, err := s.pipeline.Predict(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch types.GetErrorCode(err) {
		case types.ErrAdmissionTimeout:
			status = http.StatusTooManyRequests
		case types.ErrSubmitCancelled:
			// 客户端已放弃，尽力回应
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not initialized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// =============================================================================
// 🔮 内置评分模型
// =============================================================================

// scoreExecutor 是内置的批量评分实现：对数值特征求和后做 sigmoid 映射。
// 生产部署通常在这里换成真实模型后端的批量调用。
func scoreExecutor(ctx context.Context, requests []*types.Request) ([]*types.Result, error) {
	results := make([]*types.Result, len(requests))
	for i, req := range requests {
		score := sigmoid(numericFeatureSum(req.Features))
		label := "negative"
		if score >= 0.5 {
			label = "positive"
		}
		results[i] = &types.Result{
			RequestID:  req.ID,
			Label:      label,
			Confidence: score,
		}
	}
	return results, nil
}

// heuristicFallback 是降级路径：只看特征个数的粗糙估计，置信度固定偏低
func heuristicFallback(req *types.Request) *types.Result {
	label := "negative"
	if len(req.Features)%2 == 1 {
		label = "positive"
	}
	return &types.Result{
		RequestID:  req.ID,
		Label:      label,
		Confidence: 0.5,
	}
}

func numericFeatureSum(features map[string]any) float64 {
	var sum float64
	for _, v := range features {
		switch n := v.(type) {
		case float64:
			sum += n
		case int:
			sum += float64(n)
		case int64:
			sum += float64(n)
		}
	}
	return sum
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// =============================================================================
// 📈 Observer → Prometheus 桥接
// =============================================================================

// fanoutObserver 把同一事件依次转发给每个观察者
// 当前两路出口：Prometheus 收集器与 OTel 指标管线
type fanoutObserver []inference.Observer

func (f fanoutObserver) ObservePrediction(provenance string, failed bool, latency time.Duration) {
	for _, o := range f {
		o.ObservePrediction(provenance, failed, latency)
	}
}

func (f fanoutObserver) ObserveAdmissionWait(wait time.Duration) {
	for _, o := range f {
		o.ObserveAdmissionWait(wait)
	}
}

func (f fanoutObserver) ObserveBatch(size int) {
	for _, o := range f {
		o.ObserveBatch(size)
	}
}

func (f fanoutObserver) ObserveCache(hit bool) {
	for _, o := range f {
		o.ObserveCache(hit)
	}
}

func (f fanoutObserver) ObserveInFlight(n int64) {
	for _, o := range f {
		o.ObserveInFlight(n)
	}
}

// observerAdapter 将流水线事件转发到 metrics.Collector
type observerAdapter struct {
	collector *metrics.Collector
}

func (a *observerAdapter) ObservePrediction(provenance string, failed bool, latency time.Duration) {
	status := "ok"
	if failed {
		status = "error"
	}
	a.collector.RecordPrediction(provenance, status, latency)
	if provenance == string(types.ProvenanceFallback) {
		a.collector.RecordFallback()
	}
}

func (a *observerAdapter) ObserveAdmissionWait(wait time.Duration) {
	a.collector.RecordAdmissionWait(wait)
}

func (a *observerAdapter) ObserveBatch(size int) {
	a.collector.RecordBatch(size)
}

func (a *observerAdapter) ObserveCache(hit bool) {
	if hit {
		a.collector.RecordCacheHit("result")
	} else {
		a.collector.RecordCacheMiss("result")
	}
}

func (a *observerAdapter) ObserveInFlight(n int64) {
	a.collector.SetInFlight(n)
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 关闭 HTTP 服务器（停止新请求进入）
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭流水线，已入队的批次仍会被排空
	if s.pipeline != nil {
		s.pipeline.Close()
	}

	// 3. 关闭 Redis 连接
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}

	// 4. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 5. 刷新遥测数据
	if s.otelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.otelProviders.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
		cancel()
	}

	s.logger.Info("Graceful shutdown completed")
}
