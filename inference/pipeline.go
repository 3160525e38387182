package inference

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chriscantu/inferflow/inference/admission"
	"github.com/chriscantu/inferflow/inference/batch"
	"github.com/chriscantu/inferflow/inference/cache"
	"github.com/chriscantu/inferflow/inference/metrics"
	"github.com/chriscantu/inferflow/types"
)

// Fallback 降级计算回调
// 预期在 FallbackTimeout 预算内完成；超时或 panic 由流水线兜底
type Fallback func(req *types.Request) *types.Result

// Observer 观察流水线内部事件，供外层导出指标（如 Prometheus）
// 所有方法都可能被并发调用，实现必须自行保证并发安全
type Observer interface {
	ObservePrediction(provenance string, failed bool, latency time.Duration)
	ObserveAdmissionWait(wait time.Duration)
	ObserveBatch(size int)
	ObserveCache(hit bool)
	ObserveInFlight(n int64)
}

// Config 配置流水线
type Config struct {
	// Concurrency 同时在途的请求上限
	Concurrency int `json:"concurrency"`
	// BatchSize 单批次最大请求数
	BatchSize int `json:"batch_size"`
	// BatchWait 凑批等待窗口
	BatchWait time.Duration `json:"batch_wait"`
	// CacheCapacity 本地缓存最大条目数
	CacheCapacity int `json:"cache_capacity"`
	// CacheTTL 缓存条目存活时间
	CacheTTL time.Duration `json:"cache_ttl"`
	// FallbackTimeout 降级路径自身的时间预算
	FallbackTimeout time.Duration `json:"fallback_timeout"`
	// DecayFactor EWMA 延迟衰减系数
	DecayFactor float64 `json:"decay_factor"`
}

// DefaultConfig 返回合理的默认值
func DefaultConfig() Config {
	return Config{
		Concurrency:     50,
		BatchSize:       10,
		BatchWait:       25 * time.Millisecond,
		CacheCapacity:   1000,
		CacheTTL:        5 * time.Minute,
		FallbackTimeout: 10 * time.Millisecond,
		DecayFactor:     0.9,
	}
}

// Pipeline 推理流水线
// 由调用方的组装根显式构造并持有，库内不保存任何进程级单例
type Pipeline struct {
	config    Config
	gate      *admission.Gate
	store     cache.Store
	strategy  cache.KeyStrategy
	coalescer *batch.Coalescer
	recorder  *metrics.Recorder
	fallback  Fallback
	observer  Observer
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option 配置 Pipeline 的可选项
type Option func(*Pipeline)

// WithStore 替换默认的本地缓存（如接入 Redis 两级缓存）
func WithStore(store cache.Store) Option {
	return func(p *Pipeline) {
		p.store = store
	}
}

// WithKeyStrategy 替换默认的 Hash 指纹策略
func WithKeyStrategy(strategy cache.KeyStrategy) Option {
	return func(p *Pipeline) {
		p.strategy = strategy
	}
}

// WithObserver 注册内部事件观察者
func WithObserver(observer Observer) Option {
	return func(p *Pipeline) {
		p.observer = observer
	}
}

// NewPipeline 创建流水线
func NewPipeline(config Config, executor batch.Executor, fallback Fallback, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		config:   config,
		gate:     admission.NewGate(config.Concurrency),
		store:    cache.NewResultCache(config.CacheCapacity, config.CacheTTL),
		strategy: cache.NewHashKeyStrategy(),
		recorder: metrics.NewRecorder(config.DecayFactor),
		fallback: fallback,
		logger:   logger.With(zap.String("component", "pipeline")),
		tracer:   otel.Tracer("inferflow/inference"),
	}
	// 包一层以便观察者看到每个批次的大小；p.observer 在 opts 应用后才就位，
	// 闭包在调用时读取即可
	wrapped := func(ctx context.Context, requests []*types.Request) ([]*types.Result, error) {
		if p.observer != nil {
			p.observer.ObserveBatch(len(requests))
		}
		return executor(ctx, requests)
	}
	p.coalescer = batch.NewCoalescer(batch.Config{
		MaxBatchSize: config.BatchSize,
		MaxWait:      config.BatchWait,
	}, wrapped, logger)

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Predict 执行一次预测，流水线的唯一公共入口
// 只有调用方自身的取消会以错误返回；其余内部失败一律降级为
// 低置信度 Result
func (p *Pipeline) Predict(ctx context.Context, req *types.Request) (*types.Result, error) {
	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "pipeline.predict",
		trace.WithAttributes(attribute.String("request.id", req.ID)))
	defer span.End()

	if err := p.gate.Acquire(ctx); err != nil {
		p.recorder.RecordRequest(time.Since(start), true)
		span.SetAttributes(attribute.String("outcome", "admission_timeout"))
		return nil, err
	}
	if p.observer != nil {
		p.observer.ObserveAdmissionWait(time.Since(start))
		p.observer.ObserveInFlight(p.gate.InFlight())
	}
	defer func() {
		p.gate.Release()
		if p.observer != nil {
			p.observer.ObserveInFlight(p.gate.InFlight())
		}
	}()

	fingerprint := p.strategy.Fingerprint(req)

	// 形状校验不通过的缓存值按未命中处理，走重算路径
	if cached, ok := p.store.Get(ctx, fingerprint); ok && cached.Valid() {
		out := cached
		out.RequestID = req.ID
		out.Provenance = types.ProvenanceCached
		out.Latency = time.Since(start)
		p.recorder.RecordHit()
		p.recorder.RecordRequest(out.Latency, false)
		if p.observer != nil {
			p.observer.ObserveCache(true)
			p.observer.ObservePrediction(string(types.ProvenanceCached), false, out.Latency)
		}
		span.SetAttributes(attribute.String("outcome", "cache_hit"))
		return out, nil
	}
	p.recorder.RecordMiss()
	if p.observer != nil {
		p.observer.ObserveCache(false)
	}

	result, err := p.coalescer.Submit(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// 调用方自己放弃了等待，原样上抛
			p.recorder.RecordRequest(time.Since(start), true)
			span.SetAttributes(attribute.String("outcome", "cancelled"))
			return nil, err
		}
		out := p.degrade(req)
		out.Latency = time.Since(start)
		p.recorder.RecordFallback()
		p.recorder.RecordRequest(out.Latency, true)
		if p.observer != nil {
			p.observer.ObservePrediction(string(types.ProvenanceFallback), true, out.Latency)
		}
		span.SetAttributes(attribute.String("outcome", "fallback"))
		p.logger.Warn("primary path failed, served fallback",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return out, nil
	}

	result.Provenance = types.ProvenanceComputed
	result.Latency = time.Since(start)
	p.store.Set(ctx, fingerprint, result)
	p.recorder.RecordRequest(result.Latency, false)
	if p.observer != nil {
		p.observer.ObservePrediction(string(types.ProvenanceComputed), false, result.Latency)
	}
	span.SetAttributes(attribute.String("outcome", "computed"))
	return result, nil
}

// degrade 在独立预算内执行降级计算
// 降级自身超时或 panic 时退化为静态最低置信结果，绝不向上抛错
func (p *Pipeline) degrade(req *types.Request) *types.Result {
	if p.fallback == nil {
		return p.staticFallback(req)
	}

	ch := make(chan *types.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("fallback panicked", zap.Any("panic", r))
				ch <- nil
			}
		}()
		ch <- p.fallback(req)
	}()

	timer := time.NewTimer(p.config.FallbackTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res == nil {
			return p.staticFallback(req)
		}
		res.RequestID = req.ID
		res.Provenance = types.ProvenanceFallback
		return res
	case <-timer.C:
		p.logger.Warn("fallback exceeded its budget",
			zap.String("request_id", req.ID),
			zap.Duration("budget", p.config.FallbackTimeout),
		)
		return p.staticFallback(req)
	}
}

func (p *Pipeline) staticFallback(req *types.Request) *types.Result {
	return &types.Result{
		RequestID:  req.ID,
		Label:      "unknown",
		Confidence: 0,
		Provenance: types.ProvenanceFallback,
	}
}

// Close 关闭流水线
// 已入队的请求仍会被排空
func (p *Pipeline) Close() {
	p.coalescer.Close()
}

// Stats 流水线统计快照
type Stats struct {
	Pipeline metrics.Snapshot `json:"pipeline"`
	Cache    cache.Stats      `json:"cache"`
	Batch    batch.Stats      `json:"batch"`
	InFlight int64            `json:"in_flight"`
}

// Stats 返回只读统计快照，可与 Predict 并发调用
func (p *Pipeline) Stats() Stats {
	return Stats{
		Pipeline: p.recorder.Snapshot(),
		Cache:    p.store.Stats(),
		Batch:    p.coalescer.Stats(),
		InFlight: p.gate.InFlight(),
	}
}
