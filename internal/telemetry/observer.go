package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// =============================================================================
// 📊 流水线事件 → OTel 指标
// =============================================================================

// Observer 把流水线观察事件记录为 OTel 指标
// 与 Prometheus 侧的收集器并行工作，经 PeriodicReader 推送到 OTLP 端点
type Observer struct {
	predictions   metric.Int64Counter
	latency       metric.Float64Histogram
	admissionWait metric.Float64Histogram
	batchSize     metric.Int64Histogram
	cacheLookups  metric.Int64Counter
	inFlight      metric.Int64Gauge
}

// NewObserver 在给定 Meter 上注册流水线指标仪表
func NewObserver(meter metric.Meter) (*Observer, error) {
	o := &Observer{}
	var err error

	if o.predictions, err = meter.Int64Counter("inferflow.predictions",
		metric.WithDescription("Completed predictions by provenance and status"),
	); err != nil {
		return nil, fmt.Errorf("create predictions counter: %w", err)
	}
	if o.latency, err = meter.Float64Histogram("inferflow.prediction.duration",
		metric.WithDescription("End-to-end prediction latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}
	if o.admissionWait, err = meter.Float64Histogram("inferflow.admission.wait",
		metric.WithDescription("Time spent waiting for an admission slot"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create admission wait histogram: %w", err)
	}
	if o.batchSize, err = meter.Int64Histogram("inferflow.batch.size",
		metric.WithDescription("Requests coalesced per executed batch"),
	); err != nil {
		return nil, fmt.Errorf("create batch size histogram: %w", err)
	}
	if o.cacheLookups, err = meter.Int64Counter("inferflow.cache.lookups",
		metric.WithDescription("Result cache lookups by outcome"),
	); err != nil {
		return nil, fmt.Errorf("create cache lookups counter: %w", err)
	}
	if o.inFlight, err = meter.Int64Gauge("inferflow.requests.in_flight",
		metric.WithDescription("Requests currently holding an admission slot"),
	); err != nil {
		return nil, fmt.Errorf("create in-flight gauge: %w", err)
	}
	return o, nil
}

// ObservePrediction 记录一次预测完成
func (o *Observer) ObservePrediction(provenance string, failed bool, latency time.Duration) {
	status := "ok"
	if failed {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("provenance", provenance),
		attribute.String("status", status),
	)
	o.predictions.Add(context.Background(), 1, attrs)
	o.latency.Record(context.Background(), latency.Seconds(), attrs)
}

// ObserveAdmissionWait 记录准入等待时长
func (o *Observer) ObserveAdmissionWait(wait time.Duration) {
	o.admissionWait.Record(context.Background(), wait.Seconds())
}

// ObserveBatch 记录一次批次执行的规模
func (o *Observer) ObserveBatch(size int) {
	o.batchSize.Record(context.Background(), int64(size))
}

// ObserveCache 记录一次缓存查询结果
func (o *Observer) ObserveCache(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	o.cacheLookups.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ObserveInFlight 记录当前在途请求数
func (o *Observer) ObserveInFlight(n int64) {
	o.inFlight.Record(context.Background(), n)
}
