package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDecay EWMA 默认衰减系数：new = old*decay + sample*(1-decay)
const DefaultDecay = 0.9

// Recorder 流水线运行指标记录器
type Recorder struct {
	decay     float64
	startTime time.Time

	total     atomic.Int64
	errors    atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	fallbacks atomic.Int64
	inFlight  atomic.Int64

	// EWMA 更新读改写一体，需要锁保护
	mu          sync.Mutex
	ewmaSeconds float64
	hasSample   bool
}

// NewRecorder 创建记录器
// decay 不在 (0,1) 区间时回退为 DefaultDecay
func NewRecorder(decay float64) *Recorder {
	if decay <= 0 || decay >= 1 {
		decay = DefaultDecay
	}
	return &Recorder{
		decay:     decay,
		startTime: time.Now(),
	}
}

// RecordRequest 记录一次请求完成
func (r *Recorder) RecordRequest(latency time.Duration, failed bool) {
	r.total.Add(1)
	if failed {
		r.errors.Add(1)
	}

	sample := latency.Seconds()
	r.mu.Lock()
	if r.hasSample {
		r.ewmaSeconds = r.ewmaSeconds*r.decay + sample*(1-r.decay)
	} else {
		r.ewmaSeconds = sample
		r.hasSample = true
	}
	r.mu.Unlock()
}

// RecordHit 记录缓存命中
func (r *Recorder) RecordHit() { r.hits.Add(1) }

// RecordMiss 记录缓存未命中
func (r *Recorder) RecordMiss() { r.misses.Add(1) }

// RecordFallback 记录降级
func (r *Recorder) RecordFallback() { r.fallbacks.Add(1) }

// IncInFlight 在途请求数加一
func (r *Recorder) IncInFlight() { r.inFlight.Add(1) }

// DecInFlight 在途请求数减一
func (r *Recorder) DecInFlight() { r.inFlight.Add(-1) }

// Snapshot 流水线指标快照
type Snapshot struct {
	TotalRequests int64         `json:"total_requests"`
	Errors        int64         `json:"errors"`
	ErrorRate     float64       `json:"error_rate"`
	CacheHits     int64         `json:"cache_hits"`
	CacheMisses   int64         `json:"cache_misses"`
	HitRate       float64       `json:"hit_rate"`
	Fallbacks     int64         `json:"fallbacks"`
	AvgLatency    time.Duration `json:"avg_latency"`
	Throughput    float64       `json:"throughput"` // 每秒请求数（启动以来）
	InFlight      int64         `json:"in_flight"`
	Uptime        time.Duration `json:"uptime"`
}

// Snapshot 返回当前只读快照，可与记录路径并发调用
func (r *Recorder) Snapshot() Snapshot {
	total := r.total.Load()
	errs := r.errors.Load()
	hits := r.hits.Load()
	misses := r.misses.Load()

	r.mu.Lock()
	avg := time.Duration(r.ewmaSeconds * float64(time.Second))
	r.mu.Unlock()

	uptime := time.Since(r.startTime)

	snap := Snapshot{
		TotalRequests: total,
		Errors:        errs,
		CacheHits:     hits,
		CacheMisses:   misses,
		Fallbacks:     r.fallbacks.Load(),
		AvgLatency:    avg,
		InFlight:      r.inFlight.Load(),
		Uptime:        uptime,
	}
	if total > 0 {
		snap.ErrorRate = float64(errs) / float64(total)
	}
	if lookups := hits + misses; lookups > 0 {
		snap.HitRate = float64(hits) / float64(lookups)
	}
	if sec := uptime.Seconds(); sec > 0 {
		snap.Throughput = float64(total) / sec
	}
	return snap
}
