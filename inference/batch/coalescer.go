package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chriscantu/inferflow/types"
)

var (
	ErrCoalescerClosed = errors.New("coalescer closed")
)

// Executor 批量执行回调
// 返回的结果切片必须与输入等长且位置一一对应，否则整批按错误处理
type Executor func(ctx context.Context, requests []*types.Request) ([]*types.Result, error)

// Config 配置合并器
type Config struct {
	// MaxBatchSize 单批次最大请求数
	MaxBatchSize int `json:"max_batch_size"`
	// MaxWait 凑批等待窗口：队列未满一批时最多等待多久再执行。
	// 0 表示不等待，到多少取多少。
	MaxWait time.Duration `json:"max_wait"`
}

// DefaultConfig 返回合理的默认值
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 10,
		MaxWait:      25 * time.Millisecond,
	}
}

// Coalescer 请求合并器
type Coalescer struct {
	config   Config
	executor Executor
	logger   *zap.Logger

	// pending、draining、closed 三者由同一把锁保护：
	// 判断"是否已有排空协程"与追加队列必须是一个原子动作
	mu       sync.Mutex
	pending  []*pendingItem
	draining bool
	closed   bool

	// notify 唤醒正在凑批的排空协程
	notify chan struct{}

	// 计量
	submitted atomic.Int64
	batches   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
}

// pendingItem 队列中的待处理条目
// resultCh 缓冲为 1：resolve 永不阻塞，提交方弃领后由 GC 回收
type pendingItem struct {
	request  *types.Request
	resultCh chan itemOutcome
}

type itemOutcome struct {
	result *types.Result
	err    error
}

// NewCoalescer 创建合并器
func NewCoalescer(config Config, executor Executor, logger *zap.Logger) *Coalescer {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	return &Coalescer{
		config:   config,
		executor: executor,
		logger:   logger.With(zap.String("component", "coalescer")),
		notify:   make(chan struct{}, 1),
	}
}

// Submit 提交请求并阻塞等待其结果
// ctx 取消时立即返回 SUBMIT_CANCELLED，但条目仍会被照常排空，
// 其在批次中的位置不受影响
func (c *Coalescer) Submit(ctx context.Context, req *types.Request) (*types.Result, error) {
	item := &pendingItem{
		request:  req,
		resultCh: make(chan itemOutcome, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoalescerClosed
	}
	c.pending = append(c.pending, item)
	startDrain := !c.draining
	if startDrain {
		c.draining = true
	}
	c.mu.Unlock()

	c.submitted.Add(1)

	if startDrain {
		go c.drain()
	} else {
		// 已有排空协程在凑批，唤醒它重新检查队列长度
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}

	select {
	case out := <-item.resultCh:
		return out.result, out.err
	case <-ctx.Done():
		c.abandoned.Add(1)
		return nil, types.NewError(types.ErrSubmitCancelled, "caller cancelled while waiting for batch").WithCause(ctx.Err())
	}
}

// drain 持续排空队列直到为空
// 同一时刻至多一个 drain 在运行；退出前在锁内清除 draining 标志，
// 保证不会出现"队列非空但无人排空"的窗口
func (c *Coalescer) drain() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		// 队列只会在本协程内缩短，凑批期间只增不减
		c.linger()

		c.mu.Lock()
		n := len(c.pending)
		if n > c.config.MaxBatchSize {
			n = c.config.MaxBatchSize
		}
		batch := make([]*pendingItem, n)
		copy(batch, c.pending[:n])
		rest := make([]*pendingItem, len(c.pending)-n)
		copy(rest, c.pending[n:])
		c.pending = rest
		c.mu.Unlock()

		c.execute(batch)
	}
}

// linger 凑批等待：直到队列攒满一批或超过 MaxWait
func (c *Coalescer) linger() {
	if c.config.MaxWait <= 0 {
		return
	}
	timer := time.NewTimer(c.config.MaxWait)
	defer timer.Stop()

	for {
		c.mu.Lock()
		full := len(c.pending) >= c.config.MaxBatchSize
		c.mu.Unlock()
		if full {
			return
		}
		select {
		case <-c.notify:
		case <-timer.C:
			return
		}
	}
}

// execute 调用执行器并按位置分发结果
// 不持有任何锁：执行器可能很慢，不能阻塞提交与缓存操作
func (c *Coalescer) execute(batch []*pendingItem) {
	requests := make([]*types.Request, len(batch))
	for i, item := range batch {
		requests[i] = item.request
	}

	c.batches.Add(1)

	// 使用合并器自身的后台上下文：单个提交方的取消不得波及同批其他请求
	results, err := c.executor(context.Background(), requests)
	if err == nil && !aligned(results, len(requests)) {
		err = types.NewError(types.ErrBatchMisaligned, "executor returned misaligned result slice")
		c.logger.Error("executor output misaligned",
			zap.Int("requests", len(requests)),
			zap.Int("results", len(results)),
		)
	}

	if err != nil {
		// 整批同败：所有条目收到同一错误，不允许部分悬挂
		batchErr := err
		if types.GetErrorCode(err) == "" {
			batchErr = types.NewError(types.ErrBatchExecution, "batch executor failed").WithCause(err)
		}
		for _, item := range batch {
			item.resultCh <- itemOutcome{err: batchErr}
		}
		c.failed.Add(int64(len(batch)))
		c.logger.Warn("batch failed", zap.Int("size", len(batch)), zap.Error(err))
		return
	}

	for i, item := range batch {
		item.resultCh <- itemOutcome{result: results[i]}
	}
	c.completed.Add(int64(len(batch)))
}

// aligned 校验执行器输出与请求逐位对应
// 长度不符或任一元素为 nil 都视为错位：宁可整批失败也不向提交方交付空结果
func aligned(results []*types.Result, want int) bool {
	if len(results) != want {
		return false
	}
	for _, r := range results {
		if r == nil {
			return false
		}
	}
	return true
}

// Close 关闭合并器
// 已入队的条目仍会被排空；新的 Submit 返回 ErrCoalescerClosed
func (c *Coalescer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Stats 返回合并器统计
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()

	return Stats{
		Submitted: c.submitted.Load(),
		Batches:   c.batches.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		Abandoned: c.abandoned.Load(),
		Pending:   pending,
	}
}

// Stats 合并器统计
type Stats struct {
	Submitted int64 `json:"submitted"`
	Batches   int64 `json:"batches"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Abandoned int64 `json:"abandoned"`
	Pending   int   `json:"pending"`
}

// AvgBatchSize 返回平均批次大小
func (s Stats) AvgBatchSize() float64 {
	if s.Batches == 0 {
		return 0
	}
	return float64(s.Completed+s.Failed) / float64(s.Batches)
}
