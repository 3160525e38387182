package admission

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/chriscantu/inferflow/types"
)

// Gate 准入门
// 以计数信号量约束同时在途的请求数
type Gate struct {
	sem      *semaphore.Weighted
	limit    int
	inFlight atomic.Int64
}

// NewGate 创建准入门
// limit 必须为正数，否则回退为 1
func NewGate(limit int) *Gate {
	if limit <= 0 {
		limit = 1
	}
	return &Gate{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: limit,
	}
}

// Acquire 阻塞直到获得一个并发槽位或 ctx 取消
// 取消时返回 ADMISSION_TIMEOUT 错误且保证没有占用槽位
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return types.NewError(types.ErrAdmissionTimeout, "cancelled while waiting for admission").WithCause(err)
	}
	g.inFlight.Add(1)
	return nil
}

// Release 归还一个槽位
// 每次成功 Acquire 必须恰好调用一次
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// InFlight 返回当前已准入未释放的请求数
func (g *Gate) InFlight() int64 {
	return g.inFlight.Load()
}

// Limit 返回配置的并发上限
func (g *Gate) Limit() int {
	return g.limit
}
