package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriscantu/inferflow/types"
)

func computedResult(id string) *types.Result {
	return &types.Result{
		RequestID:  id,
		Label:      "strategic",
		Confidence: 0.92,
		Provenance: types.ProvenanceComputed,
	}
}

func TestResultCache_SetGet(t *testing.T) {
	ctx := context.Background()
	c := NewResultCache(10, time.Minute)

	_, ok := c.Get(ctx, "fp-1")
	assert.False(t, ok, "空缓存应未命中")

	c.Set(ctx, "fp-1", computedResult("r1"))
	got, ok := c.Get(ctx, "fp-1")
	require.True(t, ok)
	assert.Equal(t, "r1", got.RequestID)
	assert.Equal(t, 0.92, got.Confidence)
}

func TestResultCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	c := NewResultCache(10, time.Minute, WithClock(func() time.Time { return clock() }))

	c.Set(ctx, "fp-1", computedResult("r1"))

	_, ok := c.Get(ctx, "fp-1")
	assert.True(t, ok, "TTL 内应命中")

	// 拨快时钟越过 TTL
	clock = func() time.Time { return now.Add(time.Minute) }
	_, ok = c.Get(ctx, "fp-1")
	assert.False(t, ok, "TTL 过期后应视为缺失")

	stats := c.Stats()
	assert.Equal(t, 0, stats.Size, "过期条目应被惰性移除")
}

func TestResultCache_CapacityEviction(t *testing.T) {
	ctx := context.Background()
	c := NewResultCache(3, time.Minute)

	for i := 0; i < 4; i++ {
		c.Set(ctx, fmt.Sprintf("fp-%d", i), computedResult(fmt.Sprintf("r%d", i)))
	}

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Evictions, "超出容量应恰好淘汰一条")
	assert.Equal(t, 3, stats.Size)

	// 被淘汰的必须是最早插入的 fp-0
	_, ok := c.Get(ctx, "fp-0")
	assert.False(t, ok)
	for i := 1; i < 4; i++ {
		_, ok := c.Get(ctx, fmt.Sprintf("fp-%d", i))
		assert.True(t, ok, "fp-%d 应仍在缓存中", i)
	}
}

func TestResultCache_EvictionByInsertionNotAccess(t *testing.T) {
	ctx := context.Background()
	c := NewResultCache(2, time.Minute)

	c.Set(ctx, "fp-old", computedResult("old"))
	c.Set(ctx, "fp-new", computedResult("new"))

	// 反复访问最早插入的条目，不应改变淘汰顺序
	for i := 0; i < 5; i++ {
		_, ok := c.Get(ctx, "fp-old")
		require.True(t, ok)
	}

	c.Set(ctx, "fp-extra", computedResult("extra"))
	_, ok := c.Get(ctx, "fp-old")
	assert.False(t, ok, "淘汰按插入序，访问不续命")
	_, ok = c.Get(ctx, "fp-new")
	assert.True(t, ok)
}

func TestResultCache_OverwriteReinserts(t *testing.T) {
	ctx := context.Background()
	c := NewResultCache(2, time.Minute)

	c.Set(ctx, "fp-a", computedResult("a1"))
	c.Set(ctx, "fp-b", computedResult("b1"))
	// 覆盖 fp-a 使其成为最新插入
	c.Set(ctx, "fp-a", computedResult("a2"))

	c.Set(ctx, "fp-c", computedResult("c1"))

	_, ok := c.Get(ctx, "fp-b")
	assert.False(t, ok, "覆盖后 fp-b 成为最早插入，应被淘汰")

	got, ok := c.Get(ctx, "fp-a")
	require.True(t, ok)
	assert.Equal(t, "a2", got.RequestID, "同一指纹后写覆盖先写")
}

func TestResultCache_NoAliasing(t *testing.T) {
	ctx := context.Background()
	c := NewResultCache(10, time.Minute)

	original := computedResult("r1")
	original.Detail = map[string]any{"score": 1.0}
	c.Set(ctx, "fp-1", original)

	// 调用方修改已写入的原件
	original.Detail["score"] = 0.0

	got, ok := c.Get(ctx, "fp-1")
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Detail["score"], "缓存持有自己的副本")

	// 调用方修改取回的结果
	got.Detail["score"] = -1.0
	again, ok := c.Get(ctx, "fp-1")
	require.True(t, ok)
	assert.Equal(t, 1.0, again.Detail["score"])
}

func TestResultCache_Stats(t *testing.T) {
	ctx := context.Background()
	c := NewResultCache(10, time.Minute)

	c.Set(ctx, "fp-1", computedResult("r1"))
	c.Get(ctx, "fp-1")
	c.Get(ctx, "fp-1")
	c.Get(ctx, "fp-missing")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.InDelta(t, 2.0/3.0, stats.HitRate(), 1e-9)
}

func TestResultCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewResultCache(100, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				fp := fmt.Sprintf("fp-%d", j%10)
				c.Set(ctx, fp, computedResult(fmt.Sprintf("r%d-%d", n, j)))
				c.Get(ctx, fp)
			}
		}(i)
	}
	wg.Wait()

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Size, 100)
	assert.Positive(t, stats.Hits)
}
