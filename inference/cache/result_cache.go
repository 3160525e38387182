package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriscantu/inferflow/types"
)

// Store 缓存读写接口
// 本地实现从不失败也从不阻塞，ctx 仅供带远端层的实现使用
type Store interface {
	Get(ctx context.Context, fingerprint string) (*types.Result, bool)
	Set(ctx context.Context, fingerprint string, result *types.Result)
	Stats() Stats
}

// Stats 缓存统计
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// HitRate 返回命中率
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// ResultCache 本地结果缓存
// 固定容量，TTL 惰性过期，容量满时淘汰最早插入的条目。
// 注意淘汰顺序按插入时间而非访问时间：Get 不会刷新条目位置，
// 只有 Set 覆盖同一指纹时才重新计入插入序。
type ResultCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*cacheNode
	head     *cacheNode // 最新插入
	tail     *cacheNode // 最早插入

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	now func() time.Time
}

type cacheNode struct {
	fingerprint string
	result      *types.Result
	insertedAt  time.Time
	prev        *cacheNode
	next        *cacheNode
}

// Option 配置 ResultCache
type Option func(*ResultCache)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) {
		c.now = now
	}
}

// NewResultCache 创建本地结果缓存
func NewResultCache(capacity int, ttl time.Duration, opts ...Option) *ResultCache {
	c := &ResultCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*cacheNode),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get 按指纹读取结果
// TTL 已过期的条目等同于缺失，并在此处顺手移除
func (c *ResultCache) Get(_ context.Context, fingerprint string) (*types.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[fingerprint]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if c.now().Sub(node.insertedAt) >= c.ttl {
		c.removeNode(node)
		delete(c.items, fingerprint)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	// 返回副本，调用方的修改不会污染缓存
	return node.result.Clone(), true
}

// Set 写入或覆盖条目
// 容量满且指纹为新时，先淘汰最早插入的条目
func (c *ResultCache) Set(_ context.Context, fingerprint string, result *types.Result) {
	stored := result.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[fingerprint]; ok {
		// 覆盖视为重新插入
		node.result = stored
		node.insertedAt = c.now()
		c.moveToHead(node)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictTail()
	}

	node := &cacheNode{
		fingerprint: fingerprint,
		result:      stored,
		insertedAt:  c.now(),
	}
	c.items[fingerprint] = node
	c.addToHead(node)
}

// Stats 返回缓存统计
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	size := len(c.items)
	c.mu.Unlock()

	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}

// Clear 清空缓存
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*cacheNode)
	c.head = nil
	c.tail = nil
}

// addToHead 添加节点到头部 O(1)
func (c *ResultCache) addToHead(node *cacheNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

// removeNode 从链表中移除节点 O(1)
func (c *ResultCache) removeNode(node *cacheNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
}

// moveToHead 移动节点到头部 O(1)
func (c *ResultCache) moveToHead(node *cacheNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}

// evictTail 淘汰尾部（最早插入）节点 O(1)
func (c *ResultCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.items, c.tail.fingerprint)
	c.removeNode(c.tail)
	c.evictions.Add(1)
}
