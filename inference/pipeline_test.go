package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chriscantu/inferflow/inference/cache"
	"github.com/chriscantu/inferflow/testutil"
	"github.com/chriscantu/inferflow/types"
)

func classifyExecutor() func(context.Context, []*types.Request) ([]*types.Result, error) {
	return func(_ context.Context, requests []*types.Request) ([]*types.Result, error) {
		results := make([]*types.Result, len(requests))
		for i, req := range requests {
			results[i] = &types.Result{
				RequestID:  req.ID,
				Label:      "strategic",
				Confidence: 0.92,
			}
		}
		return results, nil
	}
}

func staticFallback(confidence float64) Fallback {
	return func(req *types.Request) *types.Result {
		return &types.Result{
			RequestID:  req.ID,
			Label:      "degraded",
			Confidence: confidence,
		}
	}
}

func identicalRequest(id string) *types.Request {
	return &types.Request{ID: id, Features: map[string]any{"text": "should we fund the platform team"}}
}

func TestPipeline_ComputedThenCached(t *testing.T) {
	ctx := testutil.TestContext(t)

	var invocations atomic.Int64
	executor := func(c context.Context, reqs []*types.Request) ([]*types.Result, error) {
		invocations.Add(1)
		return classifyExecutor()(c, reqs)
	}

	cfg := DefaultConfig()
	cfg.Concurrency = 3
	cfg.BatchSize = 3
	cfg.BatchWait = 200 * time.Millisecond
	p := NewPipeline(cfg, executor, staticFallback(0.6), zap.NewNop())
	defer p.Close()

	// Three identical requests submitted concurrently coalesce into one batch.
	var wg sync.WaitGroup
	results := make([]*types.Result, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = p.Predict(ctx, identicalRequest(fmt.Sprintf("req-%d", n)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), invocations.Load(), "identical concurrent requests must share one executor call")
	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, types.ProvenanceComputed, results[i].Provenance)
		assert.Equal(t, fmt.Sprintf("req-%d", i), results[i].RequestID)
		assert.Equal(t, 0.92, results[i].Confidence)
	}

	// A fourth identical request within TTL is served from cache, fast.
	res, err := p.Predict(ctx, identicalRequest("req-4"))
	require.NoError(t, err)
	assert.Equal(t, types.ProvenanceCached, res.Provenance)
	assert.Equal(t, "req-4", res.RequestID)
	assert.Equal(t, int64(1), invocations.Load(), "cache hit must not reach the executor")
	assert.Less(t, res.Latency, 50*time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Pipeline.CacheHits)
	assert.Equal(t, int64(3), stats.Pipeline.CacheMisses)
}

func TestPipeline_NilResultElementDegradesCaller(t *testing.T) {
	ctx := testutil.TestContext(t)

	// Correct length, but the executor never fills the slice in.
	executor := func(_ context.Context, reqs []*types.Request) ([]*types.Result, error) {
		return make([]*types.Result, len(reqs)), nil
	}

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.BatchWait = 20 * time.Millisecond
	p := NewPipeline(cfg, executor, staticFallback(0.6), zap.NewNop())
	defer p.Close()

	res, err := p.Predict(ctx, identicalRequest("req-nil"))
	require.NoError(t, err, "a hollow executor result must degrade, never abort the caller")
	require.NotNil(t, res)
	assert.Equal(t, types.ProvenanceFallback, res.Provenance)
	assert.Equal(t, "degraded", res.Label)
	assert.Equal(t, int64(1), p.Stats().Pipeline.Fallbacks)
}

// corruptStore serves a result that fails shape validation on every lookup.
type corruptStore struct {
	lookups atomic.Int64
}

func (s *corruptStore) Get(context.Context, string) (*types.Result, bool) {
	s.lookups.Add(1)
	return &types.Result{Label: "mangled", Confidence: 7.5}, true
}

func (s *corruptStore) Set(context.Context, string, *types.Result) {}

func (s *corruptStore) Stats() cache.Stats { return cache.Stats{} }

func TestPipeline_CorruptCacheEntryTreatedAsMiss(t *testing.T) {
	ctx := testutil.TestContext(t)

	var invocations atomic.Int64
	executor := func(c context.Context, reqs []*types.Request) ([]*types.Result, error) {
		invocations.Add(1)
		return classifyExecutor()(c, reqs)
	}

	store := &corruptStore{}
	cfg := DefaultConfig()
	cfg.BatchWait = 10 * time.Millisecond
	p := NewPipeline(cfg, executor, staticFallback(0.6), zap.NewNop(), WithStore(store))
	defer p.Close()

	res, err := p.Predict(ctx, identicalRequest("req-corrupt"))
	require.NoError(t, err)
	assert.Equal(t, types.ProvenanceComputed, res.Provenance, "an invalid cached value must fall through to the executor")
	assert.Equal(t, "strategic", res.Label)
	assert.Equal(t, int64(1), invocations.Load())
	assert.Positive(t, store.lookups.Load())
}

func TestPipeline_ExecutorFailureDegradesAllCallers(t *testing.T) {
	ctx := testutil.TestContext(t)

	executor := func(context.Context, []*types.Request) ([]*types.Result, error) {
		return nil, errors.New("model server down")
	}

	cfg := DefaultConfig()
	cfg.BatchSize = 5
	cfg.BatchWait = 50 * time.Millisecond
	p := NewPipeline(cfg, executor, staticFallback(0.6), zap.NewNop())
	defer p.Close()

	var wg sync.WaitGroup
	results := make([]*types.Result, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// distinct payloads so nobody hits the cache
			results[n], errs[n] = p.Predict(ctx, &types.Request{
				ID:       fmt.Sprintf("req-%d", n),
				Features: map[string]any{"text": fmt.Sprintf("query %d", n)},
			})
		}(i)
	}
	wg.Wait()

	// Predict never surfaces the executor error; every caller gets a fallback result.
	for i := 0; i < 5; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, types.ProvenanceFallback, results[i].Provenance)
		assert.Equal(t, 0.6, results[i].Confidence)
	}
	assert.Equal(t, int64(5), p.Stats().Pipeline.Fallbacks)
}

func TestPipeline_SlowFallbackYieldsStaticResult(t *testing.T) {
	ctx := testutil.TestContext(t)

	executor := func(context.Context, []*types.Request) ([]*types.Result, error) {
		return nil, errors.New("boom")
	}
	slowFallback := func(req *types.Request) *types.Result {
		time.Sleep(200 * time.Millisecond)
		return &types.Result{RequestID: req.ID, Confidence: 0.6}
	}

	cfg := DefaultConfig()
	cfg.BatchWait = 0
	cfg.FallbackTimeout = 10 * time.Millisecond
	p := NewPipeline(cfg, executor, slowFallback, zap.NewNop())
	defer p.Close()

	res, err := p.Predict(ctx, identicalRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, types.ProvenanceFallback, res.Provenance)
	assert.Zero(t, res.Confidence, "exhausted fallback degrades to the minimal static result")
	assert.Equal(t, "unknown", res.Label)
}

func TestPipeline_PanickingFallbackYieldsStaticResult(t *testing.T) {
	ctx := testutil.TestContext(t)

	executor := func(context.Context, []*types.Request) ([]*types.Result, error) {
		return nil, errors.New("boom")
	}
	panicky := func(*types.Request) *types.Result { panic("fallback bug") }

	cfg := DefaultConfig()
	cfg.BatchWait = 0
	p := NewPipeline(cfg, executor, panicky, zap.NewNop())
	defer p.Close()

	res, err := p.Predict(ctx, identicalRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, types.ProvenanceFallback, res.Provenance)
	assert.Zero(t, res.Confidence)
}

func TestPipeline_NilFallbackYieldsStaticResult(t *testing.T) {
	ctx := testutil.TestContext(t)

	executor := func(context.Context, []*types.Request) ([]*types.Result, error) {
		return nil, errors.New("boom")
	}

	cfg := DefaultConfig()
	cfg.BatchWait = 0
	p := NewPipeline(cfg, executor, nil, zap.NewNop())
	defer p.Close()

	res, err := p.Predict(ctx, identicalRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, types.ProvenanceFallback, res.Provenance)
}

func TestPipeline_AdmissionBound(t *testing.T) {
	ctx := testutil.TestContext(t)

	const limit = 4
	executor := func(c context.Context, reqs []*types.Request) ([]*types.Result, error) {
		time.Sleep(50 * time.Millisecond) // keep requests in flight
		return classifyExecutor()(c, reqs)
	}

	cfg := DefaultConfig()
	cfg.Concurrency = limit
	cfg.BatchSize = 2
	cfg.BatchWait = 5 * time.Millisecond
	p := NewPipeline(cfg, executor, staticFallback(0.6), zap.NewNop())
	defer p.Close()

	var peak atomic.Int64
	done := make(chan struct{})
	go func() {
		// sample the in-flight gauge while the storm runs
		for {
			select {
			case <-done:
				return
			default:
				if n := p.Stats().InFlight; n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := p.Predict(ctx, &types.Request{
				ID:       fmt.Sprintf("req-%d", n),
				Features: map[string]any{"text": fmt.Sprintf("query %d", n)},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	close(done)

	assert.LessOrEqual(t, peak.Load(), int64(limit), "in-flight requests must never exceed the admission limit")
	assert.Equal(t, int64(0), p.Stats().InFlight)
}

func TestPipeline_CancelledBeforeAdmission(t *testing.T) {
	blocker := make(chan struct{})
	executor := func(c context.Context, reqs []*types.Request) ([]*types.Result, error) {
		<-blocker
		return classifyExecutor()(c, reqs)
	}

	cfg := DefaultConfig()
	cfg.Concurrency = 1
	cfg.BatchWait = 0
	p := NewPipeline(cfg, executor, staticFallback(0.6), zap.NewNop())
	defer p.Close()
	defer close(blocker)

	// Occupy the only slot.
	go func() {
		_, _ = p.Predict(context.Background(), identicalRequest("occupier"))
	}()
	testutil.AssertEventuallyTrue(t, func() bool { return p.Stats().InFlight == 1 }, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Predict(ctx, identicalRequest("waiter"))
	require.Error(t, err)
	assert.Equal(t, types.ErrAdmissionTimeout, types.GetErrorCode(err))
}

func TestPipeline_CancelledMidBatchReturnsToCallerOnly(t *testing.T) {
	release := make(chan struct{})
	executor := func(c context.Context, reqs []*types.Request) ([]*types.Result, error) {
		<-release
		return classifyExecutor()(c, reqs)
	}

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.BatchWait = 100 * time.Millisecond
	p := NewPipeline(cfg, executor, staticFallback(0.6), zap.NewNop())
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Predict(ctx, identicalRequest("abandoner"))
		errCh <- err
	}()

	siblingCh := make(chan *types.Result, 1)
	go func() {
		res, err := p.Predict(context.Background(), &types.Request{
			ID:       "sibling",
			Features: map[string]any{"text": "different payload"},
		})
		assert.NoError(t, err)
		siblingCh <- res
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	err, ok := testutil.WaitForChannel(errCh, time.Second)
	require.True(t, ok, "abandoning caller must return promptly")
	require.Error(t, err)
	assert.Equal(t, types.ErrSubmitCancelled, types.GetErrorCode(err))

	close(release)
	res, ok := testutil.WaitForChannel(siblingCh, time.Second)
	require.True(t, ok, "sibling must complete normally")
	assert.Equal(t, types.ProvenanceComputed, res.Provenance)
}

func TestPipeline_StatsSnapshot(t *testing.T) {
	ctx := testutil.TestContext(t)

	cfg := DefaultConfig()
	cfg.BatchWait = 0
	p := NewPipeline(cfg, classifyExecutor(), staticFallback(0.6), zap.NewNop())
	defer p.Close()

	_, err := p.Predict(ctx, identicalRequest("req-1"))
	require.NoError(t, err)
	_, err = p.Predict(ctx, identicalRequest("req-2"))
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Pipeline.TotalRequests)
	assert.Equal(t, int64(1), stats.Pipeline.CacheHits)
	assert.Equal(t, int64(1), stats.Pipeline.CacheMisses)
	assert.Equal(t, int64(1), stats.Batch.Submitted)
	assert.Equal(t, 1, stats.Cache.Size)
	assert.Positive(t, stats.Pipeline.Throughput)
	assert.Zero(t, stats.Pipeline.ErrorRate)
}
