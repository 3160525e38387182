package batch

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

	"github.com/chriscantu/inferflow/testutil"
	"github.com/chriscantu/inferflow/types"
)

// echoExecutor resolves each request with a result derived from its own ID.
func echoExecutor() Executor {
	return func(ctx context.Context, requests []*types.Request) ([]*types.Result, error) {
		results := make([]*types.Result, len(requests))
		for i, req := range requests {
			results[i] = &types.Result{
				RequestID:  req.ID,
				Label:      "echo:" + req.ID,
				Confidence: 0.9,
				Provenance: types.ProvenanceComputed,
			}
		}
		return results, nil
	}
}

func makeRequest(id string) *types.Request {
	return &types.Request{ID: id, Features: map[string]any{"text": "payload-" + id}}
}

func TestCoalescer_SubmitEcho(t *testing.T) {
	ctx := testutil.TestContext(t)

	c := NewCoalescer(Config{MaxBatchSize: 4, MaxWait: 5 * time.Millisecond}, echoExecutor(), zap.NewNop())
	defer c.Close()

	res, err := c.Submit(ctx, makeRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, "echo:req-1", res.Label)
	assert.Equal(t, types.ProvenanceComputed, res.Provenance)
}

func TestCoalescer_PositionalAlignment(t *testing.T) {
	ctx := testutil.TestContext(t)

	const k = 25 // more than two full batches
	c := NewCoalescer(Config{MaxBatchSize: 10, MaxWait: 10 * time.Millisecond}, echoExecutor(), zap.NewNop())
	defer c.Close()

	var wg sync.WaitGroup
	errs := make([]error, k)
	results := make([]*types.Result, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = c.Submit(ctx, makeRequest(fmt.Sprintf("req-%d", n)))
		}(i)
	}
	wg.Wait()

	// Every caller must receive the result for its own request, never a sibling's.
	for i := 0; i < k; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("req-%d", i), results[i].RequestID)
	}

	stats := c.Stats()
	assert.Equal(t, int64(k), stats.Submitted)
	assert.Equal(t, int64(k), stats.Completed)
	assert.GreaterOrEqual(t, stats.Batches, int64(3), "25 requests cannot fit in fewer than 3 batches of 10")
}

func TestCoalescer_BatchSizeBounded(t *testing.T) {
	ctx := testutil.TestContext(t)

	var maxSeen atomic.Int64
	executor := func(_ context.Context, requests []*types.Request) ([]*types.Result, error) {
		if n := int64(len(requests)); n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		return echoExecutor()(ctx, requests)
	}

	c := NewCoalescer(Config{MaxBatchSize: 5, MaxWait: 10 * time.Millisecond}, executor, zap.NewNop())
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := c.Submit(ctx, makeRequest(fmt.Sprintf("req-%d", n)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int64(5), "no batch may exceed the configured size")
}

func TestCoalescer_SingleBatchForConcurrentSubmits(t *testing.T) {
	ctx := testutil.TestContext(t)

	c := NewCoalescer(Config{MaxBatchSize: 3, MaxWait: 200 * time.Millisecond}, echoExecutor(), zap.NewNop())
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := c.Submit(ctx, makeRequest(fmt.Sprintf("req-%d", n)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Batches, "three submits within the wait window must coalesce into one batch")
	assert.Equal(t, float64(3), stats.AvgBatchSize())
}

func TestCoalescer_AllOrNothingFailure(t *testing.T) {
	ctx := testutil.TestContext(t)

	boom := errors.New("upstream exploded")
	executor := func(context.Context, []*types.Request) ([]*types.Result, error) {
		return nil, boom
	}

	c := NewCoalescer(Config{MaxBatchSize: 5, MaxWait: 50 * time.Millisecond}, executor, zap.NewNop())
	defer c.Close()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = c.Submit(ctx, makeRequest(fmt.Sprintf("req-%d", n)))
		}(i)
	}
	wg.Wait()

	// All five callers observe the same failure; none hang, none succeed.
	for i := 0; i < 5; i++ {
		require.Error(t, errs[i])
		assert.Equal(t, types.ErrBatchExecution, types.GetErrorCode(errs[i]))
		assert.ErrorIs(t, errs[i], boom)
	}
	assert.Equal(t, int64(5), c.Stats().Failed)
}

func TestCoalescer_MisalignedExecutorFailsWholeBatch(t *testing.T) {
	ctx := testutil.TestContext(t)

	executor := func(_ context.Context, requests []*types.Request) ([]*types.Result, error) {
		// one result short
		out, _ := echoExecutor()(ctx, requests)
		return out[:len(out)-1], nil
	}

	c := NewCoalescer(Config{MaxBatchSize: 4, MaxWait: 50 * time.Millisecond}, executor, zap.NewNop())
	defer c.Close()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = c.Submit(ctx, makeRequest(fmt.Sprintf("req-%d", n)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		require.Error(t, errs[i])
		assert.Equal(t, types.ErrBatchMisaligned, types.GetErrorCode(errs[i]))
	}
}

func TestCoalescer_NilResultElementFailsWholeBatch(t *testing.T) {
	ctx := testutil.TestContext(t)

	executor := func(_ context.Context, requests []*types.Request) ([]*types.Result, error) {
		// right length, but every element left nil
		return make([]*types.Result, len(requests)), nil
	}

	c := NewCoalescer(Config{MaxBatchSize: 4, MaxWait: 50 * time.Millisecond}, executor, zap.NewNop())
	defer c.Close()

	var wg sync.WaitGroup
	results := make([]*types.Result, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = c.Submit(ctx, makeRequest(fmt.Sprintf("req-%d", n)))
		}(i)
	}
	wg.Wait()

	// A nil element must never be delivered as a success; the whole batch fails.
	for i := 0; i < 3; i++ {
		require.Error(t, errs[i])
		assert.Nil(t, results[i])
		assert.Equal(t, types.ErrBatchMisaligned, types.GetErrorCode(errs[i]))
	}
	assert.Equal(t, int64(3), c.Stats().Failed)
}

func TestCoalescer_CancellationIsolation(t *testing.T) {
	ctx := testutil.TestContext(t)

	release := make(chan struct{})
	var sawCancelled atomic.Bool
	executor := func(_ context.Context, requests []*types.Request) ([]*types.Result, error) {
		<-release
		for _, req := range requests {
			if req.ID == "cancelled" {
				sawCancelled.Store(true)
			}
		}
		return echoExecutor()(ctx, requests)
	}

	c := NewCoalescer(Config{MaxBatchSize: 3, MaxWait: 100 * time.Millisecond}, executor, zap.NewNop())
	defer c.Close()

	cancelCtx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	var cancelledErr error
	siblingErrs := make([]error, 2)
	siblingResults := make([]*types.Result, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, cancelledErr = c.Submit(cancelCtx, makeRequest("cancelled"))
	}()
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			siblingResults[n], siblingErrs[n] = c.Submit(ctx, makeRequest(fmt.Sprintf("sibling-%d", n)))
		}(i)
	}

	// Abandon one caller mid-wait, then let the batch run.
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Error(t, cancelledErr)
	assert.Equal(t, types.ErrSubmitCancelled, types.GetErrorCode(cancelledErr))
	assert.ErrorIs(t, cancelledErr, context.Canceled)

	// Siblings in the same batch are unaffected.
	for i := 0; i < 2; i++ {
		require.NoError(t, siblingErrs[i])
		assert.Equal(t, fmt.Sprintf("sibling-%d", i), siblingResults[i].RequestID)
	}

	// The abandoned item was still drained with its batch slot intact.
	assert.True(t, sawCancelled.Load(), "cancelled item must still reach the executor")
	assert.Equal(t, int64(1), c.Stats().Abandoned)
}

func TestCoalescer_SubmitAfterClose(t *testing.T) {
	ctx := testutil.TestContext(t)

	c := NewCoalescer(DefaultConfig(), echoExecutor(), zap.NewNop())
	c.Close()

	_, err := c.Submit(ctx, makeRequest("req-1"))
	assert.ErrorIs(t, err, ErrCoalescerClosed)
}

func TestCoalescer_NoWaitDrainsImmediately(t *testing.T) {
	ctx := testutil.TestContext(t)

	c := NewCoalescer(Config{MaxBatchSize: 10, MaxWait: 0}, echoExecutor(), zap.NewNop())
	defer c.Close()

	start := time.Now()
	_, err := c.Submit(ctx, makeRequest("req-1"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "zero wait window must not linger")
}

func TestCoalescer_EveryItemEventuallyResolved(t *testing.T) {
	ctx := testutil.TestContext(t)

	c := NewCoalescer(Config{MaxBatchSize: 7, MaxWait: 5 * time.Millisecond}, echoExecutor(), zap.NewNop())
	defer c.Close()

	const k = 100
	var wg sync.WaitGroup
	var resolved atomic.Int64
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := c.Submit(ctx, makeRequest(fmt.Sprintf("req-%d", n))); err == nil {
				resolved.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(k), resolved.Load())
	testutil.AssertEventuallyTrue(t, func() bool { return c.Stats().Pending == 0 }, time.Second)
}
