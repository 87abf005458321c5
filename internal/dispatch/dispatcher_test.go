package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membergate/internal/common/errors"
	"membergate/internal/common/logger"
	"membergate/internal/common/metrics"
)

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d := New(cfg, metrics.NewForTest(), logger.NewNoOpLogger())
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func TestDispatcher_CompletesJob(t *testing.T) {
	d := newTestDispatcher(t, Config{Workers: 2, GlobalRPS: 1000, TenantPerMinute: 100000})

	p, err := d.Submit(42, Event, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	value, err := p.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

func TestDispatcher_InteractiveJumpsBulkBacklog(t *testing.T) {
	// One worker, blocked on a gated job. A pile of bulk jobs goes in
	// first, then a single interactive job: it must be the next thing the
	// worker runs despite arriving last.
	d := newTestDispatcher(t, Config{Workers: 1, GlobalRPS: 1000, TenantPerMinute: 100000})

	gate := make(chan struct{})
	started := make(chan struct{})
	_, err := d.Submit(1, Event, func(ctx context.Context) (interface{}, error) {
		close(started)
		<-gate
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	var order []string
	var mu sync.Mutex
	record := func(tag string) Operation {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
			return nil, nil
		}
	}

	for i := 0; i < 5; i++ {
		_, err := d.Submit(1, Bulk, record("bulk"))
		require.NoError(t, err)
	}
	p, err := d.Submit(1, Interactive, record("interactive"))
	require.NoError(t, err)

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = p.Await(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, order)
	assert.Equal(t, "interactive", order[0])
}

func TestDispatcher_BulkRejectedAtBacklogThreshold(t *testing.T) {
	d := newTestDispatcher(t, Config{Workers: 1, GlobalRPS: 1000, TenantPerMinute: 100000, BacklogThreshold: 3})

	gate := make(chan struct{})
	defer close(gate)
	started := make(chan struct{})
	_, err := d.Submit(1, Event, func(ctx context.Context) (interface{}, error) {
		close(started)
		<-gate
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	for i := 0; i < 3; i++ {
		_, err := d.Submit(1, Bulk, func(ctx context.Context) (interface{}, error) { return nil, nil })
		require.NoError(t, err)
	}

	// Backlog is at the threshold: bulk is turned away, event still lands.
	_, err = d.Submit(1, Bulk, func(ctx context.Context) (interface{}, error) { return nil, nil })
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeQueueOverflow))

	_, err = d.Submit(1, Event, func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.NoError(t, err)
}

func TestDispatcher_PermanentFailureSingleAttempt(t *testing.T) {
	d := newTestDispatcher(t, Config{Workers: 1, GlobalRPS: 1000, TenantPerMinute: 100000, MaxAttempts: 4})

	var calls atomic.Int32
	p, err := d.Submit(7, Event, func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, errors.NewRemoteForbiddenError("getChatMember", "kicked")
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = p.Await(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRemoteForbidden))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_TransientFailureRetriesToExhaustion(t *testing.T) {
	d := newTestDispatcher(t, Config{
		Workers: 1, GlobalRPS: 100000, TenantPerMinute: 6000000,
		MaxAttempts: 3, BackoffBase: time.Millisecond,
	})

	var calls atomic.Int32
	p, err := d.Submit(7, Event, func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, errors.NewRemoteUnavailableError("getChatMember", 502, "")
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = p.Await(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRetriesExhausted))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcher_RecoversWithinRetryBudget(t *testing.T) {
	d := newTestDispatcher(t, Config{
		Workers: 1, GlobalRPS: 100000, TenantPerMinute: 6000000,
		MaxAttempts: 4, BackoffBase: time.Millisecond,
	})

	var calls atomic.Int32
	p, err := d.Submit(7, Event, func(ctx context.Context) (interface{}, error) {
		if calls.Add(1) < 3 {
			return nil, errors.NewRemoteTimeoutError("getChatMember")
		}
		return true, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	value, err := p.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, value)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcher_CancelQueuedJob(t *testing.T) {
	d := newTestDispatcher(t, Config{Workers: 1, GlobalRPS: 1000, TenantPerMinute: 100000})

	gate := make(chan struct{})
	started := make(chan struct{})
	_, err := d.Submit(1, Event, func(ctx context.Context) (interface{}, error) {
		close(started)
		<-gate
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	var ran atomic.Bool
	p, err := d.Submit(1, Event, func(ctx context.Context) (interface{}, error) {
		ran.Store(true)
		return nil, nil
	})
	require.NoError(t, err)

	assert.True(t, p.Cancel(), "queued job should be cancellable")
	assert.False(t, p.Cancel(), "second cancel is a no-op")
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = p.Await(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, ran.Load(), "cancelled job must never run")
}

func TestDispatcher_CancelRunningJobRefused(t *testing.T) {
	d := newTestDispatcher(t, Config{Workers: 1, GlobalRPS: 1000, TenantPerMinute: 100000})

	gate := make(chan struct{})
	started := make(chan struct{})
	p, err := d.Submit(1, Event, func(ctx context.Context) (interface{}, error) {
		close(started)
		<-gate
		return "done", nil
	})
	require.NoError(t, err)
	<-started

	assert.False(t, p.Cancel(), "dispatched job must not be cancellable")
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	value, err := p.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

func TestDispatcher_AbandonedAwaitDoesNotStopJob(t *testing.T) {
	d := newTestDispatcher(t, Config{Workers: 1, GlobalRPS: 1000, TenantPerMinute: 100000})

	finished := make(chan struct{})
	p, err := d.Submit(1, Event, func(ctx context.Context) (interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		close(finished)
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = p.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("job should have run to completion after the caller walked away")
	}
}

func TestDispatcher_SubmitAfterStop(t *testing.T) {
	d := New(Config{Workers: 1, GlobalRPS: 1000, TenantPerMinute: 100000}, metrics.NewForTest(), logger.NewNoOpLogger())
	d.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	_, err := d.Submit(1, Event, func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestDispatcher_TenantBucketsAreIndependent(t *testing.T) {
	d := newTestDispatcher(t, Config{Workers: 4, GlobalRPS: 100000, TenantPerMinute: 100000})

	b1 := d.tenantBucket(1)
	b2 := d.tenantBucket(2)
	assert.NotSame(t, b1, b2)
	assert.Same(t, b1, d.tenantBucket(1))
}
