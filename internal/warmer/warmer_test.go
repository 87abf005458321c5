package warmer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membergate/internal/common/config"
	"membergate/internal/common/logger"
	"membergate/internal/dispatch"
	"membergate/internal/store"
	"membergate/internal/verify"
)

// ====================
// Test doubles
// ====================

type fakeGroups struct {
	users   map[int64][]int64
	enabled []int64
	err     error
}

func (f *fakeGroups) GetGroup(_ context.Context, _ int64) (*store.Group, error) { return nil, nil }
func (f *fakeGroups) IsAdmin(_ context.Context, _, _ int64) (bool, error)       { return false, nil }

func (f *fakeGroups) ListActiveUsers(_ context.Context, groupID int64, limit int) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	users := f.users[groupID]
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (f *fakeGroups) ListEnabledGroups(_ context.Context) ([]int64, error) {
	return f.enabled, f.err
}

type scriptedChecker struct {
	outcomes map[int64]verify.Outcome // userID -> outcome
	mu       sync.Mutex
	prios    []dispatch.Priority
	calls    atomic.Int32
	batchGap *batchObserver
}

func (s *scriptedChecker) Verify(_ context.Context, userID, _ int64, prio dispatch.Priority) verify.Result {
	s.calls.Add(1)
	s.mu.Lock()
	s.prios = append(s.prios, prio)
	s.mu.Unlock()
	if s.batchGap != nil {
		s.batchGap.observe()
	}
	outcome, ok := s.outcomes[userID]
	if !ok {
		outcome = verify.Verified
	}
	return verify.Result{Outcome: outcome}
}

// batchObserver tracks how many checks are in flight at once.
type batchObserver struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (b *batchObserver) observe() {
	b.mu.Lock()
	b.current++
	if b.current > b.peak {
		b.peak = b.current
	}
	b.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	b.mu.Lock()
	b.current--
	b.mu.Unlock()
}

// fakeClock drives the runner's schedule by hand.
type fakeClock struct {
	mu   sync.Mutex
	at   time.Time
	tick chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.Unix(1000, 0), tick: make(chan time.Time)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) After(time.Duration) <-chan time.Time { return c.tick }

func (c *fakeClock) fire() { c.tick <- time.Time{} }

// ====================
// Tests
// ====================

func userRange(n int) []int64 {
	users := make([]int64, n)
	for i := range users {
		users[i] = int64(i + 1)
	}
	return users
}

func TestWarmGroup_SummaryAccountsForEveryUser(t *testing.T) {
	groups := &fakeGroups{users: map[int64][]int64{100: userRange(10)}}
	checker := &scriptedChecker{outcomes: map[int64]verify.Outcome{
		3: verify.Restricted,
		4: verify.Restricted,
		7: verify.OutcomeError,
	}}
	w := New(groups, checker, config.WarmerConfig{BatchSize: 4, MaxUsers: 100}, newFakeClock(), logger.NewNoOpLogger())

	summary, err := w.WarmGroup(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 10, summary.Total)
	assert.Equal(t, 7, summary.Verified)
	assert.Equal(t, 2, summary.NotVerified)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, summary.Total, summary.Verified+summary.NotVerified+summary.Errors)
	assert.Equal(t, int32(10), checker.calls.Load())
}

func TestWarmGroup_AllChecksRunAtBulkPriority(t *testing.T) {
	groups := &fakeGroups{users: map[int64][]int64{100: userRange(5)}}
	checker := &scriptedChecker{}
	w := New(groups, checker, config.WarmerConfig{BatchSize: 2, MaxUsers: 100}, newFakeClock(), logger.NewNoOpLogger())

	_, err := w.WarmGroup(context.Background(), 100)
	require.NoError(t, err)

	for _, prio := range checker.prios {
		assert.Equal(t, dispatch.Bulk, prio)
	}
}

func TestWarmGroup_BatchSizeBoundsConcurrency(t *testing.T) {
	groups := &fakeGroups{users: map[int64][]int64{100: userRange(20)}}
	checker := &scriptedChecker{batchGap: &batchObserver{}}
	w := New(groups, checker, config.WarmerConfig{BatchSize: 5, MaxUsers: 100}, newFakeClock(), logger.NewNoOpLogger())

	_, err := w.WarmGroup(context.Background(), 100)
	require.NoError(t, err)

	assert.LessOrEqual(t, checker.batchGap.peak, 5, "no more than one batch in flight")
}

func TestWarmGroup_MaxUsersCapsTheSweep(t *testing.T) {
	groups := &fakeGroups{users: map[int64][]int64{100: userRange(50)}}
	checker := &scriptedChecker{}
	w := New(groups, checker, config.WarmerConfig{BatchSize: 10, MaxUsers: 30}, newFakeClock(), logger.NewNoOpLogger())

	summary, err := w.WarmGroup(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 30, summary.Total)
}

func TestWarmGroup_EmptyGroup(t *testing.T) {
	groups := &fakeGroups{users: map[int64][]int64{}}
	checker := &scriptedChecker{}
	w := New(groups, checker, config.WarmerConfig{BatchSize: 10, MaxUsers: 100}, newFakeClock(), logger.NewNoOpLogger())

	summary, err := w.WarmGroup(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, Summary{GroupID: 100}, summary)
}

func TestRunner_SweepsEachEnabledGroupPerTick(t *testing.T) {
	groups := &fakeGroups{
		users:   map[int64][]int64{100: userRange(2), 200: userRange(3)},
		enabled: []int64{100, 200},
	}
	checker := &scriptedChecker{}
	clock := newFakeClock()
	w := New(groups, checker, config.WarmerConfig{Enabled: true, BatchSize: 10, MaxUsers: 100, Interval: 3600}, clock, logger.NewNoOpLogger())
	runner := NewRunner(w, logger.NewNoOpLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	clock.fire()
	require.Eventually(t, func() bool {
		return checker.calls.Load() == 5
	}, time.Second, 5*time.Millisecond)

	clock.fire()
	require.Eventually(t, func() bool {
		return checker.calls.Load() == 10
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop on cancel")
	}
}

func TestRunner_DisabledDoesNothing(t *testing.T) {
	groups := &fakeGroups{enabled: []int64{100}}
	checker := &scriptedChecker{}
	w := New(groups, checker, config.WarmerConfig{Enabled: false}, newFakeClock(), logger.NewNoOpLogger())
	runner := NewRunner(w, logger.NewNoOpLogger())

	// Returns immediately instead of blocking on the schedule.
	runner.Run(context.Background())
	assert.Equal(t, int32(0), checker.calls.Load())
}
