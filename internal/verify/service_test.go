package verify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membergate/internal/cache"
	"membergate/internal/common/config"
	"membergate/internal/common/errors"
	"membergate/internal/common/logger"
	"membergate/internal/common/metrics"
	"membergate/internal/dispatch"
	"membergate/internal/store"
)

// ====================
// Test doubles
// ====================

type fakeGroups struct {
	group  *store.Group
	admins map[int64]bool
	err    error
}

func (f *fakeGroups) GetGroup(_ context.Context, _ int64) (*store.Group, error) {
	return f.group, f.err
}

func (f *fakeGroups) IsAdmin(_ context.Context, _, userID int64) (bool, error) {
	return f.admins[userID], nil
}

func (f *fakeGroups) ListActiveUsers(_ context.Context, _ int64, _ int) ([]int64, error) {
	return nil, nil
}

func (f *fakeGroups) ListEnabledGroups(_ context.Context) ([]int64, error) {
	return nil, nil
}

type fakeClient struct {
	mu      sync.Mutex
	members map[int64]map[int64]bool // channelID -> userID -> member
	errs    map[int64]error          // channelID -> error
	calls   atomic.Int32
}

func (f *fakeClient) CheckMembership(_ context.Context, channelID, userID int64) (bool, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[channelID]; ok {
		return false, err
	}
	return f.members[channelID][userID], nil
}

func (f *fakeClient) Restrict(_ context.Context, _, _ int64) error   { return nil }
func (f *fakeClient) Unrestrict(_ context.Context, _, _ int64) error { return nil }

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Record(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ====================
// Fixture
// ====================

type fixture struct {
	service *Service
	client  *fakeClient
	sink    *recordingSink
	cache   *cache.Store
	redis   *miniredis.Miniredis
}

func newFixture(t *testing.T, groups *fakeGroups, client *fakeClient) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	m := metrics.NewForTest()
	log := logger.NewNoOpLogger()

	cacheStore := cache.NewStore(rdb, config.CacheConfig{
		PositiveTTL: 900, PositiveJitterPct: 0,
		NegativeTTL: 180, NegativeJitterPct: 0,
	}, m, log)

	d := dispatch.New(dispatch.Config{
		Workers: 4, GlobalRPS: 100000, TenantPerMinute: 6000000,
		MaxAttempts: 2, BackoffBase: time.Millisecond,
	}, m, log)
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})

	sink := &recordingSink{}
	svc := NewService(groups, cacheStore, d, client, sink, m, nil, log)
	return &fixture{service: svc, client: client, sink: sink, cache: cacheStore, redis: mr}
}

func testGroup(channels ...int64) *store.Group {
	g := &store.Group{ID: 100, Enabled: true, OwnerID: 999, Settings: store.DefaultSettings()}
	for _, id := range channels {
		g.RequiredChannels = append(g.RequiredChannels, store.ChannelLink{ChannelID: id})
	}
	return g
}

// ====================
// Tests
// ====================

func TestVerify_MemberOfAllChannels(t *testing.T) {
	groups := &fakeGroups{group: testGroup(-1001, -1002), admins: map[int64]bool{}}
	client := &fakeClient{members: map[int64]map[int64]bool{
		-1001: {7: true},
		-1002: {7: true},
	}}
	f := newFixture(t, groups, client)

	res := f.service.Verify(context.Background(), 7, 100, dispatch.Event)

	assert.Equal(t, Verified, res.Outcome)
	assert.Empty(t, res.MissingChannels)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), client.calls.Load())

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "verified", events[0].Outcome)
	assert.Equal(t, int64(0), events[0].ChannelID)
}

func TestVerify_MissingOneChannelRestricts(t *testing.T) {
	// Member of A, not of B: restricted, one event, and both results
	// cached for next time.
	groups := &fakeGroups{group: testGroup(-1001, -1002), admins: map[int64]bool{}}
	client := &fakeClient{members: map[int64]map[int64]bool{
		-1001: {7: true},
		-1002: {},
	}}
	f := newFixture(t, groups, client)

	res := f.service.Verify(context.Background(), 7, 100, dispatch.Event)

	assert.Equal(t, Restricted, res.Outcome)
	require.Len(t, res.MissingChannels, 1)
	assert.Equal(t, int64(-1002), res.MissingChannels[0].ChannelID)

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "restricted", events[0].Outcome)
	assert.Equal(t, int64(-1002), events[0].ChannelID)

	member, ok := f.cache.GetMembership(context.Background(), 7, -1001)
	assert.True(t, ok)
	assert.True(t, member)
	member, ok = f.cache.GetMembership(context.Background(), 7, -1002)
	assert.True(t, ok)
	assert.False(t, member)
}

func TestVerify_FreshPositiveCacheSkipsDispatch(t *testing.T) {
	groups := &fakeGroups{group: testGroup(-1001), admins: map[int64]bool{}}
	client := &fakeClient{members: map[int64]map[int64]bool{}}
	f := newFixture(t, groups, client)

	f.cache.SetMembership(context.Background(), 7, -1001, true)

	res := f.service.Verify(context.Background(), 7, 100, dispatch.Event)

	assert.Equal(t, Verified, res.Outcome)
	assert.True(t, res.Cached)
	assert.Equal(t, int32(0), client.calls.Load(), "fresh cache must not reach the platform")

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].Cached)
}

func TestVerify_AdminShortCircuits(t *testing.T) {
	groups := &fakeGroups{group: testGroup(-1001), admins: map[int64]bool{7: true}}
	client := &fakeClient{members: map[int64]map[int64]bool{}}
	f := newFixture(t, groups, client)

	res := f.service.Verify(context.Background(), 7, 100, dispatch.Event)

	assert.Equal(t, Verified, res.Outcome)
	assert.Equal(t, int32(0), client.calls.Load())
}

func TestVerify_DisabledGroupSuspendsEnforcement(t *testing.T) {
	group := testGroup(-1001)
	group.Enabled = false
	groups := &fakeGroups{group: group, admins: map[int64]bool{}}
	client := &fakeClient{members: map[int64]map[int64]bool{}}
	f := newFixture(t, groups, client)

	res := f.service.Verify(context.Background(), 7, 100, dispatch.Event)

	assert.Equal(t, Verified, res.Outcome)
	assert.Equal(t, int32(0), client.calls.Load())
}

func TestVerify_TerminalErrorFailsClosed(t *testing.T) {
	groups := &fakeGroups{group: testGroup(-1001), admins: map[int64]bool{}}
	client := &fakeClient{errs: map[int64]error{
		-1001: errors.NewRemoteForbiddenError("getChatMember", "bot kicked"),
	}}
	f := newFixture(t, groups, client)

	res := f.service.Verify(context.Background(), 7, 100, dispatch.Event)

	assert.Equal(t, OutcomeError, res.Outcome)
	require.Error(t, res.Err)
	assert.Equal(t, int32(1), client.calls.Load(), "permanent error must not retry")

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Outcome)
	assert.Equal(t, string(errors.ErrCodeRemoteForbidden), events[0].ErrorCode)

	// Nothing cached: an unresolved check must stay a miss.
	_, ok := f.cache.GetMembership(context.Background(), 7, -1001)
	assert.False(t, ok)
}

func TestVerify_RetryableErrorExhaustsThenFailsClosed(t *testing.T) {
	groups := &fakeGroups{group: testGroup(-1001), admins: map[int64]bool{}}
	client := &fakeClient{errs: map[int64]error{
		-1001: errors.NewRemoteUnavailableError("getChatMember", 502, ""),
	}}
	f := newFixture(t, groups, client)

	res := f.service.Verify(context.Background(), 7, 100, dispatch.Event)

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.True(t, errors.IsCode(res.Err, errors.ErrCodeRetriesExhausted))
	assert.Equal(t, int32(2), client.calls.Load())
}

func TestReverify_InvalidatesCacheFirst(t *testing.T) {
	groups := &fakeGroups{group: testGroup(-1001), admins: map[int64]bool{}}
	client := &fakeClient{members: map[int64]map[int64]bool{-1001: {}}}
	f := newFixture(t, groups, client)

	// A stale positive sits in the cache, but the user has left.
	f.cache.SetMembership(context.Background(), 7, -1001, true)

	res := f.service.Reverify(context.Background(), 7, 100)

	assert.Equal(t, Restricted, res.Outcome)
	assert.Equal(t, int32(1), client.calls.Load(), "reverify must hit the platform, not the stale entry")

	member, ok := f.cache.GetMembership(context.Background(), 7, -1001)
	assert.True(t, ok)
	assert.False(t, member, "the fresh negative replaces the stale positive")
}

func TestCheckChannel_ConcurrentMissesCollapse(t *testing.T) {
	groups := &fakeGroups{group: testGroup(-1001), admins: map[int64]bool{}}
	slow := make(chan struct{})
	client := &fakeClient{members: map[int64]map[int64]bool{-1001: {7: true}}}
	f := newFixture(t, groups, client)

	// Gate the first remote call so the other goroutines pile onto the
	// same in-flight check.
	gated := &gatedClient{inner: client, gate: slow}
	f.service.client = gated

	const n = 8
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			member, _, err := f.service.CheckChannel(context.Background(), 7, -1001, dispatch.Event)
			assert.NoError(t, err)
			results[i] = member
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(slow)
	wg.Wait()

	for _, member := range results {
		assert.True(t, member)
	}
	assert.Equal(t, int32(1), client.calls.Load(), "concurrent misses should share one remote call")
}

type gatedClient struct {
	inner *fakeClient
	gate  chan struct{}
}

func (g *gatedClient) CheckMembership(ctx context.Context, channelID, userID int64) (bool, error) {
	<-g.gate
	return g.inner.CheckMembership(ctx, channelID, userID)
}

func (g *gatedClient) Restrict(ctx context.Context, chatID, userID int64) error {
	return g.inner.Restrict(ctx, chatID, userID)
}

func (g *gatedClient) Unrestrict(ctx context.Context, chatID, userID int64) error {
	return g.inner.Unrestrict(ctx, chatID, userID)
}
