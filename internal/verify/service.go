// Package verify implements the membership verification core: cache
// lookup, dispatched remote checks, cache population, and the AND
// aggregation across a group's required channels. It never falsely
// admits: any unresolvable check fails closed.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"membergate/internal/cache"
	"membergate/internal/common/errors"
	"membergate/internal/common/logger"
	"membergate/internal/common/metrics"
	"membergate/internal/common/observability"
	"membergate/internal/dispatch"
	"membergate/internal/platform"
	"membergate/internal/store"
)

// Outcome is the aggregate result of one (user, group) verification.
type Outcome string

const (
	Verified   Outcome = "verified"
	Restricted Outcome = "restricted"
	// OutcomeError means at least one channel check could not be resolved.
	// Treated as not verified.
	OutcomeError Outcome = "error"
)

// Result carries the outcome plus the detail the enforcement layer needs.
type Result struct {
	Outcome Outcome
	// MissingChannels lists the required channels the user has not joined.
	MissingChannels []store.ChannelLink
	// Cached is true when every consulted channel was answered from cache.
	Cached bool
	Err    error
}

// Event is one immutable verification log record.
type Event struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	GroupID   int64     `json:"group_id"`
	ChannelID int64     `json:"channel_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Cached    bool      `json:"cached"`
	LatencyMS int64     `json:"latency_ms"`
	ErrorCode string    `json:"error_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives verification events. Implementations must be
// best-effort and non-blocking: the verification path never waits on the
// audit trail.
type EventSink interface {
	Record(ctx context.Context, event Event)
}

// Submitter is the dispatcher surface the service needs.
type Submitter interface {
	Submit(chatID int64, prio dispatch.Priority, op dispatch.Operation) (*dispatch.Pending, error)
}

// Service orchestrates verification for (user, group) pairs.
type Service struct {
	groups     store.GroupReader
	cache      *cache.Store
	dispatcher Submitter
	client     platform.Client
	sink       EventSink
	metrics    *metrics.Metrics
	obs        *observability.Observability
	logger     logger.Logger

	// flight collapses concurrent misses on the same (user, channel) pair
	// into a single dispatched call.
	flight singleflight.Group
}

func NewService(
	groups store.GroupReader,
	cacheStore *cache.Store,
	dispatcher Submitter,
	client platform.Client,
	sink EventSink,
	m *metrics.Metrics,
	obs *observability.Observability,
	log logger.Logger,
) *Service {
	return &Service{
		groups:     groups,
		cache:      cacheStore,
		dispatcher: dispatcher,
		client:     client,
		sink:       sink,
		metrics:    m,
		obs:        obs,
		logger:     log.WithFields(map[string]interface{}{"component": "verify"}),
	}
}

// Verify answers whether the user may post in the group, checking every
// required channel. Admins and disabled groups short-circuit to Verified.
// Exactly one event is emitted per call.
func (s *Service) Verify(ctx context.Context, userID, groupID int64, prio dispatch.Priority) Result {
	start := time.Now()

	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		res := Result{Outcome: OutcomeError, Err: err}
		s.finish(ctx, userID, groupID, 0, res, start)
		return res
	}

	if !group.Enabled {
		res := Result{Outcome: Verified}
		s.finish(ctx, userID, groupID, 0, res, start)
		return res
	}

	admin, err := s.groups.IsAdmin(ctx, groupID, userID)
	if err != nil {
		res := Result{Outcome: OutcomeError, Err: err}
		s.finish(ctx, userID, groupID, 0, res, start)
		return res
	}
	if admin {
		res := Result{Outcome: Verified}
		s.finish(ctx, userID, groupID, 0, res, start)
		return res
	}

	res := s.checkAll(ctx, userID, group, prio)

	var failedChannel int64
	if len(res.MissingChannels) > 0 {
		failedChannel = res.MissingChannels[0].ChannelID
	}
	s.finish(ctx, userID, groupID, failedChannel, res, start)
	return res
}

// Reverify deletes every cached (user, channel) entry for the group's
// required channels before verifying again, so a stale positive can never
// satisfy the check. Runs at interactive priority.
func (s *Service) Reverify(ctx context.Context, userID, groupID int64) Result {
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}
	for _, link := range group.RequiredChannels {
		s.cache.DeleteMembership(ctx, userID, link.ChannelID)
	}
	return s.Verify(ctx, userID, groupID, dispatch.Interactive)
}

// checkAll runs the per-channel state machine and ANDs the results. Every
// channel is consulted even after a miss so each gets a cache entry; a
// check error aborts early and fails closed.
func (s *Service) checkAll(ctx context.Context, userID int64, group *store.Group, prio dispatch.Priority) Result {
	res := Result{Outcome: Verified, Cached: true}

	for _, link := range group.RequiredChannels {
		member, cached, err := s.CheckChannel(ctx, userID, link.ChannelID, prio)
		if !cached {
			res.Cached = false
		}
		if err != nil {
			res.Outcome = OutcomeError
			res.Err = err
			res.MissingChannels = append(res.MissingChannels, link)
			return res
		}
		if !member {
			res.Outcome = Restricted
			res.MissingChannels = append(res.MissingChannels, link)
		}
	}
	return res
}

// CheckChannel answers "is user a member of channel" from cache when
// fresh, otherwise through the dispatcher at the given priority. The
// remote result lands in the cache inside the dispatched operation, so it
// is stored even when the caller has already gone away.
func (s *Service) CheckChannel(ctx context.Context, userID, channelID int64, prio dispatch.Priority) (member, cached bool, err error) {
	if member, ok := s.cache.GetMembership(ctx, userID, channelID); ok {
		return member, true, nil
	}

	key := fmt.Sprintf("%d:%d", userID, channelID)
	value, err, _ := s.flight.Do(key, func() (interface{}, error) {
		pending, err := s.dispatcher.Submit(channelID, prio, func(callCtx context.Context) (interface{}, error) {
			member, err := s.client.CheckMembership(callCtx, channelID, userID)
			if err != nil {
				return nil, err
			}
			s.cache.SetMembership(callCtx, userID, channelID, member)
			return member, nil
		})
		if err != nil {
			return nil, err
		}
		return pending.Await(ctx)
	})
	if err != nil {
		return false, false, err
	}
	return value.(bool), false, nil
}

// finish emits the verification event and metrics for one attempt.
func (s *Service) finish(ctx context.Context, userID, groupID, channelID int64, res Result, start time.Time) {
	elapsed := time.Since(start)

	event := Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		GroupID:   groupID,
		ChannelID: channelID,
		Outcome:   string(res.Outcome),
		Cached:    res.Cached,
		LatencyMS: elapsed.Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	if res.Err != nil {
		if std := errors.AsStandard(res.Err); std != nil {
			event.ErrorCode = string(std.Code)
		} else {
			event.ErrorCode = res.Err.Error()
		}
	}
	s.sink.Record(ctx, event)

	s.metrics.Verifications.WithLabelValues(string(res.Outcome)).Inc()
	if s.obs != nil {
		s.obs.RecordVerification(ctx, string(res.Outcome))
		s.obs.RecordVerificationDuration(ctx, elapsed, string(res.Outcome))
	}

	if res.Outcome != Verified {
		s.logger.Info("verification finished", map[string]interface{}{
			"userId":  userID,
			"groupId": groupID,
			"outcome": string(res.Outcome),
			"cached":  res.Cached,
			"ms":      event.LatencyMS,
		})
	}
}
