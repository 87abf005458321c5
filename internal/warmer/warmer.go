// Package warmer pre-populates the membership cache for recently-active
// users so live traffic sees a higher hit rate. All checks go through the
// dispatcher at bulk priority; the warmer never gets to bypass the
// per-tenant ceiling it exists to protect.
package warmer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"membergate/internal/common/config"
	"membergate/internal/common/logger"
	"membergate/internal/dispatch"
	"membergate/internal/store"
	"membergate/internal/verify"
)

// Checker is the verification surface the warmer drives.
type Checker interface {
	Verify(ctx context.Context, userID, groupID int64, prio dispatch.Priority) verify.Result
}

// Summary is the outcome tally of one warming sweep.
type Summary struct {
	GroupID     int64         `json:"group_id"`
	Total       int           `json:"total"`
	Verified    int           `json:"verified"`
	NotVerified int           `json:"not_verified"`
	Errors      int           `json:"errors"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Warmer sweeps a group's active users in fixed-size batches.
type Warmer struct {
	groups  store.GroupReader
	checker Checker
	cfg     config.WarmerConfig
	clock   Clock
	logger  logger.Logger
}

func New(groups store.GroupReader, checker Checker, cfg config.WarmerConfig, clock Clock, log logger.Logger) *Warmer {
	if clock == nil {
		clock = NewClock()
	}
	return &Warmer{
		groups:  groups,
		checker: checker,
		cfg:     cfg,
		clock:   clock,
		logger:  log.WithFields(map[string]interface{}{"component": "warmer"}),
	}
}

// WarmGroup verifies every recently-active user of the group at bulk
// priority and returns the tally. Every user lands in exactly one of the
// three outcome buckets.
func (w *Warmer) WarmGroup(ctx context.Context, groupID int64) (Summary, error) {
	start := w.clock.Now()

	users, err := w.groups.ListActiveUsers(ctx, groupID, w.cfg.MaxUsers)
	if err != nil {
		return Summary{GroupID: groupID}, err
	}

	summary := Summary{GroupID: groupID, Total: len(users)}
	for offset := 0; offset < len(users); offset += w.cfg.BatchSize {
		end := offset + w.cfg.BatchSize
		if end > len(users) {
			end = len(users)
		}

		verified, notVerified, errored, err := w.warmBatch(ctx, groupID, users[offset:end])
		summary.Verified += verified
		summary.NotVerified += notVerified
		summary.Errors += errored
		if err != nil {
			summary.Elapsed = w.clock.Now().Sub(start)
			return summary, err
		}
	}

	summary.Elapsed = w.clock.Now().Sub(start)
	w.logger.Info("warming sweep finished", map[string]interface{}{
		"groupId":     groupID,
		"total":       summary.Total,
		"verified":    summary.Verified,
		"notVerified": summary.NotVerified,
		"errors":      summary.Errors,
		"elapsedMs":   summary.Elapsed.Milliseconds(),
	})
	return summary, nil
}

// warmBatch checks one batch concurrently. Per-user failures are tallied,
// not propagated; only context cancellation aborts the sweep.
func (w *Warmer) warmBatch(ctx context.Context, groupID int64, users []int64) (verified, notVerified, errored int, err error) {
	results := make([]verify.Outcome, len(users))

	g, gctx := errgroup.WithContext(ctx)
	for i, userID := range users {
		i, userID := i, userID
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res := w.checker.Verify(gctx, userID, groupID, dispatch.Bulk)
			results[i] = res.Outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, 0, err
	}

	for _, outcome := range results {
		switch outcome {
		case verify.Verified:
			verified++
		case verify.Restricted:
			notVerified++
		default:
			errored++
		}
	}
	return verified, notVerified, errored, nil
}
