package warmer

import (
	"context"

	"membergate/internal/common/logger"
)

// Runner sweeps every enabled group on a fixed interval.
type Runner struct {
	warmer *Warmer
	logger logger.Logger
}

func NewRunner(warmer *Warmer, log logger.Logger) *Runner {
	return &Runner{
		warmer: warmer,
		logger: log.WithFields(map[string]interface{}{"component": "warmer-runner"}),
	}
}

// Run blocks until ctx is cancelled, sweeping all enabled groups each
// interval. A failed group does not stop the cycle.
func (r *Runner) Run(ctx context.Context) {
	if !r.warmer.cfg.Enabled {
		r.logger.Info("cache warming disabled", nil)
		return
	}

	interval := r.warmer.cfg.GetInterval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.warmer.clock.After(interval):
		}
		r.sweep(ctx)
	}
}

func (r *Runner) sweep(ctx context.Context) {
	groups, err := r.warmer.groups.ListEnabledGroups(ctx)
	if err != nil {
		r.logger.WithError(err).Error("failed to list groups for warming", nil)
		return
	}

	for _, groupID := range groups {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.warmer.WarmGroup(ctx, groupID); err != nil {
			r.logger.WithError(err).Warn("warming sweep aborted", map[string]interface{}{
				"groupId": groupID,
			})
		}
	}
}
