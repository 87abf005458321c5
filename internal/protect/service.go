// Package protect applies and lifts posting restrictions. Both operations
// are idempotent toward the platform: restricting an already-restricted
// user or unrestricting a free one succeeds without error.
package protect

import (
	"context"

	"membergate/internal/common/errors"
	"membergate/internal/common/logger"
	"membergate/internal/common/metrics"
	"membergate/internal/dispatch"
	"membergate/internal/platform"
)

// Submitter is the dispatcher surface the service needs.
type Submitter interface {
	Submit(chatID int64, prio dispatch.Priority, op dispatch.Operation) (*dispatch.Pending, error)
}

// Service issues restriction calls through the dispatcher at event
// priority.
type Service struct {
	dispatcher Submitter
	client     platform.Client
	metrics    *metrics.Metrics
	logger     logger.Logger
}

func NewService(dispatcher Submitter, client platform.Client, m *metrics.Metrics, log logger.Logger) *Service {
	return &Service{
		dispatcher: dispatcher,
		client:     client,
		metrics:    m,
		logger:     log.WithFields(map[string]interface{}{"component": "protect"}),
	}
}

// Restrict removes the user's posting rights in the chat.
func (s *Service) Restrict(ctx context.Context, chatID, userID int64) error {
	return s.apply(ctx, "restrict", chatID, userID, s.client.Restrict)
}

// Unrestrict restores the user's posting rights in the chat.
func (s *Service) Unrestrict(ctx context.Context, chatID, userID int64) error {
	return s.apply(ctx, "unrestrict", chatID, userID, s.client.Unrestrict)
}

func (s *Service) apply(ctx context.Context, action string, chatID, userID int64, call func(context.Context, int64, int64) error) error {
	pending, err := s.dispatcher.Submit(chatID, dispatch.Event, func(callCtx context.Context) (interface{}, error) {
		return nil, call(callCtx, chatID, userID)
	})
	if err != nil {
		s.metrics.Restrictions.WithLabelValues(action, "rejected").Inc()
		return err
	}

	_, err = pending.Await(ctx)
	if err == nil {
		s.metrics.Restrictions.WithLabelValues(action, "applied").Inc()
		return nil
	}

	// A permanent refusal means there is nothing left to enforce: the user
	// already left, the chat is gone, or the member state already matches.
	if isMoot(err) {
		s.metrics.Restrictions.WithLabelValues(action, "noop").Inc()
		s.logger.Debug("restriction already satisfied", map[string]interface{}{
			"action": action,
			"chatId": chatID,
			"userId": userID,
			"error":  err.Error(),
		})
		return nil
	}

	s.metrics.Restrictions.WithLabelValues(action, "failed").Inc()
	s.logger.WithError(err).Error("restriction failed", map[string]interface{}{
		"action": action,
		"chatId": chatID,
		"userId": userID,
	})
	return err
}

func isMoot(err error) bool {
	return errors.IsCode(err, errors.ErrCodeRemoteNotFound) ||
		errors.IsCode(err, errors.ErrCodeRemoteBadRequest)
}
