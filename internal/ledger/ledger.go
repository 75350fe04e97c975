// Package ledger records meal opt-ins and opt-outs against open windows.
// Writes are idempotent per (user, window, meal): repeated opt-ins collapse
// into one row, an opt-out of a user who never opted in is a no-op, and an
// opt-in after an opt-out reactivates the original row.
package ledger

import (
	"context"
	"time"

	"mealbot/internal/observability/metrics"
	"mealbot/internal/storage"
	logx "mealbot/pkg/logx"
)

type Service struct {
	store   storage.Store
	log     logx.Logger
	metrics *metrics.Metrics
}

func New(store storage.Store, log logx.Logger, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log, metrics: m}
}

// RecordOptIn marks the user as participating in the given meal of the
// window. Calling it again only refreshes the timestamp.
func (s *Service) RecordOptIn(ctx context.Context, userID int64, windowID, meal string, at time.Time) error {
	err := s.store.UpsertReaction(ctx, storage.Reaction{
		UserID:   userID,
		WindowID: windowID,
		Kind:     meal,
		At:       at,
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ReactionsRecorded.WithLabelValues("opt_in").Inc()
	}
	s.log.Debug("opt-in recorded",
		logx.Int64("user", userID),
		logx.String("window", windowID),
		logx.String("meal", meal))
	return nil
}

// RecordOptOut withdraws the user's participation. The row is kept with a
// removed mark so a later opt-in restores it; a user who never opted in
// produces no row at all.
func (s *Service) RecordOptOut(ctx context.Context, userID int64, windowID, meal string, at time.Time) error {
	err := s.store.RemoveReaction(ctx, userID, windowID, meal, at)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ReactionsRecorded.WithLabelValues("opt_out").Inc()
	}
	s.log.Debug("opt-out recorded",
		logx.Int64("user", userID),
		logx.String("window", windowID),
		logx.String("meal", meal))
	return nil
}

// Participants returns the users whose latest action for the meal was an
// opt-in.
func (s *Service) Participants(ctx context.Context, windowID, meal string) ([]int64, error) {
	return s.store.ActiveReactions(ctx, windowID, meal)
}
