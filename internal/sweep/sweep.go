// Package sweep implements the cron-driven staleness check over pending
// reviews: recommendations waiting at the review gate past their service
// window get flagged in the logs so supervisors are chased.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/elkinlatorre/FINA/internal/checkpoint"
)

// Sweeper periodically lists pending reviews older than the configured
// window and logs each one.
type Sweeper struct {
	cron       *cron.Cron
	store      *checkpoint.Store
	staleAfter time.Duration
}

// New creates a sweeper. Cron expressions use the standard 5-field
// format: minute hour day-of-month month day-of-week.
func New(store *checkpoint.Store, schedule string, staleAfter time.Duration) (*Sweeper, error) {
	s := &Sweeper{
		cron:       cron.New(),
		store:      store,
		staleAfter: staleAfter,
	}
	_, err := s.cron.AddFunc(schedule, s.run)
	if err != nil {
		return nil, fmt.Errorf("registering review sweep cron %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.staleAfter)
	stale, err := s.store.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("review_sweep_failed")
		return
	}
	for _, review := range stale {
		log.Warn().
			Str("thread_id", review.ThreadID).
			Str("user_id", review.UserID).
			Time("waiting_since", review.UpdatedAt).
			Msg("stale_pending_review")
	}
	if len(stale) > 0 {
		log.Info().Int("count", len(stale)).Msg("review_sweep_completed")
	}
}

// Start begins executing the sweep on its schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running sweep to complete.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
