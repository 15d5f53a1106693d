// Package services – expiry sweeper.
//
// Cooldowns and conversation states expire lazily at read time; the sweeper
// is the externally scheduled cleanup that actually deletes the dead rows.
// It runs on a ticker owned by the host process.
package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically deletes expired cooldown and conversation rows.
type Sweeper struct {
	Cooldowns     *CooldownService
	Conversations *ConversationService
	// Rate is consulted only to report tracked-key counts in sweep logs.
	Rate *RateLimiter
	// Interval between sweeps.
	Interval time.Duration
}

// Run blocks, sweeping every Interval until ctx is cancelled. Failures are
// logged and the loop keeps going.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.SweepOnce(ctx, now)
		}
	}
}

// SweepOnce performs a single sweep at now and returns the removal counts.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (cooldowns, conversations int64) {
	var err error
	if cooldowns, err = s.Cooldowns.SweepExpired(ctx, now); err != nil {
		log.Error().Err(err).Msg("cooldown sweep failed")
	}
	if conversations, err = s.Conversations.SweepExpired(ctx, now); err != nil {
		log.Error().Err(err).Msg("conversation sweep failed")
	}

	ev := log.Debug().
		Int64("cooldowns_removed", cooldowns).
		Int64("conversations_removed", conversations)
	if s.Rate != nil {
		ev = ev.Int("rate_keys_tracked", s.Rate.Store.Len())
	}
	ev.Msg("expiry sweep complete")
	return cooldowns, conversations
}
