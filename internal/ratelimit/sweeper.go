package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically clears expired degradation states and performs the
// calendar-aligned daily reset. The coordinator rolls windows lazily on
// traffic; the sweeper covers idle exchanges so a quiet hour in
// websocket-only mode still recovers.
type Sweeper struct {
	coord    *Coordinator
	interval time.Duration
	minGap   time.Duration
	lastRun  time.Time
}

// NewSweeper creates a sweeper over the coordinator. It fires every five
// minutes and never more than once per minute regardless of interval
// configuration.
func NewSweeper(coord *Coordinator) *Sweeper {
	return &Sweeper{
		coord:    coord,
		interval: 5 * time.Minute,
		minGap:   time.Minute,
	}
}

// Run drives the sweep loop until ctx is cancelled. The first sweep runs
// one interval after start.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Str("component", "ratelimit_sweeper").Dur("interval", s.interval).Msg("sweeper started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.SweepAt(now.UTC())
		}
	}
}

// SweepAt performs one sweep, skipping if the previous sweep ran less than
// a minute ago.
func (s *Sweeper) SweepAt(now time.Time) {
	if now.Sub(s.lastRun) < s.minGap {
		return
	}
	s.lastRun = now
	s.coord.sweep(now)
	log.Debug().Str("component", "ratelimit_sweeper").Time("at", now).Msg("sweep completed")
}
