package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sketchguess/board/internal/metrics"
	"github.com/sketchguess/board/internal/store"
)

// DefaultReapInterval is how often expired leases are collected.
const DefaultReapInterval = 5 * time.Second

// Reaper removes players whose lease lapsed without an explicit leave,
// such as a closed tab or a dropped network.
type Reaper struct {
	store    store.SyncStore
	interval time.Duration
	logger   zerolog.Logger
}

// NewReaper creates a reaper over s. A zero interval selects DefaultReapInterval.
func NewReaper(s store.SyncStore, interval time.Duration, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		store:    s,
		interval: interval,
		logger:   logger.With().Str("component", "reaper").Logger(),
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("Sweep failed")
			}
		}
	}
}

// Sweep expires lapsed leases in every active room once and returns the
// number of players removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	rooms, err := r.store.ActiveRooms(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, roomID := range rooms {
		expired, err := r.store.ExpirePlayers(ctx, roomID)
		if err != nil {
			r.logger.Warn().Err(err).Str("room", roomID).Msg("Expire failed")
			continue
		}
		for _, p := range expired {
			metrics.PresenceEvents.WithLabelValues("expire").Inc()
			r.logger.Info().Str("room", roomID).Str("player", p.ID).Str("name", p.Name).Msg("Lease expired")
		}
		removed += len(expired)
	}
	return removed, nil
}
