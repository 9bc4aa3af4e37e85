// Package presence tracks which players are connected to a room.
package presence

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sketchguess/board/internal/channel"
	"github.com/sketchguess/board/internal/models"
)

type membership struct {
	roomID   string
	playerID string
}

// Tracker registers players through a channel and surfaces the room roster.
type Tracker struct {
	ch     channel.Channel
	logger zerolog.Logger

	mu      sync.Mutex
	handles map[membership]channel.Handle
}

// NewTracker creates a tracker over ch.
func NewTracker(ch channel.Channel, logger zerolog.Logger) *Tracker {
	return &Tracker{
		ch:      ch,
		logger:  logger.With().Str("component", "presence").Logger(),
		handles: make(map[membership]channel.Handle),
	}
}

// Join registers player in the room. Joining twice is a no-op. A failed
// join is logged and returned; the channel keeps retrying on its own.
func (t *Tracker) Join(ctx context.Context, roomID string, player models.Player) error {
	key := membership{roomID: roomID, playerID: player.ID}

	t.mu.Lock()
	_, joined := t.handles[key]
	t.mu.Unlock()
	if joined {
		return nil
	}

	h, err := t.ch.RegisterPlayer(ctx, roomID, player)
	if err != nil {
		t.logger.Warn().Err(err).Str("room", roomID).Str("player", player.ID).Msg("Join failed")
		return err
	}

	t.mu.Lock()
	if _, raced := t.handles[key]; raced {
		t.mu.Unlock()
		return h.Release(ctx)
	}
	t.handles[key] = h
	t.mu.Unlock()

	t.logger.Debug().Str("room", roomID).Str("player", player.ID).Str("name", player.Name).Msg("Joined")
	return nil
}

// Leave removes a player registered by Join. Unknown players are ignored.
func (t *Tracker) Leave(ctx context.Context, roomID, playerID string) error {
	key := membership{roomID: roomID, playerID: playerID}

	t.mu.Lock()
	h, ok := t.handles[key]
	delete(t.handles, key)
	t.mu.Unlock()
	if !ok {
		return nil
	}

	if err := h.Release(ctx); err != nil {
		t.logger.Warn().Err(err).Str("room", roomID).Str("player", playerID).Msg("Leave failed")
		return err
	}
	return nil
}

// Subscribe delivers the full player set of the room, earliest joiner
// first, now and after every membership change.
func (t *Tracker) Subscribe(roomID string, fn func([]models.Player)) func() {
	return t.ch.SubscribePlayers(roomID, func(players []models.Player) {
		sorted := append([]models.Player(nil), players...)
		models.SortPlayers(sorted)
		fn(sorted)
	})
}
