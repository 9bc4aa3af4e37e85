// Package channel moves strokes and presence between the members of a room.
//
// Two implementations are provided: Direct talks to a store.SyncStore in
// process, Remote talks to the board server over a WebSocket.
package channel

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sketchguess/board/internal/models"
)

// ErrNotConnected is returned by publish calls while the transport is down.
var ErrNotConnected = errors.New("channel: not connected")

// StrokeUpdate is one delivery on the committed-stroke stream.
type StrokeUpdate struct {
	Strokes []models.Stroke
	// Full marks the complete committed set; subscribers replace their copy.
	// Otherwise Strokes are additions.
	Full bool
	// Cleared marks the Full delivery that follows a clear of the board.
	Cleared bool
}

// Handle is a player registration. Releasing it removes the player; a
// registration that is never released lapses when its holder goes away.
type Handle interface {
	Release(ctx context.Context) error
}

// Channel is the real-time transport of a room.
//
// Subscribe calls deliver the current state first and then every change
// until the returned function is called. Callbacks of one subscription are
// never invoked concurrently.
type Channel interface {
	PublishStroke(ctx context.Context, roomID string, stroke models.Stroke) error
	SubscribeStrokes(roomID string, fn func(StrokeUpdate)) (unsubscribe func())

	PublishTempStroke(ctx context.Context, roomID, authorID string, stroke models.Stroke) error
	ClearTempStroke(ctx context.Context, roomID, authorID string) error
	SubscribeTempStrokes(roomID string, fn func(map[string]models.Stroke)) (unsubscribe func())

	RegisterPlayer(ctx context.Context, roomID string, player models.Player) (Handle, error)
	SubscribePlayers(roomID string, fn func([]models.Player)) (unsubscribe func())

	ClearRoom(ctx context.Context, roomID string) error
}

// subscriber wraps a callback that can be switched off once unsubscribed.
type subscriber[T any] struct {
	fn     func(T)
	active atomic.Bool
}

func newSubscriber[T any](fn func(T)) *subscriber[T] {
	s := &subscriber[T]{fn: fn}
	s.active.Store(true)
	return s
}

func (s *subscriber[T]) deliver(v T) {
	if s.active.Load() {
		s.fn(v)
	}
}

func copyTemps(temps map[string]models.Stroke) map[string]models.Stroke {
	out := make(map[string]models.Stroke, len(temps))
	for author, stroke := range temps {
		out[author] = stroke.Clone()
	}
	return out
}

func copyStrokes(strokes []models.Stroke) []models.Stroke {
	out := make([]models.Stroke, len(strokes))
	for i, s := range strokes {
		out[i] = s.Clone()
	}
	return out
}
