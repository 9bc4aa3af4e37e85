package store

import (
	"context"
	"errors"
	"time"

	"github.com/sketchguess/board/internal/metrics"
	"github.com/sketchguess/board/internal/models"
)

// roomTTL bounds the lifetime of an idle room's strokes and players.
const roomTTL = 24 * time.Hour

// ErrRoomExists is returned when a generated room ID collides with a
// registered room.
var ErrRoomExists = errors.New("room already exists")

// SyncStore is the authoritative mirror of every room: committed strokes,
// in-progress strokes and player leases, plus a live feed of mutations.
// RedisStore and MemoryStore implement this interface.
type SyncStore interface {
	// Connection management
	Close() error
	Ping(ctx context.Context) error

	// Committed strokes, keyed by stroke ID. Adding an existing ID is a no-op.
	AddStroke(ctx context.Context, roomID string, stroke models.Stroke) error
	GetStrokes(ctx context.Context, roomID string) ([]models.Stroke, error)

	// In-progress strokes, one last-write-wins slot per author.
	SetTempStroke(ctx context.Context, roomID, author string, stroke models.Stroke) error
	DeleteTempStroke(ctx context.Context, roomID, author string) error
	GetTempStrokes(ctx context.Context, roomID string) (map[string]models.Stroke, error)

	// Presence. A player stays listed while its lease is renewed.
	AddPlayer(ctx context.Context, roomID string, player models.Player, ttl time.Duration) error
	// RenewPlayer extends the lease; it reports false if the player is no longer registered.
	RenewPlayer(ctx context.Context, roomID, playerID string, ttl time.Duration) (bool, error)
	RemovePlayer(ctx context.Context, roomID, playerID string) error
	GetPlayers(ctx context.Context, roomID string) ([]models.Player, error)
	// ExpirePlayers removes players whose lease lapsed, together with their temp slots.
	ExpirePlayers(ctx context.Context, roomID string) ([]models.Player, error)
	ActiveRooms(ctx context.Context) ([]string, error)

	// ClearRoom drops committed and in-progress strokes.
	ClearRoom(ctx context.Context, roomID string) error

	// Subscribe returns the room's live feed. The channel is closed when ctx
	// is done or the feed fails.
	Subscribe(ctx context.Context, roomID string) (<-chan models.Event, error)
}

// DataStore defines the interface for the room registry.
// Both PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Room operations
	CreateRoom(ctx context.Context, id string) (*models.Room, error)
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	TouchRoom(ctx context.Context, id string) error
	IncrementStrokeCount(ctx context.Context, id string) error
	CountRooms(ctx context.Context) (int64, error)
	SumStrokeCount(ctx context.Context) (int64, error)
}

func observeRegistry(backend string, start time.Time) {
	metrics.RegistryLatency.WithLabelValues(backend).Observe(time.Since(start).Seconds())
}
