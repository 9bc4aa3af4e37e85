package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sketchguess/board/internal/models"
)

// postgresSchema is applied by RunMigrations. Statements are idempotent.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id             TEXT PRIMARY KEY,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	stroke_count   BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_rooms_last_active ON rooms(last_active_at);
`

// RunMigrations creates the registry schema.
func RunMigrations(databaseURL string) error {
	ctx := context.Background()

	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, postgresSchema)
	return err
}

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateRoom registers a room ID. It returns ErrRoomExists if the ID is taken.
func (s *PostgresStore) CreateRoom(ctx context.Context, id string) (*models.Room, error) {
	defer observeRegistry("postgres", time.Now())

	room := &models.Room{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rooms (id)
		VALUES ($1)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, created_at, last_active_at, stroke_count
	`, id).Scan(
		&room.ID,
		&room.CreatedAt,
		&room.LastActiveAt,
		&room.StrokeCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomExists
		}
		return nil, err
	}
	return room, nil
}

// GetRoom retrieves a room by ID.
func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	defer observeRegistry("postgres", time.Now())

	room := &models.Room{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, created_at, last_active_at, stroke_count
		FROM rooms WHERE id = $1
	`, id).Scan(
		&room.ID,
		&room.CreatedAt,
		&room.LastActiveAt,
		&room.StrokeCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// TouchRoom updates the last_active_at timestamp, registering the room if
// it was joined by URL without being created first.
func (s *PostgresStore) TouchRoom(ctx context.Context, id string) error {
	defer observeRegistry("postgres", time.Now())

	_, err := s.pool.Exec(ctx, `
		INSERT INTO rooms (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET last_active_at = NOW()
	`, id)
	return err
}

// IncrementStrokeCount increments the stroke count and updates activity.
func (s *PostgresStore) IncrementStrokeCount(ctx context.Context, id string) error {
	defer observeRegistry("postgres", time.Now())

	_, err := s.pool.Exec(ctx, `
		UPDATE rooms
		SET stroke_count = stroke_count + 1, last_active_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// CountRooms returns the number of registered rooms.
func (s *PostgresStore) CountRooms(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&count)
	return count, err
}

// SumStrokeCount returns the number of strokes ever committed.
func (s *PostgresStore) SumStrokeCount(ctx context.Context) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(stroke_count), 0) FROM rooms`).Scan(&total)
	return total, err
}
