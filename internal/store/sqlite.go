package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sketchguess/board/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/board.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/board.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_active_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		stroke_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_last_active ON rooms(last_active_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateRoom registers a room ID. It returns ErrRoomExists if the ID is taken.
func (s *SQLiteStore) CreateRoom(ctx context.Context, id string) (*models.Room, error) {
	defer observeRegistry("sqlite", time.Now())

	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rooms (id, created_at, last_active_at)
		VALUES (?, ?, ?)
	`, id, now, now)
	if err != nil {
		return nil, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrRoomExists
	}

	return &models.Room{
		ID:           id,
		CreatedAt:    now,
		LastActiveAt: now,
	}, nil
}

// GetRoom retrieves a room by ID.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	defer observeRegistry("sqlite", time.Now())

	room := &models.Room{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_active_at, stroke_count
		FROM rooms WHERE id = ?
	`, id).Scan(
		&room.ID,
		&room.CreatedAt,
		&room.LastActiveAt,
		&room.StrokeCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// TouchRoom updates the last_active_at timestamp, registering the room if needed.
func (s *SQLiteStore) TouchRoom(ctx context.Context, id string) error {
	defer observeRegistry("sqlite", time.Now())

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, created_at, last_active_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_active_at = excluded.last_active_at
	`, id, now, now)
	return err
}

// IncrementStrokeCount increments the stroke count and updates activity.
func (s *SQLiteStore) IncrementStrokeCount(ctx context.Context, id string) error {
	defer observeRegistry("sqlite", time.Now())

	_, err := s.db.ExecContext(ctx, `
		UPDATE rooms
		SET stroke_count = stroke_count + 1, last_active_at = ?
		WHERE id = ?
	`, time.Now().UTC(), id)
	return err
}

// CountRooms returns the number of registered rooms.
func (s *SQLiteStore) CountRooms(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&count)
	return count, err
}

// SumStrokeCount returns the number of strokes ever committed.
func (s *SQLiteStore) SumStrokeCount(ctx context.Context) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(stroke_count), 0) FROM rooms`).Scan(&sum)
	return sum, err
}
