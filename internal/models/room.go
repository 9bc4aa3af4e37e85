package models

import (
	"crypto/rand"
	"errors"
	"regexp"
	"time"
)

// RoomIDLength is the length of generated room IDs.
const RoomIDLength = 6

const roomIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Room IDs are case-sensitive and user-shareable: letters, digits, hyphens, underscores.
var roomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ErrInvalidRoomID is returned for IDs that cannot name a room.
var ErrInvalidRoomID = errors.New("invalid room ID")

// Room is the registry record of a board. Strokes and players live in the
// sync store, not here.
type Room struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	StrokeCount  int64     `json:"stroke_count"`
}

// NewRoomID returns a short random base-36 token. Uniqueness is not
// guaranteed; callers check the registry when one is configured.
func NewRoomID() string {
	b := make([]byte, RoomIDLength)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	for i := range b {
		b[i] = roomIDAlphabet[int(b[i])%len(roomIDAlphabet)]
	}
	return string(b)
}

// ValidRoomID reports whether id can name a room.
func ValidRoomID(id string) bool {
	return roomIDRegex.MatchString(id)
}
