package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Player is one connection to a room. Two tabs with the same nickname are
// two players.
type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	JoinedAt int64  `json:"joined_at"` // Unix ms
}

// NewPlayer creates a player with a fresh time-ordered ID.
func NewPlayer(name string) Player {
	return Player{
		ID:       NewPlayerID(),
		Name:     name,
		JoinedAt: time.Now().UnixMilli(),
	}
}

// NewPlayerID generates a time-ordered UUID v7.
func NewPlayerID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SortPlayers orders players by join time, then ID.
func SortPlayers(players []Player) {
	sort.Slice(players, func(i, j int) bool {
		if players[i].JoinedAt != players[j].JoinedAt {
			return players[i].JoinedAt < players[j].JoinedAt
		}
		return players[i].ID < players[j].ID
	})
}
