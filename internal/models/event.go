package models

// EventType identifies a room mutation on the live feed.
type EventType string

const (
	EventStrokeAdded    EventType = "stroke_added"
	EventTempSet        EventType = "temp_set"
	EventTempCleared    EventType = "temp_cleared"
	EventPlayersChanged EventType = "players_changed"
	EventRoomCleared    EventType = "room_cleared"

	// EventResync is emitted by a feed after it recovered from a gap in
	// delivery. Consumers must reload full state.
	EventResync EventType = "resync"
)

// Event is one notification on a room's live feed.
type Event struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"room_id"`
	Author string    `json:"author,omitempty"`
	Stroke *Stroke   `json:"stroke,omitempty"`
}
