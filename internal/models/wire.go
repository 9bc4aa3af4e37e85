package models

import "encoding/json"

// WebSocket message types, client to server.
const (
	MsgStroke     = "stroke"
	MsgTempStroke = "temp_stroke"
	MsgClearTemp  = "clear_temp"
	MsgClearRoom  = "clear_room"
	MsgLeave      = "leave"
)

// WebSocket message types, server to client.
const (
	MsgWelcome     = "welcome"
	MsgStrokes     = "strokes"
	MsgTempStrokes = "temp_strokes"
	MsgPlayers     = "players"
	MsgError       = "error"
)

// WSMessage is the envelope of every WebSocket frame.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewWSMessage encodes payload into an envelope of the given type.
func NewWSMessage(msgType string, payload any) (WSMessage, error) {
	msg := WSMessage{Type: msgType}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return msg, err
	}
	msg.Data = data
	return msg, nil
}

// StrokePayload carries a single stroke (stroke, temp_stroke).
type StrokePayload struct {
	Stroke Stroke `json:"stroke"`
}

// StrokesPayload carries committed strokes. Full marks the complete set of
// the room; otherwise Strokes are additions. Cleared marks the set that
// follows a clear of the board. A large full set is split over several
// messages: every part but the last carries More, and only the first is Full.
type StrokesPayload struct {
	Strokes []Stroke `json:"strokes"`
	Full    bool     `json:"full"`
	Cleared bool     `json:"cleared,omitempty"`
	More    bool     `json:"more,omitempty"`
}

// TempStrokesPayload carries every in-progress stroke of a room, keyed by author.
type TempStrokesPayload struct {
	Strokes map[string]Stroke `json:"strokes"`
}

// PlayersPayload carries the full player set of a room.
type PlayersPayload struct {
	Players []Player `json:"players"`
}

// WelcomePayload confirms a session.
type WelcomePayload struct {
	Room   string `json:"room"`
	Player Player `json:"player"`
}

// ErrorPayload reports a rejected client message.
type ErrorPayload struct {
	Message string `json:"message"`
}
