package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sketchguess/board/internal/metrics"
	"github.com/sketchguess/board/internal/models"
	"github.com/sketchguess/board/internal/store"
)

// createRoomAttempts bounds retries after an ID collision.
const createRoomAttempts = 5

// CreateRoomResponse represents the room creation response.
type CreateRoomResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// RoomResponse describes the live state of a room.
type RoomResponse struct {
	ID          string          `json:"id"`
	Players     []models.Player `json:"players"`
	StrokeCount int             `json:"stroke_count"`
	Drawing     int             `json:"drawing"` // players with a stroke in progress
	TotalDrawn  int64           `json:"total_drawn,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	LastActive  string          `json:"last_active,omitempty"`
}

// CreateRoom generates a fresh room ID. With a registry configured the ID
// is reserved there; otherwise it is only checked against live rooms.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	for attempt := 0; attempt < createRoomAttempts; attempt++ {
		id := models.NewRoomID()

		taken, err := h.reserveRoom(ctx, id)
		if err != nil {
			h.logger.Error().Err(err).Str("room", id).Msg("Room reservation failed")
			h.Error(w, http.StatusInternalServerError, "failed to create room")
			return
		}
		if taken {
			h.logger.Debug().Str("room", id).Int("attempt", attempt+1).Msg("Room ID collision")
			continue
		}

		metrics.RoomsCreated.Inc()
		h.JSON(w, http.StatusCreated, CreateRoomResponse{
			ID:  id,
			URL: "/room/" + id,
		})
		return
	}

	h.Error(w, http.StatusServiceUnavailable, "no free room ID, try again")
}

func (h *Handler) reserveRoom(ctx context.Context, id string) (bool, error) {
	if h.registry != nil {
		_, err := h.registry.CreateRoom(ctx, id)
		if errors.Is(err, store.ErrRoomExists) {
			return true, nil
		}
		return false, err
	}

	players, err := h.rooms.GetPlayers(ctx, id)
	if err != nil {
		return false, err
	}
	strokes, err := h.rooms.GetStrokes(ctx, id)
	if err != nil {
		return false, err
	}
	return len(players) > 0 || len(strokes) > 0, nil
}

// GetRoom reports who is in a room and how much has been drawn. Rooms exist
// implicitly, so an unknown ID yields an empty room.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if !models.ValidRoomID(id) {
		h.Error(w, http.StatusBadRequest, "invalid room ID")
		return
	}

	players, err := h.rooms.GetPlayers(ctx, id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "store error")
		return
	}
	strokes, err := h.rooms.GetStrokes(ctx, id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "store error")
		return
	}
	temps, err := h.rooms.GetTempStrokes(ctx, id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "store error")
		return
	}

	resp := RoomResponse{
		ID:          id,
		Players:     players,
		StrokeCount: len(strokes),
		Drawing:     len(temps),
	}

	if h.registry != nil {
		room, err := h.registry.GetRoom(ctx, id)
		if err != nil {
			h.logger.Warn().Err(err).Str("room", id).Msg("Registry lookup failed")
		} else if room != nil {
			resp.TotalDrawn = room.StrokeCount
			resp.CreatedAt = room.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")
			resp.LastActive = formatTimeAgo(room.LastActiveAt)
		}
	}

	h.JSON(w, http.StatusOK, resp)
}

// ClearRoom clears the board for everybody in the room.
func (h *Handler) ClearRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !models.ValidRoomID(id) {
		h.Error(w, http.StatusBadRequest, "invalid room ID")
		return
	}

	if err := h.direct.ClearRoom(r.Context(), id); err != nil {
		h.logger.Error().Err(err).Str("room", id).Msg("Clear failed")
		h.Error(w, http.StatusInternalServerError, "failed to clear room")
		return
	}
	metrics.RoomClears.Inc()

	h.JSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
