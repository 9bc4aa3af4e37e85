package handlers

import (
	"net/http"
	"strconv"
)

// RoomInfo represents a room in the list response.
type RoomInfo struct {
	ID      string `json:"id"`
	Players int    `json:"players"`
}

// RoomListResponse represents the active rooms list response.
type RoomListResponse struct {
	Rooms []RoomInfo `json:"rooms"`
	Total int        `json:"total"`
}

// ListRooms handles listing rooms that have players connected.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	// Parse query params
	limitStr := r.URL.Query().Get("limit")
	offsetStr := r.URL.Query().Get("offset")

	limit := 20
	if limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	ids, err := h.rooms.ActiveRooms(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "store error")
		return
	}

	total := len(ids)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	rooms := make([]RoomInfo, 0, end-offset)
	for _, id := range ids[offset:end] {
		players, err := h.rooms.GetPlayers(r.Context(), id)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "store error")
			return
		}
		rooms = append(rooms, RoomInfo{ID: id, Players: len(players)})
	}

	h.JSON(w, http.StatusOK, RoomListResponse{
		Rooms: rooms,
		Total: total,
	})
}
