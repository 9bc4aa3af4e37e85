package handlers

import (
	"net/http"
	"strconv"
	"time"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	ActiveRooms  int   `json:"active_rooms"`
	TotalRooms   int64 `json:"total_rooms,omitempty"`
	TotalStrokes int64 `json:"total_strokes,omitempty"`
}

// Stats returns board statistics. Totals need a registry.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	active, err := h.rooms.ActiveRooms(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	resp := StatsResponse{ActiveRooms: len(active)}

	if h.registry != nil {
		resp.TotalRooms, err = h.registry.CountRooms(ctx)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to count rooms")
			return
		}

		resp.TotalStrokes, err = h.registry.SumStrokeCount(ctx)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to sum strokes")
			return
		}
	}

	h.JSON(w, http.StatusOK, resp)
}

// formatTimeAgo formats a time as a human-readable "X ago" string.
func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return strconv.Itoa(mins) + " minutes ago"
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return strconv.Itoa(hours) + " hours ago"
	default:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return strconv.Itoa(days) + " days ago"
	}
}
