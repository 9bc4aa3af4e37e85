package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/sketchguess/board/internal/channel"
	"github.com/sketchguess/board/internal/store"
)

// maxNameLength bounds player nicknames.
const maxNameLength = 32

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	registry store.DataStore // nil when no database is configured
	rooms    store.SyncStore
	direct   *channel.Direct
	logger   zerolog.Logger
}

// NewHandler creates a new Handler. registry may be nil.
func NewHandler(registry store.DataStore, rooms store.SyncStore, direct *channel.Direct, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		rooms:    rooms,
		direct:   direct,
		logger:   logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// sanitizeName trims and limits name to maxNameLength runes, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	// Remove control characters
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if runes := []rune(name); len(runes) > maxNameLength {
		name = string(runes[:maxNameLength])
	}

	return name
}
