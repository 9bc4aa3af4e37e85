package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sketchguess/board/internal/channel"
	"github.com/sketchguess/board/internal/metrics"
	"github.com/sketchguess/board/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// maxStrokePoints bounds a single stroke.
	maxStrokePoints = 5000

	// maxBatchPoints bounds the points of one strokes message so frames stay
	// well under the client's read limit.
	maxBatchPoints = 8000

	// sendBuffer is the backlog a session may build before it is dropped.
	sendBuffer = 256

	registerTimeout = 5 * time.Second
	cleanupTimeout  = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Boards are joined by URL from any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var errSlowConsumer = errors.New("send buffer full")

// ServeWS upgrades a request to a drawing session in a room.
// Query parameters: nick (required) and id (optional player UUID, kept
// across reconnects).
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !models.ValidRoomID(roomID) {
		h.Error(w, http.StatusBadRequest, "invalid room ID")
		return
	}

	nick := sanitizeName(r.URL.Query().Get("nick"))
	if nick == "" {
		h.Error(w, http.StatusBadRequest, "nick is required")
		return
	}

	playerID := r.URL.Query().Get("id")
	if _, err := uuid.Parse(playerID); err != nil {
		playerID = models.NewPlayerID()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Msg("WebSocket upgrade failed")
		return
	}

	player := models.Player{
		ID:       playerID,
		Name:     nick,
		JoinedAt: time.Now().UnixMilli(),
	}
	newSession(h, conn, roomID, player).run()
}

// session is one WebSocket connection to a room.
type session struct {
	h      *Handler
	conn   *websocket.Conn
	roomID string
	player models.Player
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan models.WSMessage

	closeOnce sync.Once
	closeErr  error
}

func newSession(h *Handler, conn *websocket.Conn, roomID string, player models.Player) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		h:      h,
		conn:   conn,
		roomID: roomID,
		player: player,
		logger: h.logger.With().Str("room", roomID).Str("player", player.ID).Logger(),
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan models.WSMessage, sendBuffer),
	}
}

func (s *session) run() {
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	defer s.conn.Close()

	regCtx, cancel := context.WithTimeout(s.ctx, registerTimeout)
	handle, err := s.h.direct.RegisterPlayer(regCtx, s.roomID, s.player)
	cancel()
	if err != nil {
		s.logger.Error().Err(err).Msg("Player registration failed")
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteJSON(errorMessage("registration failed"))
		return
	}
	metrics.PresenceEvents.WithLabelValues("join").Inc()
	s.logger.Info().Str("name", s.player.Name).Msg("Player joined")

	if s.h.registry != nil {
		if err := s.h.registry.TouchRoom(s.ctx, s.roomID); err != nil {
			s.logger.Warn().Err(err).Msg("Registry touch failed")
		}
	}

	// The welcome goes out before any state.
	s.queue(models.MsgWelcome, models.WelcomePayload{Room: s.roomID, Player: s.player})

	unsubs := []func(){
		s.h.direct.SubscribeStrokes(s.roomID, s.forwardStrokes),
		s.h.direct.SubscribeTempStrokes(s.roomID, s.forwardTemps),
		s.h.direct.SubscribePlayers(s.roomID, s.forwardPlayers),
	}

	go s.writePump()
	s.readPump()

	s.close(nil)
	for _, unsub := range unsubs {
		unsub()
	}

	// Best-effort cleanup; the lease covers anything left behind.
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.h.direct.ClearTempStroke(ctx, s.roomID, s.player.ID); err != nil {
		s.logger.Warn().Err(err).Msg("Temp cleanup failed")
	}
	if err := handle.Release(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Presence cleanup failed")
	}
	metrics.PresenceEvents.WithLabelValues("leave").Inc()
	s.logger.Info().Err(s.closeErr).Msg("Player left")
}

// close ends the session once, recording why.
func (s *session) close(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		s.cancel()
	})
}

// queue hands a message to the write pump. A session that cannot keep up
// is dropped rather than allowed to stall the room.
func (s *session) queue(msgType string, payload any) {
	msg, err := models.NewWSMessage(msgType, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msgType).Msg("Encode failed")
		return
	}

	select {
	case <-s.ctx.Done():
		return
	default:
	}

	select {
	case s.send <- msg:
	default:
		s.logger.Warn().Msg("Slow consumer, closing session")
		s.close(errSlowConsumer)
		s.conn.Close()
	}
}

func (s *session) forwardStrokes(u channel.StrokeUpdate) {
	batches := batchStrokes(u.Strokes, maxBatchPoints)
	for i, batch := range batches {
		first, last := i == 0, i == len(batches)-1
		s.queue(models.MsgStrokes, models.StrokesPayload{
			Strokes: batch,
			Full:    u.Full && first,
			Cleared: u.Cleared && first,
			More:    u.Full && !last,
		})
	}
}

// batchStrokes splits strokes into runs of at most maxPoints points. A
// stroke longer than maxPoints gets a batch of its own. There is always at
// least one batch.
func batchStrokes(strokes []models.Stroke, maxPoints int) [][]models.Stroke {
	batches := [][]models.Stroke{{}}
	points := 0
	for _, st := range strokes {
		cur := len(batches) - 1
		if len(batches[cur]) > 0 && points+len(st.Points) > maxPoints {
			batches = append(batches, []models.Stroke{})
			cur++
			points = 0
		}
		batches[cur] = append(batches[cur], st)
		points += len(st.Points)
	}
	return batches
}

func (s *session) forwardTemps(temps map[string]models.Stroke) {
	s.queue(models.MsgTempStrokes, models.TempStrokesPayload{Strokes: temps})
}

func (s *session) forwardPlayers(players []models.Player) {
	if players == nil {
		players = []models.Player{}
	}
	s.queue(models.MsgPlayers, models.PlayersPayload{Players: players})
}

func (s *session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg models.WSMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.close(err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msg.Type == models.MsgLeave {
			return
		}
		if err := s.handle(msg); err != nil {
			s.logger.Debug().Err(err).Str("type", msg.Type).Msg("Message rejected")
			s.queue(models.MsgError, models.ErrorPayload{Message: err.Error()})
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.close(err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close(err)
				return
			}
		}
	}
}

// handle applies one client message. Strokes are always filed under the
// session's own player.
func (s *session) handle(msg models.WSMessage) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeWait)
	defer cancel()

	switch msg.Type {
	case models.MsgStroke:
		stroke, err := s.decodeStroke(msg.Data)
		if err != nil {
			return err
		}
		if err := s.h.direct.PublishStroke(ctx, s.roomID, stroke); err != nil {
			s.logger.Error().Err(err).Str("stroke", stroke.ID).Msg("Commit failed")
			return errors.New("stroke not saved")
		}
		metrics.StrokesCommitted.Inc()
		if s.h.registry != nil {
			if err := s.h.registry.IncrementStrokeCount(ctx, s.roomID); err != nil {
				s.logger.Warn().Err(err).Msg("Registry update failed")
			}
		}

	case models.MsgTempStroke:
		stroke, err := s.decodeStroke(msg.Data)
		if err != nil {
			return err
		}
		stroke.Committed = false
		if err := s.h.direct.PublishTempStroke(ctx, s.roomID, s.player.ID, stroke); err != nil {
			s.logger.Warn().Err(err).Msg("Temp publish failed")
			return errors.New("stroke not saved")
		}
		metrics.TempPublishes.Inc()

	case models.MsgClearTemp:
		if err := s.h.direct.ClearTempStroke(ctx, s.roomID, s.player.ID); err != nil {
			s.logger.Warn().Err(err).Msg("Temp clear failed")
			return errors.New("clear failed")
		}

	case models.MsgClearRoom:
		if err := s.h.direct.ClearRoom(ctx, s.roomID); err != nil {
			s.logger.Error().Err(err).Msg("Room clear failed")
			return errors.New("clear failed")
		}
		metrics.RoomClears.Inc()
		s.logger.Info().Msg("Board cleared")

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

func (s *session) decodeStroke(data json.RawMessage) (models.Stroke, error) {
	var p models.StrokePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.Stroke{}, errors.New("invalid stroke")
	}

	stroke := p.Stroke
	if len(stroke.Points) == 0 {
		return models.Stroke{}, errors.New("stroke has no points")
	}
	if len(stroke.Points) > maxStrokePoints {
		return models.Stroke{}, fmt.Errorf("stroke exceeds %d points", maxStrokePoints)
	}
	if stroke.ID == "" || len(stroke.ID) > 64 {
		stroke.ID = models.NewStrokeID()
	}
	if stroke.CreatedAt == 0 {
		stroke.CreatedAt = time.Now().UnixMilli()
	}
	stroke.Author = s.player.ID
	return stroke, nil
}

func errorMessage(text string) models.WSMessage {
	msg, _ := models.NewWSMessage(models.MsgError, models.ErrorPayload{Message: text})
	return msg
}
