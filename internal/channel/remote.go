package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

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
	maxMessageSize = 1 << 20

	// maxPending bounds the messages held while reconnecting.
	maxPending = 1024
)

// Remote is a Channel that talks to the board server over one WebSocket
// per room. Connections are opened on first use and reopened with capped
// exponential backoff until the room is released. Messages sent while the
// connection is down are held and written, in order, once the server has
// welcomed the next connection; of in-progress strokes only the latest is
// kept. After every reconnect the server sends full state, which Remote
// forwards as full deliveries.
type Remote struct {
	base   *url.URL
	player models.Player
	logger zerolog.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	rooms  map[string]*remoteRoom
	closed bool
}

// NewRemote creates a channel that connects to the server at baseURL
// (http, https, ws or wss) as player.
func NewRemote(baseURL string, player models.Player, logger zerolog.Logger) (*Remote, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if strings.TrimSpace(player.Name) == "" {
		return nil, errors.New("player name is required")
	}
	if player.ID == "" {
		player.ID = models.NewPlayerID()
	}

	return &Remote{
		base:   u,
		player: player,
		logger: logger.With().Str("component", "remote").Str("player", player.ID).Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: writeWait},
		rooms:  make(map[string]*remoteRoom),
	}, nil
}

// Player returns the identity this channel connects as.
func (r *Remote) Player() models.Player {
	return r.player
}

// Close drops every room connection without announcing a leave.
func (r *Remote) Close() {
	r.mu.Lock()
	r.closed = true
	rooms := r.rooms
	r.rooms = make(map[string]*remoteRoom)
	r.mu.Unlock()

	for _, rm := range rooms {
		rm.stop()
	}
}

// room returns the connection of roomID, starting it if needed.
func (r *Remote) room(roomID string) (*remoteRoom, error) {
	if !models.ValidRoomID(roomID) {
		return nil, models.ErrInvalidRoomID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrNotConnected
	}
	if rm, ok := r.rooms[roomID]; ok {
		return rm, nil
	}

	rm := newRemoteRoom(r, roomID)
	r.rooms[roomID] = rm
	go rm.run()
	go rm.dispatch()
	return rm, nil
}

func (r *Remote) forget(rm *remoteRoom) {
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()
}

func (r *Remote) roomURL(roomID string) string {
	u := *r.base
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(roomID)
	q := u.Query()
	q.Set("nick", r.player.Name)
	q.Set("id", r.player.ID)
	u.RawQuery = q.Encode()
	return u.String()
}

// PublishStroke sends a finished stroke.
func (r *Remote) PublishStroke(ctx context.Context, roomID string, stroke models.Stroke) error {
	rm, err := r.room(roomID)
	if err != nil {
		return err
	}
	return rm.send(ctx, models.MsgStroke, models.StrokePayload{Stroke: models.Commit(stroke)})
}

// PublishTempStroke sends an in-progress stroke. The server files it under
// this connection's player regardless of authorID.
func (r *Remote) PublishTempStroke(ctx context.Context, roomID, authorID string, stroke models.Stroke) error {
	rm, err := r.room(roomID)
	if err != nil {
		return err
	}
	return rm.send(ctx, models.MsgTempStroke, models.StrokePayload{Stroke: stroke})
}

// ClearTempStroke empties this player's in-progress slot.
func (r *Remote) ClearTempStroke(ctx context.Context, roomID, authorID string) error {
	rm, err := r.room(roomID)
	if err != nil {
		return err
	}
	return rm.send(ctx, models.MsgClearTemp, nil)
}

// ClearRoom asks the server to clear the board.
func (r *Remote) ClearRoom(ctx context.Context, roomID string) error {
	rm, err := r.room(roomID)
	if err != nil {
		return err
	}
	return rm.send(ctx, models.MsgClearRoom, nil)
}

// RegisterPlayer waits until the server has accepted this channel's
// connection to the room. The server registers the connection's player,
// so player must be the channel's own. If ctx ends first the connection
// keeps retrying in the background.
func (r *Remote) RegisterPlayer(ctx context.Context, roomID string, player models.Player) (Handle, error) {
	if player.ID != r.player.ID {
		return nil, fmt.Errorf("channel is bound to player %s, not %s", r.player.ID, player.ID)
	}
	rm, err := r.room(roomID)
	if err != nil {
		return nil, err
	}

	select {
	case <-rm.welcomed:
		return &remoteHandle{rm: rm}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubscribeStrokes delivers the cached committed set, if any, then every
// update received from the server.
func (r *Remote) SubscribeStrokes(roomID string, fn func(StrokeUpdate)) func() {
	sub := newSubscriber(fn)
	rm, err := r.room(roomID)
	if err != nil {
		r.logger.Warn().Err(err).Str("room", roomID).Msg("Subscribe failed")
		return func() {}
	}

	rm.mu.Lock()
	rm.strokeSubs[sub] = struct{}{}
	if rm.haveStrokes {
		update := StrokeUpdate{Strokes: copyStrokes(rm.strokes), Full: true}
		rm.enqueue(func() { sub.deliver(update) })
	}
	rm.mu.Unlock()

	return func() {
		sub.active.Store(false)
		rm.mu.Lock()
		delete(rm.strokeSubs, sub)
		rm.mu.Unlock()
	}
}

// SubscribeTempStrokes delivers the cached in-progress map, if any, then
// every update received from the server.
func (r *Remote) SubscribeTempStrokes(roomID string, fn func(map[string]models.Stroke)) func() {
	sub := newSubscriber(fn)
	rm, err := r.room(roomID)
	if err != nil {
		r.logger.Warn().Err(err).Str("room", roomID).Msg("Subscribe failed")
		return func() {}
	}

	rm.mu.Lock()
	rm.tempSubs[sub] = struct{}{}
	if rm.temps != nil {
		temps := copyTemps(rm.temps)
		rm.enqueue(func() { sub.deliver(temps) })
	}
	rm.mu.Unlock()

	return func() {
		sub.active.Store(false)
		rm.mu.Lock()
		delete(rm.tempSubs, sub)
		rm.mu.Unlock()
	}
}

// SubscribePlayers delivers the cached player set, if any, then every
// update received from the server.
func (r *Remote) SubscribePlayers(roomID string, fn func([]models.Player)) func() {
	sub := newSubscriber(fn)
	rm, err := r.room(roomID)
	if err != nil {
		r.logger.Warn().Err(err).Str("room", roomID).Msg("Subscribe failed")
		return func() {}
	}

	rm.mu.Lock()
	rm.playerSubs[sub] = struct{}{}
	if rm.players != nil {
		players := append([]models.Player(nil), rm.players...)
		rm.enqueue(func() { sub.deliver(players) })
	}
	rm.mu.Unlock()

	return func() {
		sub.active.Store(false)
		rm.mu.Lock()
		delete(rm.playerSubs, sub)
		rm.mu.Unlock()
	}
}

type remoteHandle struct {
	rm   *remoteRoom
	once sync.Once
}

// Release announces the leave and closes the room connection.
func (h *remoteHandle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		err = h.rm.send(ctx, models.MsgLeave, nil)
		h.rm.r.forget(h.rm)
		h.rm.stop()
	})
	if errors.Is(err, ErrNotConnected) {
		// The server drops the player with the connection.
		return nil
	}
	return err
}

// remoteRoom is the connection to one room plus the last state received on it.
type remoteRoom struct {
	r      *Remote
	id     string
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	welcomed    chan struct{}
	welcomeOnce sync.Once

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	pending     []models.WSMessage
	haveStrokes bool
	strokes     []models.Stroke
	partial     *models.StrokesPayload
	temps       map[string]models.Stroke
	players     []models.Player
	strokeSubs  map[*subscriber[StrokeUpdate]]struct{}
	tempSubs    map[*subscriber[map[string]models.Stroke]]struct{}
	playerSubs  map[*subscriber[[]models.Player]]struct{}

	// Callbacks run in order on the dispatch goroutine.
	queue []func()
	wake  chan struct{}
}

func newRemoteRoom(r *Remote, roomID string) *remoteRoom {
	ctx, cancel := context.WithCancel(context.Background())
	return &remoteRoom{
		r:          r,
		id:         roomID,
		logger:     r.logger.With().Str("room", roomID).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		welcomed:   make(chan struct{}),
		strokeSubs: make(map[*subscriber[StrokeUpdate]]struct{}),
		tempSubs:   make(map[*subscriber[map[string]models.Stroke]]struct{}),
		playerSubs: make(map[*subscriber[[]models.Player]]struct{}),
		wake:       make(chan struct{}, 1),
	}
}

func (rm *remoteRoom) stop() {
	rm.cancel()
	<-rm.done
}

// enqueue schedules fn on the dispatch goroutine. Callers hold rm.mu.
func (rm *remoteRoom) enqueue(fn func()) {
	rm.queue = append(rm.queue, fn)
	select {
	case rm.wake <- struct{}{}:
	default:
	}
}

func (rm *remoteRoom) dispatch() {
	for {
		select {
		case <-rm.ctx.Done():
			return
		case <-rm.wake:
		}

		rm.mu.Lock()
		batch := rm.queue
		rm.queue = nil
		rm.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

// run keeps the room connected until stopped.
func (rm *remoteRoom) run() {
	defer close(rm.done)

	backoff := minBackoff
	for {
		conn, _, err := rm.r.dialer.DialContext(rm.ctx, rm.r.roomURL(rm.id), nil)
		if err == nil {
			backoff = minBackoff
			err = rm.serve(conn)
		}
		if rm.ctx.Err() != nil {
			return
		}

		rm.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Connection lost")

		select {
		case <-rm.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// serve reads from conn until it fails or the room is stopped.
func (rm *remoteRoom) serve(conn *websocket.Conn) error {
	rm.mu.Lock()
	rm.partial = nil
	rm.mu.Unlock()

	stopped := make(chan struct{})
	defer func() {
		close(stopped)
		rm.mu.Lock()
		rm.conn = nil
		rm.mu.Unlock()
		conn.Close()
	}()

	go func() {
		select {
		case <-rm.ctx.Done():
			conn.Close()
		case <-stopped:
		}
	}()
	go rm.keepalive(conn, stopped)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg models.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := rm.handle(conn, msg); err != nil {
			rm.logger.Warn().Err(err).Str("type", msg.Type).Msg("Bad message from server")
		}
	}
}

func (rm *remoteRoom) keepalive(conn *websocket.Conn, stopped <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
			rm.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			rm.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (rm *remoteRoom) handle(conn *websocket.Conn, msg models.WSMessage) error {
	switch msg.Type {
	case models.MsgWelcome:
		if err := rm.flush(conn); err != nil {
			return err
		}
		rm.welcomeOnce.Do(func() { close(rm.welcomed) })

	case models.MsgStrokes:
		var p models.StrokesPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		rm.mu.Lock()
		defer rm.mu.Unlock()

		// Parts of a split full set are collected and delivered as one.
		switch {
		case p.Full && p.More:
			rm.partial = &p
			return nil
		case rm.partial != nil:
			rm.partial.Strokes = append(rm.partial.Strokes, p.Strokes...)
			if p.More {
				return nil
			}
			p = *rm.partial
			p.More = false
			rm.partial = nil
		}

		if p.Full {
			rm.strokes = p.Strokes
			rm.haveStrokes = true
		} else {
			rm.strokes = append(rm.strokes, p.Strokes...)
		}
		for sub := range rm.strokeSubs {
			sub, update := sub, StrokeUpdate{Strokes: copyStrokes(p.Strokes), Full: p.Full, Cleared: p.Cleared}
			rm.enqueue(func() { sub.deliver(update) })
		}

	case models.MsgTempStrokes:
		var p models.TempStrokesPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		if p.Strokes == nil {
			p.Strokes = make(map[string]models.Stroke)
		}
		rm.mu.Lock()
		rm.temps = p.Strokes
		for sub := range rm.tempSubs {
			sub, temps := sub, copyTemps(p.Strokes)
			rm.enqueue(func() { sub.deliver(temps) })
		}
		rm.mu.Unlock()

	case models.MsgPlayers:
		var p models.PlayersPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		if p.Players == nil {
			p.Players = []models.Player{}
		}
		rm.mu.Lock()
		rm.players = p.Players
		for sub := range rm.playerSubs {
			sub, players := sub, append([]models.Player(nil), p.Players...)
			rm.enqueue(func() { sub.deliver(players) })
		}
		rm.mu.Unlock()

	case models.MsgError:
		var p models.ErrorPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		rm.logger.Warn().Str("message", p.Message).Msg("Server rejected message")

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

// flush writes the messages held while disconnected, then makes conn
// available to send. Messages sent during the flush are held and picked up
// by the next round, so order is kept.
func (rm *remoteRoom) flush(conn *websocket.Conn) error {
	for {
		rm.mu.Lock()
		batch := rm.pending
		rm.pending = nil
		if len(batch) == 0 {
			rm.conn = conn
			rm.mu.Unlock()
			return nil
		}
		rm.mu.Unlock()

		for i, msg := range batch {
			if err := rm.write(conn, msg); err != nil {
				rm.mu.Lock()
				rm.pending = append(batch[i:], rm.pending...)
				rm.mu.Unlock()
				return err
			}
		}
		rm.logger.Debug().Int("messages", len(batch)).Msg("Flushed held messages")
	}
}

// holdLocked keeps msg for the next connection. Callers hold rm.mu.
func (rm *remoteRoom) holdLocked(msg models.WSMessage) error {
	// The server drops the player along with the lost connection.
	if msg.Type == models.MsgLeave || rm.ctx.Err() != nil {
		return ErrNotConnected
	}
	if msg.Type == models.MsgTempStroke {
		kept := rm.pending[:0]
		for _, m := range rm.pending {
			if m.Type != models.MsgTempStroke {
				kept = append(kept, m)
			}
		}
		rm.pending = kept
	}
	if len(rm.pending) >= maxPending {
		return fmt.Errorf("%d messages held: %w", len(rm.pending), ErrNotConnected)
	}
	rm.pending = append(rm.pending, msg)
	return nil
}

func (rm *remoteRoom) write(conn *websocket.Conn, msg models.WSMessage) error {
	rm.writeMu.Lock()
	defer rm.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// send writes one message, or holds it while the connection is down.
func (rm *remoteRoom) send(ctx context.Context, msgType string, payload any) error {
	msg, err := models.NewWSMessage(msgType, payload)
	if err != nil {
		return err
	}

	rm.mu.Lock()
	conn := rm.conn
	if conn == nil {
		err := rm.holdLocked(msg)
		rm.mu.Unlock()
		return err
	}
	rm.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	rm.writeMu.Lock()
	defer rm.writeMu.Unlock()

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		rm.logger.Debug().Err(err).Str("type", msgType).Msg("Write failed, holding for reconnect")

		// Held under writeMu so concurrent failed sends keep their order.
		rm.mu.Lock()
		defer rm.mu.Unlock()
		if rm.conn == conn {
			rm.conn = nil
		}
		return rm.holdLocked(msg)
	}
	return nil
}
