// Package board holds the per-room drawing state of one participant: the
// committed strokes, the other players' in-progress strokes, the local
// stroke being drawn and the roster.
package board

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sketchguess/board/internal/channel"
	"github.com/sketchguess/board/internal/models"
	"github.com/sketchguess/board/internal/presence"
)

const (
	// DefaultTempThrottle bounds how often an in-progress stroke is published.
	DefaultTempThrottle = 150 * time.Millisecond

	// DefaultPublishTimeout bounds a single publish.
	DefaultPublishTimeout = 5 * time.Second

	closeTimeout   = 2 * time.Second
	cleanupTimeout = time.Second
	outboxSize   = 1024
)

// State is the drawing state of the local player.
type State int

const (
	Idle State = iota
	Drawing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Drawing:
		return "drawing"
	default:
		return "unknown"
	}
}

// Options configures a Controller.
type Options struct {
	// TempThrottle is the minimum interval between in-progress publishes.
	// Zero selects DefaultTempThrottle; a negative value disables throttling.
	TempThrottle time.Duration

	// PublishTimeout bounds each publish. Zero selects DefaultPublishTimeout.
	PublishTimeout time.Duration

	// OnChange is called after every change of the render state, without
	// the controller's lock held, on the goroutine that caused the change.
	OnChange func()

	Logger zerolog.Logger
}

type publishJob struct {
	op     string
	run    func(ctx context.Context) error
	failed func()
}

// Controller reconciles local pointer input with remote updates for one
// room. All state sits behind one mutex, so pointer events and channel
// callbacks are applied one at a time. Publishing happens on a background
// worker in submission order and never blocks pointer handling.
type Controller struct {
	ch       channel.Channel
	presence *presence.Tracker
	roomID   string
	self     models.Player
	opts     Options
	logger   zerolog.Logger

	mu          sync.Mutex
	state       State
	local       models.Stroke
	committed   map[string]models.Stroke
	unacked     map[string]struct{}
	remoteTemps map[string]models.Stroke
	players     []models.Player
	tempSent    bool
	lastTemp    time.Time
	tempTimer   *time.Timer
	closed      bool

	outbox     chan publishJob
	outboxDone chan struct{}
	unsubs     []func()
}

// Open joins the room as player and subscribes to its strokes and roster.
// A failed join is logged and does not prevent drawing.
func Open(ctx context.Context, ch channel.Channel, roomID string, player models.Player, opts Options) (*Controller, error) {
	if !models.ValidRoomID(roomID) {
		return nil, models.ErrInvalidRoomID
	}

	c := newController(ch, roomID, player, opts)
	c.presence = presence.NewTracker(ch, c.logger)

	if err := c.presence.Join(ctx, roomID, player); err != nil {
		c.logger.Warn().Err(err).Msg("Presence unavailable, drawing anyway")
	}

	c.unsubs = append(c.unsubs,
		ch.SubscribeStrokes(roomID, c.applyStrokes),
		ch.SubscribeTempStrokes(roomID, c.applyTemps),
		c.presence.Subscribe(roomID, c.applyPlayers),
	)
	return c, nil
}

func newController(ch channel.Channel, roomID string, player models.Player, opts Options) *Controller {
	if opts.TempThrottle == 0 {
		opts.TempThrottle = DefaultTempThrottle
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}

	c := &Controller{
		ch:          ch,
		roomID:      roomID,
		self:        player,
		opts:        opts,
		logger:      opts.Logger.With().Str("room", roomID).Str("player", player.ID).Logger(),
		committed:   make(map[string]models.Stroke),
		unacked:     make(map[string]struct{}),
		remoteTemps: make(map[string]models.Stroke),
		outbox:      make(chan publishJob, outboxSize),
		outboxDone:  make(chan struct{}),
	}
	go c.publishLoop()
	return c
}

// RoomID returns the room this controller draws in.
func (c *Controller) RoomID() string {
	return c.roomID
}

// State returns the current drawing state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Players returns the last roster received, earliest joiner first.
func (c *Controller) Players() []models.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Player(nil), c.players...)
}

// PointerDown starts a stroke at p. Ignored while already drawing.
func (c *Controller) PointerDown(p models.Point) {
	c.mu.Lock()
	if c.closed || c.state != Idle {
		c.mu.Unlock()
		return
	}
	c.state = Drawing
	c.local = models.BeginStroke(c.self.ID, p)
	c.publishTempLocked()
	c.mu.Unlock()

	c.changed()
}

// PointerMove extends the local stroke. Ignored while idle.
func (c *Controller) PointerMove(p models.Point) {
	c.mu.Lock()
	if c.closed || c.state != Drawing {
		c.mu.Unlock()
		return
	}
	c.local = models.ExtendStroke(c.local, p)

	switch {
	case c.opts.TempThrottle < 0:
		c.publishTempLocked()
	case c.tempTimer != nil:
		// The pending publish picks up the latest stroke.
	default:
		wait := c.opts.TempThrottle - time.Since(c.lastTemp)
		if wait <= 0 {
			c.publishTempLocked()
		} else {
			c.tempTimer = time.AfterFunc(wait, c.flushTemp)
		}
	}
	c.mu.Unlock()

	c.changed()
}

// PointerUp commits the local stroke. Ignored while idle.
func (c *Controller) PointerUp() {
	c.mu.Lock()
	if c.closed || c.state != Drawing {
		c.mu.Unlock()
		return
	}
	if c.tempTimer != nil {
		// Others see the points the pending publish would have carried.
		c.stopTempTimerLocked()
		c.publishTempLocked()
	}

	stroke := models.Commit(c.local)
	c.committed[stroke.ID] = stroke
	c.unacked[stroke.ID] = struct{}{}
	c.state = Idle
	c.local = models.Stroke{}

	c.publishStrokeLocked(stroke)
	c.clearTempLocked()
	c.mu.Unlock()

	c.changed()
}

// PointerLeave behaves like PointerUp.
func (c *Controller) PointerLeave() {
	c.PointerUp()
}

// ClearBoard clears the room for everybody. The local view is emptied at
// once; other participants converge when the clear reaches them.
func (c *Controller) ClearBoard() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.enqueueLocked(publishJob{
		op: "clear room",
		run: func(ctx context.Context) error {
			return c.ch.ClearRoom(ctx, c.roomID)
		},
	})
	c.mu.Unlock()

	c.changed()
}

// Render returns what should be drawn now: committed strokes, then other
// players' in-progress strokes, then the local stroke.
func (c *Controller) Render() []models.Stroke {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Stroke, 0, len(c.committed)+len(c.remoteTemps)+1)
	for _, s := range c.committed {
		out = append(out, s.Clone())
	}
	models.SortStrokes(out)

	authors := make([]string, 0, len(c.remoteTemps))
	for author := range c.remoteTemps {
		authors = append(authors, author)
	}
	sort.Strings(authors)
	for _, author := range authors {
		t := c.remoteTemps[author]
		if author == c.self.ID {
			continue
		}
		if _, done := c.committed[t.ID]; done {
			continue
		}
		out = append(out, t.Clone())
	}

	if c.state == Drawing {
		out = append(out, c.local.Clone())
	}
	return out
}

// Close leaves the room. Cleanup is best effort and bounded by a short
// timeout; an unfinished leave is completed by lease expiry.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTempTimerLocked()
	close(c.outbox)
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	drainCtx, cancel := context.WithTimeout(ctx, closeTimeout)
	select {
	case <-c.outboxDone:
	case <-drainCtx.Done():
		c.logger.Warn().Msg("Pending publishes abandoned")
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := c.ch.ClearTempStroke(ctx, c.roomID, c.self.ID); err != nil {
		c.logger.Debug().Err(err).Msg("Clear temp on close failed")
	}
	if c.presence != nil {
		return c.presence.Leave(ctx, c.roomID, c.self.ID)
	}
	return nil
}

func (c *Controller) applyStrokes(u channel.StrokeUpdate) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if u.Cleared {
		c.resetLocked()
	}
	if u.Full {
		inSet := make(map[string]struct{}, len(u.Strokes))
		for _, s := range u.Strokes {
			inSet[s.ID] = struct{}{}
		}

		// Own strokes the set lacks may have been lost with a connection;
		// publishing again is harmless since stores keep the first copy.
		var missing []models.Stroke
		committed := make(map[string]models.Stroke, len(u.Strokes)+len(c.unacked))
		for id := range c.unacked {
			s, ok := c.committed[id]
			if !ok {
				continue
			}
			committed[id] = s
			if _, ok := inSet[id]; !ok {
				missing = append(missing, s)
			}
		}
		c.committed = committed

		models.SortStrokes(missing)
		for _, s := range missing {
			c.publishStrokeLocked(s)
		}
	}
	for _, s := range u.Strokes {
		c.committed[s.ID] = s
		delete(c.unacked, s.ID)
		if t, ok := c.remoteTemps[s.Author]; ok && t.ID == s.ID {
			delete(c.remoteTemps, s.Author)
		}
	}
	c.mu.Unlock()

	c.changed()
}

func (c *Controller) applyTemps(temps map[string]models.Stroke) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.remoteTemps = make(map[string]models.Stroke, len(temps))
	for author, s := range temps {
		if author == c.self.ID {
			continue
		}
		c.remoteTemps[author] = s
	}
	c.mu.Unlock()

	c.changed()
}

func (c *Controller) applyPlayers(players []models.Player) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.players = players
	c.mu.Unlock()

	c.changed()
}

// resetLocked empties the board and abandons the local stroke.
func (c *Controller) resetLocked() {
	c.committed = make(map[string]models.Stroke)
	c.unacked = make(map[string]struct{})
	c.remoteTemps = make(map[string]models.Stroke)
	if c.state == Drawing {
		c.stopTempTimerLocked()
		c.state = Idle
		c.local = models.Stroke{}
	}
	// A temp publish still queued would land after the clear.
	c.clearTempLocked()
}

func (c *Controller) publishStrokeLocked(stroke models.Stroke) {
	c.enqueueLocked(publishJob{
		op: "publish stroke",
		run: func(ctx context.Context) error {
			return c.ch.PublishStroke(ctx, c.roomID, stroke)
		},
		failed: func() { c.forgetUnacked(stroke.ID) },
	})
}

func (c *Controller) flushTemp() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tempTimer = nil
	if c.closed || c.state != Drawing {
		return
	}
	c.publishTempLocked()
}

func (c *Controller) publishTempLocked() {
	stroke := c.local
	c.lastTemp = time.Now()
	c.tempSent = true
	c.enqueueLocked(publishJob{
		op: "publish temp stroke",
		run: func(ctx context.Context) error {
			return c.ch.PublishTempStroke(ctx, c.roomID, c.self.ID, stroke)
		},
	})
}

func (c *Controller) clearTempLocked() {
	if !c.tempSent {
		return
	}
	c.tempSent = false
	c.enqueueLocked(publishJob{
		op: "clear temp stroke",
		run: func(ctx context.Context) error {
			return c.ch.ClearTempStroke(ctx, c.roomID, c.self.ID)
		},
	})
}

func (c *Controller) stopTempTimerLocked() {
	if c.tempTimer != nil {
		c.tempTimer.Stop()
		c.tempTimer = nil
	}
}

func (c *Controller) enqueueLocked(job publishJob) {
	if c.closed {
		return
	}
	select {
	case c.outbox <- job:
	default:
		c.logger.Warn().Str("op", job.op).Msg("Publish queue full, dropping")
		if job.failed != nil {
			go job.failed()
		}
	}
}

func (c *Controller) publishLoop() {
	defer close(c.outboxDone)

	for job := range c.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.PublishTimeout)
		err := job.run(ctx)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Str("op", job.op).Msg("Publish failed")
			if job.failed != nil {
				job.failed()
			}
		}
	}
}

func (c *Controller) forgetUnacked(id string) {
	c.mu.Lock()
	delete(c.unacked, id)
	c.mu.Unlock()
}

func (c *Controller) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}
