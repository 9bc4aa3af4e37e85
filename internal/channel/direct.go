package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sketchguess/board/internal/models"
	"github.com/sketchguess/board/internal/store"
)

const (
	// DefaultLeaseTTL is how long a player stays listed without a renewal.
	DefaultLeaseTTL = 15 * time.Second

	minBackoff = 250 * time.Millisecond
	maxBackoff = 5 * time.Second
)

var errFeedClosed = errors.New("room feed closed")

// Direct is a Channel backed by a store.SyncStore in the same process.
type Direct struct {
	store    store.SyncStore
	logger   zerolog.Logger
	leaseTTL time.Duration
}

// NewDirect creates a channel over s. A zero leaseTTL selects DefaultLeaseTTL.
func NewDirect(s store.SyncStore, leaseTTL time.Duration, logger zerolog.Logger) *Direct {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &Direct{
		store:    s,
		logger:   logger.With().Str("component", "direct").Logger(),
		leaseTTL: leaseTTL,
	}
}

// PublishStroke records a finished stroke.
func (d *Direct) PublishStroke(ctx context.Context, roomID string, stroke models.Stroke) error {
	if !models.ValidRoomID(roomID) {
		return models.ErrInvalidRoomID
	}
	return d.store.AddStroke(ctx, roomID, models.Commit(stroke))
}

// PublishTempStroke overwrites the author's in-progress slot.
func (d *Direct) PublishTempStroke(ctx context.Context, roomID, authorID string, stroke models.Stroke) error {
	if !models.ValidRoomID(roomID) {
		return models.ErrInvalidRoomID
	}
	return d.store.SetTempStroke(ctx, roomID, authorID, stroke)
}

// ClearTempStroke empties the author's in-progress slot.
func (d *Direct) ClearTempStroke(ctx context.Context, roomID, authorID string) error {
	if !models.ValidRoomID(roomID) {
		return models.ErrInvalidRoomID
	}
	return d.store.DeleteTempStroke(ctx, roomID, authorID)
}

// ClearRoom drops every stroke of the room.
func (d *Direct) ClearRoom(ctx context.Context, roomID string) error {
	if !models.ValidRoomID(roomID) {
		return models.ErrInvalidRoomID
	}
	return d.store.ClearRoom(ctx, roomID)
}

// SubscribeStrokes delivers the committed set, then additions. A clear of
// the board is delivered as a Cleared full set.
func (d *Direct) SubscribeStrokes(roomID string, fn func(StrokeUpdate)) func() {
	sub := newSubscriber(fn)
	return d.follow(roomID, sub.active.Store, func(ctx context.Context, events <-chan models.Event) error {
		seen := make(map[string]struct{})

		load := func(cleared bool) error {
			strokes, err := d.store.GetStrokes(ctx, roomID)
			if err != nil {
				return err
			}
			seen = make(map[string]struct{}, len(strokes))
			for _, s := range strokes {
				seen[s.ID] = struct{}{}
			}
			sub.deliver(StrokeUpdate{Strokes: strokes, Full: true, Cleared: cleared})
			return nil
		}

		if err := load(false); err != nil {
			return err
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-events:
				if !ok {
					return errFeedClosed
				}
				switch ev.Type {
				case models.EventStrokeAdded:
					if ev.Stroke == nil {
						continue
					}
					if _, dup := seen[ev.Stroke.ID]; dup {
						continue
					}
					seen[ev.Stroke.ID] = struct{}{}
					sub.deliver(StrokeUpdate{Strokes: []models.Stroke{*ev.Stroke}})
				case models.EventRoomCleared:
					// Reload rather than deliver an empty set: strokes added
					// after the clear may already be buffered behind it.
					if err := load(true); err != nil {
						return err
					}
				case models.EventResync:
					if err := load(false); err != nil {
						return err
					}
				}
			}
		}
	})
}

// SubscribeTempStrokes delivers the full in-progress map on every change.
func (d *Direct) SubscribeTempStrokes(roomID string, fn func(map[string]models.Stroke)) func() {
	sub := newSubscriber(fn)
	return d.follow(roomID, sub.active.Store, func(ctx context.Context, events <-chan models.Event) error {
		var temps map[string]models.Stroke

		load := func() error {
			var err error
			temps, err = d.store.GetTempStrokes(ctx, roomID)
			if err != nil {
				return err
			}
			sub.deliver(copyTemps(temps))
			return nil
		}

		if err := load(); err != nil {
			return err
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-events:
				if !ok {
					return errFeedClosed
				}
				switch ev.Type {
				case models.EventTempSet:
					if ev.Stroke == nil {
						continue
					}
					temps[ev.Author] = *ev.Stroke
				case models.EventTempCleared:
					if _, ok := temps[ev.Author]; !ok {
						continue
					}
					delete(temps, ev.Author)
				case models.EventRoomCleared, models.EventResync:
					if err := load(); err != nil {
						return err
					}
					continue
				default:
					continue
				}
				sub.deliver(copyTemps(temps))
			}
		}
	})
}

// SubscribePlayers delivers the full player set on every membership change.
func (d *Direct) SubscribePlayers(roomID string, fn func([]models.Player)) func() {
	sub := newSubscriber(fn)
	return d.follow(roomID, sub.active.Store, func(ctx context.Context, events <-chan models.Event) error {
		load := func() error {
			players, err := d.store.GetPlayers(ctx, roomID)
			if err != nil {
				return err
			}
			sub.deliver(players)
			return nil
		}

		if err := load(); err != nil {
			return err
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-events:
				if !ok {
					return errFeedClosed
				}
				if ev.Type != models.EventPlayersChanged && ev.Type != models.EventResync {
					continue
				}
				if err := load(); err != nil {
					return err
				}
			}
		}
	})
}

// follow keeps a subscription to the room feed alive until the returned
// function is called. The feed is opened before run loads its snapshot, so
// no mutation between the two is missed. A failed feed is reopened with
// capped exponential backoff and run starts over from a fresh snapshot.
func (d *Direct) follow(roomID string, setActive func(bool), run func(ctx context.Context, events <-chan models.Event) error) func() {
	ctx, cancel := context.WithCancel(context.Background())
	logger := d.logger.With().Str("room", roomID).Logger()

	go func() {
		backoff := minBackoff
		for {
			events, err := d.store.Subscribe(ctx, roomID)
			if err == nil {
				backoff = minBackoff
				err = run(ctx, events)
			}
			if ctx.Err() != nil {
				return
			}

			logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Room feed lost")

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			setActive(false)
			cancel()
		})
	}
}

// RegisterPlayer lists player in the room and keeps its lease alive until
// the handle is released. If this process dies the lease lapses and the
// presence reaper removes the player.
func (d *Direct) RegisterPlayer(ctx context.Context, roomID string, player models.Player) (Handle, error) {
	if !models.ValidRoomID(roomID) {
		return nil, models.ErrInvalidRoomID
	}
	if err := d.store.AddPlayer(ctx, roomID, player, d.leaseTTL); err != nil {
		return nil, err
	}

	leaseCtx, cancel := context.WithCancel(context.Background())
	l := &lease{
		d:      d,
		roomID: roomID,
		player: player,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: d.logger.With().Str("room", roomID).Str("player", player.ID).Logger(),
	}
	go l.renew(leaseCtx)
	return l, nil
}

type lease struct {
	d      *Direct
	roomID string
	player models.Player
	logger zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// renew extends the lease every third of its TTL. A player that was
// reaped while this process was still alive is registered again.
func (l *lease) renew(ctx context.Context) {
	defer close(l.done)

	interval := l.d.leaseTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		opCtx, cancel := context.WithTimeout(ctx, interval)
		ok, err := l.d.store.RenewPlayer(opCtx, l.roomID, l.player.ID, l.d.leaseTTL)
		if err == nil && !ok {
			l.logger.Info().Msg("Lease lost, registering again")
			err = l.d.store.AddPlayer(opCtx, l.roomID, l.player, l.d.leaseTTL)
		}
		cancel()

		if err != nil && ctx.Err() == nil {
			l.logger.Warn().Err(err).Msg("Lease renewal failed")
		}
	}
}

// Release stops renewal and removes the player. Only the first call has an effect.
func (l *lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		l.cancel()
		<-l.done
		err = l.d.store.RemovePlayer(ctx, l.roomID, l.player.ID)
	})
	return err
}
