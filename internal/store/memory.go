package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sketchguess/board/internal/models"
)

// MemoryStore is a single-process SyncStore for development and tests.
// It mirrors RedisStore semantics, including lease expiry and the idle
// expiry of rooms.
type MemoryStore struct {
	// writeMu is held across a mutation and the publish of its events, so
	// subscribers see events in the order the writes were applied.
	writeMu sync.Mutex

	mu    sync.Mutex
	now   func() time.Time
	rooms map[string]*memoryRoom
	subs  map[string]map[*memorySub]struct{}
}

type memoryRoom struct {
	strokes map[string]models.Stroke
	temps   map[string]models.Stroke
	players map[string]models.Player
	leases  map[string]time.Time
	touched time.Time
}

func (r *memoryRoom) empty() bool {
	return len(r.strokes) == 0 && len(r.temps) == 0 && len(r.players) == 0
}

type memorySub struct {
	ctx context.Context
	ch  chan models.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:   time.Now,
		rooms: make(map[string]*memoryRoom),
		subs:  make(map[string]map[*memorySub]struct{}),
	}
}

// SetClock replaces the time source used for leases.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// room returns the state of roomID for a write, creating it if needed.
// Callers hold s.mu.
func (s *MemoryStore) room(roomID string) *memoryRoom {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &memoryRoom{
			strokes: make(map[string]models.Stroke),
			temps:   make(map[string]models.Stroke),
			players: make(map[string]models.Player),
			leases:  make(map[string]time.Time),
		}
		s.rooms[roomID] = r
	}
	r.touched = s.now()
	return r
}

// lookup returns the state of roomID, or nil. Callers hold s.mu.
func (s *MemoryStore) lookup(roomID string) *memoryRoom {
	return s.rooms[roomID]
}

// dropIfEmpty forgets a room with nothing left in it. Callers hold s.mu.
func (s *MemoryStore) dropIfEmpty(roomID string) {
	if r, ok := s.rooms[roomID]; ok && r.empty() {
		delete(s.rooms, roomID)
	}
}

// publish delivers events to the room's subscribers. It must be called
// without s.mu held: delivery blocks until each subscriber has room or goes away.
func (s *MemoryStore) publish(events ...models.Event) {
	if len(events) == 0 {
		return
	}

	s.mu.Lock()
	subs := make([]*memorySub, 0, len(s.subs[events[0].RoomID]))
	for sub := range s.subs[events[0].RoomID] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		for _, ev := range events {
			if ev.Stroke != nil {
				c := ev.Stroke.Clone()
				ev.Stroke = &c
			}
			select {
			case sub.ch <- ev:
			case <-sub.ctx.Done():
			}
		}
	}
}

// AddStroke records a committed stroke.
func (s *MemoryStore) AddStroke(ctx context.Context, roomID string, stroke models.Stroke) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	r := s.room(roomID)
	if _, exists := r.strokes[stroke.ID]; exists {
		s.mu.Unlock()
		return nil
	}
	stroke = stroke.Clone()
	r.strokes[stroke.ID] = stroke
	s.mu.Unlock()

	s.publish(models.Event{Type: models.EventStrokeAdded, RoomID: roomID, Author: stroke.Author, Stroke: &stroke})
	return nil
}

// GetStrokes returns every committed stroke of a room, oldest first.
func (s *MemoryStore) GetStrokes(ctx context.Context, roomID string) ([]models.Stroke, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.lookup(roomID)
	if r == nil {
		return []models.Stroke{}, nil
	}
	strokes := make([]models.Stroke, 0, len(r.strokes))
	for _, stroke := range r.strokes {
		strokes = append(strokes, stroke.Clone())
	}
	models.SortStrokes(strokes)
	return strokes, nil
}

// SetTempStroke overwrites an author's in-progress slot.
func (s *MemoryStore) SetTempStroke(ctx context.Context, roomID, author string, stroke models.Stroke) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stroke = stroke.Clone()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.room(roomID).temps[author] = stroke
	s.mu.Unlock()

	s.publish(models.Event{Type: models.EventTempSet, RoomID: roomID, Author: author, Stroke: &stroke})
	return nil
}

// DeleteTempStroke empties an author's in-progress slot.
func (s *MemoryStore) DeleteTempStroke(ctx context.Context, roomID, author string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	existed := false
	if r := s.lookup(roomID); r != nil {
		_, existed = r.temps[author]
		delete(r.temps, author)
		s.dropIfEmpty(roomID)
	}
	s.mu.Unlock()

	if existed {
		s.publish(models.Event{Type: models.EventTempCleared, RoomID: roomID, Author: author})
	}
	return nil
}

// GetTempStrokes returns the in-progress strokes of a room keyed by author.
func (s *MemoryStore) GetTempStrokes(ctx context.Context, roomID string) (map[string]models.Stroke, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.lookup(roomID)
	if r == nil {
		return map[string]models.Stroke{}, nil
	}
	temps := make(map[string]models.Stroke, len(r.temps))
	for author, stroke := range r.temps {
		temps[author] = stroke.Clone()
	}
	return temps, nil
}

// AddPlayer registers a player with a lease of ttl.
func (s *MemoryStore) AddPlayer(ctx context.Context, roomID string, player models.Player, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	r := s.room(roomID)
	r.players[player.ID] = player
	r.leases[player.ID] = s.now().Add(ttl)
	s.mu.Unlock()

	s.publish(models.Event{Type: models.EventPlayersChanged, RoomID: roomID, Author: player.ID})
	return nil
}

// RenewPlayer extends a player's lease.
func (s *MemoryStore) RenewPlayer(ctx context.Context, roomID, playerID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.lookup(roomID)
	if r == nil {
		return false, nil
	}
	if _, ok := r.players[playerID]; !ok {
		return false, nil
	}
	r.touched = s.now()
	r.leases[playerID] = r.touched.Add(ttl)
	return true, nil
}

// RemovePlayer deregisters a player and drops its in-progress stroke.
func (s *MemoryStore) RemovePlayer(ctx context.Context, roomID, playerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	var hadPlayer, hadTemp bool
	if r := s.lookup(roomID); r != nil {
		_, hadPlayer = r.players[playerID]
		_, hadTemp = r.temps[playerID]
		delete(r.players, playerID)
		delete(r.leases, playerID)
		delete(r.temps, playerID)
		s.dropIfEmpty(roomID)
	}
	s.mu.Unlock()

	var events []models.Event
	if hadTemp {
		events = append(events, models.Event{Type: models.EventTempCleared, RoomID: roomID, Author: playerID})
	}
	if hadPlayer {
		events = append(events, models.Event{Type: models.EventPlayersChanged, RoomID: roomID, Author: playerID})
	}
	s.publish(events...)
	return nil
}

// GetPlayers returns the players of a room, earliest joiner first.
func (s *MemoryStore) GetPlayers(ctx context.Context, roomID string) ([]models.Player, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.lookup(roomID)
	if r == nil {
		return []models.Player{}, nil
	}
	players := make([]models.Player, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, p)
	}
	models.SortPlayers(players)
	return players, nil
}

// ExpirePlayers removes the players of a room whose lease has run out.
func (s *MemoryStore) ExpirePlayers(ctx context.Context, roomID string) ([]models.Player, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	r := s.lookup(roomID)
	if r == nil {
		s.mu.Unlock()
		return nil, nil
	}
	now := s.now()
	var expired []models.Player
	var events []models.Event
	for id, until := range r.leases {
		if until.After(now) {
			continue
		}
		expired = append(expired, r.players[id])
		if _, ok := r.temps[id]; ok {
			events = append(events, models.Event{Type: models.EventTempCleared, RoomID: roomID, Author: id})
		}
		delete(r.players, id)
		delete(r.leases, id)
		delete(r.temps, id)
	}
	s.dropIfEmpty(roomID)
	s.mu.Unlock()

	if len(expired) == 0 {
		return nil, nil
	}
	models.SortPlayers(expired)
	events = append(events, models.Event{Type: models.EventPlayersChanged, RoomID: roomID})
	s.publish(events...)
	return expired, nil
}

// ActiveRooms lists rooms with at least one registered player. Rooms left
// untouched for longer than the room TTL are forgotten on the way, as
// their Redis keys would expire.
func (s *MemoryStore) ActiveRooms(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idleSince := s.now().Add(-roomTTL)
	var rooms []string
	for id, r := range s.rooms {
		if r.touched.Before(idleSince) {
			delete(s.rooms, id)
			continue
		}
		if len(r.players) > 0 {
			rooms = append(rooms, id)
		}
	}
	sort.Strings(rooms)
	return rooms, nil
}

// ClearRoom drops every committed and in-progress stroke of a room.
func (s *MemoryStore) ClearRoom(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if r := s.lookup(roomID); r != nil {
		r.strokes = make(map[string]models.Stroke)
		r.temps = make(map[string]models.Stroke)
		r.touched = s.now()
		s.dropIfEmpty(roomID)
	}
	s.mu.Unlock()

	s.publish(models.Event{Type: models.EventRoomCleared, RoomID: roomID})
	return nil
}

// Subscribe returns the live feed of a room.
func (s *MemoryStore) Subscribe(ctx context.Context, roomID string) (<-chan models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySub{ctx: ctx, ch: make(chan models.Event, eventBuffer)}

	s.mu.Lock()
	if s.subs[roomID] == nil {
		s.subs[roomID] = make(map[*memorySub]struct{})
	}
	s.subs[roomID][sub] = struct{}{}
	s.mu.Unlock()

	out := make(chan models.Event)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.subs[roomID], sub)
			if len(s.subs[roomID]) == 0 {
				delete(s.subs, roomID)
			}
			s.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
