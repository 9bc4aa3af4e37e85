package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sketchguess/board/internal/metrics"
	"github.com/sketchguess/board/internal/models"
)

// eventBuffer is the per-subscriber backlog of undelivered events.
const eventBuffer = 256

// RedisStore keeps room state in Redis hashes and fans mutations out over
// Redis pub/sub.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying client for the rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// roomStrokesKey returns the key for a room's committed strokes hash (stroke ID -> JSON).
func roomStrokesKey(roomID string) string {
	return fmt.Sprintf("room:%s:strokes", roomID)
}

// roomTempKey returns the key for a room's in-progress strokes hash (author -> JSON).
func roomTempKey(roomID string) string {
	return fmt.Sprintf("room:%s:temp", roomID)
}

// roomPlayersKey returns the key for a room's players hash (player ID -> JSON).
func roomPlayersKey(roomID string) string {
	return fmt.Sprintf("room:%s:players", roomID)
}

// leaseKey returns the key whose TTL keeps a player listed.
func leaseKey(roomID, playerID string) string {
	return fmt.Sprintf("room:%s:lease:%s", roomID, playerID)
}

// roomEventsKey returns the pub/sub channel of a room.
func roomEventsKey(roomID string) string {
	return fmt.Sprintf("room:%s:events", roomID)
}

const activeRoomsKey = "rooms:active"

func observeLatency(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}

// Writes that race with a clear publish inside the same script or MULTI
// block as the write, so subscribers see events in the order Redis applied
// the writes.
var (
	// KEYS: strokes hash, events channel. ARGV: stroke ID, stroke, TTL seconds, event.
	addStrokeScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('PUBLISH', KEYS[2], ARGV[4])
return 1
`)

	// KEYS: temp hash, events channel. ARGV: author, event.
	deleteTempScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('PUBLISH', KEYS[2], ARGV[2])
return 1
`)
)

func (s *RedisStore) publish(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, roomEventsKey(ev.RoomID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// AddStroke records a committed stroke.
func (s *RedisStore) AddStroke(ctx context.Context, roomID string, stroke models.Stroke) error {
	defer observeLatency(time.Now())

	data, err := json.Marshal(stroke)
	if err != nil {
		return err
	}
	event, err := json.Marshal(models.Event{
		Type:   models.EventStrokeAdded,
		RoomID: roomID,
		Author: stroke.Author,
		Stroke: &stroke,
	})
	if err != nil {
		return err
	}

	keys := []string{roomStrokesKey(roomID), roomEventsKey(roomID)}
	if err := addStrokeScript.Run(ctx, s.client, keys, stroke.ID, data, int(roomTTL.Seconds()), event).Err(); err != nil {
		return fmt.Errorf("add stroke: %w", err)
	}
	return nil
}

// GetStrokes returns every committed stroke of a room, oldest first.
func (s *RedisStore) GetStrokes(ctx context.Context, roomID string) ([]models.Stroke, error) {
	defer observeLatency(time.Now())

	results, err := s.client.HVals(ctx, roomStrokesKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	strokes := make([]models.Stroke, 0, len(results))
	for _, data := range results {
		var stroke models.Stroke
		if err := json.Unmarshal([]byte(data), &stroke); err != nil {
			continue
		}
		strokes = append(strokes, stroke)
	}
	models.SortStrokes(strokes)

	return strokes, nil
}

// SetTempStroke overwrites an author's in-progress slot.
func (s *RedisStore) SetTempStroke(ctx context.Context, roomID, author string, stroke models.Stroke) error {
	defer observeLatency(time.Now())

	data, err := json.Marshal(stroke)
	if err != nil {
		return err
	}
	event, err := json.Marshal(models.Event{
		Type:   models.EventTempSet,
		RoomID: roomID,
		Author: author,
		Stroke: &stroke,
	})
	if err != nil {
		return err
	}

	key := roomTempKey(roomID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, author, data)
	pipe.Expire(ctx, key, roomTTL)
	pipe.Publish(ctx, roomEventsKey(roomID), event)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set temp stroke: %w", err)
	}
	return nil
}

// DeleteTempStroke empties an author's in-progress slot.
func (s *RedisStore) DeleteTempStroke(ctx context.Context, roomID, author string) error {
	defer observeLatency(time.Now())

	event, err := json.Marshal(models.Event{
		Type:   models.EventTempCleared,
		RoomID: roomID,
		Author: author,
	})
	if err != nil {
		return err
	}

	keys := []string{roomTempKey(roomID), roomEventsKey(roomID)}
	if err := deleteTempScript.Run(ctx, s.client, keys, author, event).Err(); err != nil {
		return fmt.Errorf("delete temp stroke: %w", err)
	}
	return nil
}

// GetTempStrokes returns the in-progress strokes of a room keyed by author.
func (s *RedisStore) GetTempStrokes(ctx context.Context, roomID string) (map[string]models.Stroke, error) {
	defer observeLatency(time.Now())

	results, err := s.client.HGetAll(ctx, roomTempKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	temps := make(map[string]models.Stroke, len(results))
	for author, data := range results {
		var stroke models.Stroke
		if err := json.Unmarshal([]byte(data), &stroke); err != nil {
			continue
		}
		temps[author] = stroke
	}

	return temps, nil
}

// AddPlayer registers a player with a lease of ttl.
func (s *RedisStore) AddPlayer(ctx context.Context, roomID string, player models.Player, ttl time.Duration) error {
	defer observeLatency(time.Now())

	data, err := json.Marshal(player)
	if err != nil {
		return err
	}

	key := roomPlayersKey(roomID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, player.ID, data)
	pipe.Set(ctx, leaseKey(roomID, player.ID), "1", ttl)
	pipe.Expire(ctx, key, roomTTL)
	pipe.SAdd(ctx, activeRoomsKey, roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	return s.publish(ctx, models.Event{
		Type:   models.EventPlayersChanged,
		RoomID: roomID,
		Author: player.ID,
	})
}

// RenewPlayer extends a player's lease.
func (s *RedisStore) RenewPlayer(ctx context.Context, roomID, playerID string, ttl time.Duration) (bool, error) {
	defer observeLatency(time.Now())

	exists, err := s.client.HExists(ctx, roomPlayersKey(roomID), playerID).Result()
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	if err := s.client.Set(ctx, leaseKey(roomID, playerID), "1", ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// RemovePlayer deregisters a player and drops its in-progress stroke.
func (s *RedisStore) RemovePlayer(ctx context.Context, roomID, playerID string) error {
	defer observeLatency(time.Now())

	pipe := s.client.TxPipeline()
	removed := pipe.HDel(ctx, roomPlayersKey(roomID), playerID)
	pipe.Del(ctx, leaseKey(roomID, playerID))
	tempRemoved := pipe.HDel(ctx, roomTempKey(roomID), playerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	s.deactivateIfEmpty(ctx, roomID)

	if tempRemoved.Val() > 0 {
		if err := s.publish(ctx, models.Event{Type: models.EventTempCleared, RoomID: roomID, Author: playerID}); err != nil {
			return err
		}
	}
	if removed.Val() == 0 {
		return nil
	}
	return s.publish(ctx, models.Event{
		Type:   models.EventPlayersChanged,
		RoomID: roomID,
		Author: playerID,
	})
}

// GetPlayers returns the players of a room, earliest joiner first.
func (s *RedisStore) GetPlayers(ctx context.Context, roomID string) ([]models.Player, error) {
	defer observeLatency(time.Now())

	results, err := s.client.HVals(ctx, roomPlayersKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	players := make([]models.Player, 0, len(results))
	for _, data := range results {
		var player models.Player
		if err := json.Unmarshal([]byte(data), &player); err != nil {
			continue
		}
		players = append(players, player)
	}
	models.SortPlayers(players)

	return players, nil
}

// ExpirePlayers removes the players of a room whose lease key has expired.
func (s *RedisStore) ExpirePlayers(ctx context.Context, roomID string) ([]models.Player, error) {
	defer observeLatency(time.Now())

	players, err := s.GetPlayers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(players) == 0 {
		s.deactivateIfEmpty(ctx, roomID)
		return nil, nil
	}

	pipe := s.client.Pipeline()
	leases := make([]*redis.IntCmd, len(players))
	for i, p := range players {
		leases[i] = pipe.Exists(ctx, leaseKey(roomID, p.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	var expired []models.Player
	for i, p := range players {
		if leases[i].Val() == 0 {
			expired = append(expired, p)
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}

	tx := s.client.TxPipeline()
	tempRemoved := make([]*redis.IntCmd, len(expired))
	for i, p := range expired {
		tx.HDel(ctx, roomPlayersKey(roomID), p.ID)
		tempRemoved[i] = tx.HDel(ctx, roomTempKey(roomID), p.ID)
	}
	if _, err := tx.Exec(ctx); err != nil {
		return nil, err
	}

	s.deactivateIfEmpty(ctx, roomID)

	for i, p := range expired {
		if tempRemoved[i].Val() > 0 {
			if err := s.publish(ctx, models.Event{Type: models.EventTempCleared, RoomID: roomID, Author: p.ID}); err != nil {
				return expired, err
			}
		}
	}
	return expired, s.publish(ctx, models.Event{Type: models.EventPlayersChanged, RoomID: roomID})
}

func (s *RedisStore) deactivateIfEmpty(ctx context.Context, roomID string) {
	n, err := s.client.HLen(ctx, roomPlayersKey(roomID)).Result()
	if err == nil && n == 0 {
		s.client.SRem(ctx, activeRoomsKey, roomID)
	}
}

// ActiveRooms lists rooms with at least one registered player.
func (s *RedisStore) ActiveRooms(ctx context.Context) ([]string, error) {
	defer observeLatency(time.Now())

	rooms, err := s.client.SMembers(ctx, activeRoomsKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(rooms)
	return rooms, nil
}

// ClearRoom drops every committed and in-progress stroke of a room.
func (s *RedisStore) ClearRoom(ctx context.Context, roomID string) error {
	defer observeLatency(time.Now())

	event, err := json.Marshal(models.Event{Type: models.EventRoomCleared, RoomID: roomID})
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, roomStrokesKey(roomID))
	pipe.Del(ctx, roomTempKey(roomID))
	pipe.Publish(ctx, roomEventsKey(roomID), event)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear room: %w", err)
	}
	return nil
}

// Subscribe returns the live feed of a room. It returns only after Redis
// confirmed the subscription, so every event published afterwards is
// delivered. A resubscription after a dropped connection is surfaced as an
// EventResync.
func (s *RedisStore) Subscribe(ctx context.Context, roomID string) (<-chan models.Event, error) {
	pubsub := s.client.Subscribe(ctx, roomEventsKey(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan models.Event, eventBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.ChannelWithSubscriptions()
		for {
			var ev models.Event

			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				switch m := m.(type) {
				case *redis.Subscription:
					if m.Kind != "subscribe" {
						continue
					}
					ev = models.Event{Type: models.EventResync, RoomID: roomID}
				case *redis.Message:
					if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
						continue
					}
				default:
					continue
				}
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
