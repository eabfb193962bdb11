package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"
)

// defaultOpTimeout bounds each liveness write or cleanup.
const defaultOpTimeout = 2 * time.Second

// RoomStore is a Redis-aware implementation of app.RoomRepository.
// Notes:
//   - Rooms live in a local map; their state never leaves the process.
//   - Redis holds a liveness marker per room and a mirror of the last frozen
//     leaderboard, for dashboards outside the service. Nothing is read back.
//   - The map lock is never held across a Redis call.
type RoomStore struct {
	client    *redis.Client
	ttl       time.Duration
	opTimeout time.Duration

	mu    sync.RWMutex
	rooms map[string]*app.Room
}

func NewRoomStore(client *redis.Client, ttl time.Duration) *RoomStore {
	return &RoomStore{
		client:    client,
		ttl:       ttl,
		opTimeout: defaultOpTimeout,
		rooms:     make(map[string]*app.Room),
	}
}

func (s *RoomStore) Create(room *app.Room) error {
	s.mu.Lock()
	if _, ok := s.rooms[room.ID()]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: room %q", domain.ErrAlreadyExists, room.ID())
	}
	s.rooms[room.ID()] = room
	s.mu.Unlock()

	// best-effort liveness marker, written outside the lock
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	_ = s.client.Set(ctx, s.key(room.ID()), time.Now().UTC().Format(time.RFC3339), s.ttl).Err()
	return nil
}

func (s *RoomStore) Get(roomID string) (*app.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	return room, ok
}

func (s *RoomStore) Delete(roomID string) {
	s.mu.Lock()
	_, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	_ = s.client.Del(ctx, s.key(roomID), s.leaderboardKey(roomID)).Err()
}

// MirrorLeaderboard implements app.LeaderboardMirror and refreshes the liveness marker.
func (s *RoomStore) MirrorLeaderboard(ctx context.Context, roomID string, entries []domain.LeaderboardEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal leaderboard: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.leaderboardKey(roomID), data, s.ttl)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(roomID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror leaderboard: %w", err)
	}
	return nil
}

func (s *RoomStore) key(roomID string) string {
	return "quiz:room:" + roomID
}

func (s *RoomStore) leaderboardKey(roomID string) string {
	return "quiz:room:" + roomID + ":leaderboard"
}
