package rendezvous

import (
	"errors"
	"sync"
	"time"
)

// ErrTooManyRooms is returned by Store.Open when the room limit is reached.
var ErrTooManyRooms = errors.New("room limit reached")

// Room is a rendezvous point keyed by topic hex.
type Room struct {
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
	// EmptySince is zero while the room has members.
	EmptySince time.Time `json:"empty_since,omitempty"`
}

// Store is a thread-safe in-memory set of rooms. Rooms are created on first
// join and expire once they have been empty for longer than the TTL.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	ttl      time.Duration
	maxRooms int
	now      func() time.Time
}

// NewStore creates a store. maxRooms <= 0 disables the limit.
func NewStore(ttl time.Duration, maxRooms int) *Store {
	return &Store{
		rooms:    make(map[string]*Room),
		ttl:      ttl,
		maxRooms: maxRooms,
		now:      time.Now,
	}
}

// Open returns the room for topic, creating it if needed, and marks it occupied.
func (s *Store) Open(topic string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rooms[topic]; ok {
		r.EmptySince = time.Time{}
		return *r, nil
	}
	if s.maxRooms > 0 && len(s.rooms) >= s.maxRooms {
		return Room{}, ErrTooManyRooms
	}
	r := &Room{Topic: topic, CreatedAt: s.now()}
	s.rooms[topic] = r
	return *r, nil
}

// MarkEmpty starts the expiry clock for topic.
func (s *Store) MarkEmpty(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[topic]; ok && r.EmptySince.IsZero() {
		r.EmptySince = s.now()
	}
}

// Get retrieves a room by topic.
func (s *Store) Get(topic string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[topic]
	if !ok {
		return Room{}, false
	}
	return *r, true
}

// Count returns the number of rooms.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// CleanupExpired removes rooms that have been empty for longer than the TTL
// and returns their topics.
func (s *Store) CleanupExpired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for topic, r := range s.rooms {
		if r.EmptySince.IsZero() {
			continue
		}
		if now.Sub(r.EmptySince) >= s.ttl {
			delete(s.rooms, topic)
			removed = append(removed, topic)
		}
	}
	return removed
}
