// Package pingsession implements the in-memory map of outstanding
// Pings, keyed by ping-id, consulted when building a Pong or a Message.
// The map is guarded by a short-held RWMutex, and expired entries are
// evicted by Sweep.
package pingsession

import (
	"sync"
	"time"

	"github.com/shieldmsg/pingpong/internal/envelope"
)

// Session is what C3 stores per outstanding ping.
type Session struct {
	SenderX25519  [32]byte
	SenderEd25519 []byte
	Timestamp     time.Time
	WireBytes     []byte
	createdAt     time.Time
}

// Store is the ping-session map. Reads and writes are short,
// mutex-guarded operations only: written only from the receive engine
// and read from both engines, with the lock never held across I/O.
type Store struct {
	mu       sync.RWMutex
	sessions map[envelope.PingID]*Session
	ttl      time.Duration
}

// DefaultTTL is the recommended eviction window for an unresolved
// session.
const DefaultTTL = 7 * 24 * time.Hour

// New creates an empty ping-session store with the given eviction TTL.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{sessions: make(map[envelope.PingID]*Session), ttl: ttl}
}

// Put records a session on successful open_ping.
func (s *Store) Put(id envelope.PingID, sess *Session) {
	sess.createdAt = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = sess
}

// Get retrieves a session by ping-id, if present and not expired.
func (s *Store) Get(id envelope.PingID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if time.Since(sess.createdAt) > s.ttl {
		return nil, false
	}
	return sess, true
}

// Delete removes a session, called once the Ping's original sender has
// sent its MESSAGE and the resulting MESSAGE_ACK has been observed.
func (s *Store) Delete(id envelope.PingID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Sweep evicts every session older than the store's TTL, returning the
// count removed. The daemon's periodic retention sweep (cmd/pingpongd)
// calls it.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if time.Since(sess.createdAt) > s.ttl {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of currently tracked sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
