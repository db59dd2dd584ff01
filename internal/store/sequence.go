package store

import (
	"database/sql"
	"errors"
)

// SequenceStore persists the per-(sender,receiver) monotonic sequence
// counter across process restarts. It implements
// envelope.SequenceTracker without importing the envelope package, so the
// dependency points the conventional way (store has no business knowing
// about wire framing).
type SequenceStore struct {
	s *Store
}

// NewSequenceStore returns a SequenceStore backed by s.
func NewSequenceStore(s *Store) *SequenceStore { return &SequenceStore{s: s} }

// Next returns and persists the next outgoing sequence number for peerKey.
func (q *SequenceStore) Next(peerKey string) (uint64, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	tx, err := q.s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var cur uint64
	err = tx.QueryRow(`SELECT counter FROM sequence_counters WHERE peer_key = ? AND direction = 'out'`, peerKey).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	next := cur + 1
	if _, err := tx.Exec(`INSERT INTO sequence_counters(peer_key, direction, counter) VALUES (?, 'out', ?)
		ON CONFLICT(peer_key, direction) DO UPDATE SET counter = excluded.counter`, peerKey, next); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// Accept validates and records an incoming sequence number, rejecting
// anything not strictly greater than the highest previously accepted
// value from peerKey.
func (q *SequenceStore) Accept(peerKey string, seq uint64) (bool, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	tx, err := q.s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var cur uint64
	err = tx.QueryRow(`SELECT counter FROM sequence_counters WHERE peer_key = ? AND direction = 'in'`, peerKey).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if seq <= cur {
		return false, nil
	}
	if _, err := tx.Exec(`INSERT INTO sequence_counters(peer_key, direction, counter) VALUES (?, 'in', ?)
		ON CONFLICT(peer_key, direction) DO UPDATE SET counter = excluded.counter`, peerKey, seq); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

