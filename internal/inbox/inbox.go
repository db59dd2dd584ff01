// Package inbox implements the durable per-incoming-Ping state
// machine: the authoritative record of what the receiver owes each
// peer, one sqlite-backed row per ping-id, with state transitions
// driven from a single goroutine and persisted state kept minimal and
// monotonic.
package inbox

import (
	"database/sql"
	"errors"
	"time"

	"github.com/shieldmsg/pingpong/internal/store"
)

// State is a ping-inbox row's state, numbered exactly as the protocol enumerates.
type State int

const (
	StatePingSeen       State = 0
	StatePongSent       State = 1
	StateMsgStored      State = 2
	StateDownloadQueued State = 10
	StateFailedTemp     State = 11
	StateManualRequired State = 12
)

// MaxAutoRetries bounds how many auto-download failures a row tolerates
// before moving to MANUAL_REQUIRED.
const MaxAutoRetries = 3

// DownloadTimeout is how long a row may sit in PONG_SENT before the
// watchdog forces FAILED_TEMP.
const DownloadTimeout = 45 * time.Second

// Errors returned when a transition would violate the state machine.
var (
	ErrNotFound         = errors.New("inbox: ping-id not found")
	ErrInvalidTransition = errors.New("inbox: invalid state transition")
	ErrAlreadyExists    = errors.New("inbox: ping-id already exists")
)

// Row is a ping-inbox record.
type Row struct {
	PingID          string
	ContactID       int64
	State           State
	FirstSeenAt     time.Time
	LastChangeAt    time.Time
	CachedWireBytes string // base64, empty once cleared
	AutoRetryCount  int
}

// Inbox is the durable ping-inbox store.
type Inbox struct {
	s *store.Store
}

// New returns an Inbox backed by s.
func New(s *store.Store) *Inbox { return &Inbox{s: s} }

// allowedFrom lists the states a transition to `to` may legally originate
// from. MSG_STORED has no entry: it is terminal, with no transition
// back to PONG_SENT or earlier.
var allowedFrom = map[State][]State{
	StateDownloadQueued: {StatePingSeen},
	StatePongSent:       {StateDownloadQueued, StateFailedTemp},
	StateMsgStored:      {StatePongSent},
	StateFailedTemp:     {StateDownloadQueued, StatePongSent},
	StateManualRequired: {StateDownloadQueued, StatePongSent, StateFailedTemp},
}

func canTransition(from, to State) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Create inserts a new PING_SEEN row for pingID, upholding at-most-one
// row per ping-id: if the row already exists, Create is a no-op and
// reports created=false rather than erroring. The caller typically
// already consulted the dedup table, but Create stays safe to call
// unconditionally.
func (b *Inbox) Create(pingID string, contactID int64, cachedWireBytesB64 string) (created bool, err error) {
	now := time.Now().UnixMilli()
	res, err := b.s.DB().Exec(
		`INSERT INTO ping_inbox(ping_id, contact_id, state, first_seen_at, last_change_at, cached_wire_bytes, auto_retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT(ping_id) DO NOTHING`,
		pingID, contactID, int(StatePingSeen), now, now, cachedWireBytesB64,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get loads a row by ping-id.
func (b *Inbox) Get(pingID string) (*Row, error) {
	row := b.s.DB().QueryRow(
		`SELECT ping_id, contact_id, state, first_seen_at, last_change_at, COALESCE(cached_wire_bytes, ''), auto_retry_count
		 FROM ping_inbox WHERE ping_id = ?`, pingID)
	return scanRow(row)
}

func scanRow(row *sql.Row) (*Row, error) {
	var r Row
	var firstSeen, lastChange int64
	var state int
	if err := row.Scan(&r.PingID, &r.ContactID, &state, &firstSeen, &lastChange, &r.CachedWireBytes, &r.AutoRetryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.State = State(state)
	r.FirstSeenAt = time.UnixMilli(firstSeen)
	r.LastChangeAt = time.UnixMilli(lastChange)
	return &r, nil
}

// transition applies a validated state change, optionally clearing the
// cached wire bytes (done precisely when reaching MSG_STORED, per
// invariant iii).
func (b *Inbox) transition(pingID string, to State, clearWireBytes bool) error {
	row, err := b.Get(pingID)
	if err != nil {
		return err
	}
	if !canTransition(row.State, to) {
		return ErrInvalidTransition
	}
	now := time.Now().UnixMilli()
	if clearWireBytes {
		_, err = b.s.DB().Exec(`UPDATE ping_inbox SET state = ?, last_change_at = ?, cached_wire_bytes = NULL WHERE ping_id = ?`,
			int(to), now, pingID)
	} else {
		_, err = b.s.DB().Exec(`UPDATE ping_inbox SET state = ?, last_change_at = ? WHERE ping_id = ?`,
			int(to), now, pingID)
	}
	return err
}

// MarkDownloadQueued transitions PING_SEEN → DOWNLOAD_QUEUED: an
// auto-download has claimed this ping.
func (b *Inbox) MarkDownloadQueued(pingID string) error {
	return b.transition(pingID, StateDownloadQueued, false)
}

// MarkPongSent transitions DOWNLOAD_QUEUED → PONG_SENT. The caller is
// responsible for starting the single watchdog timer for this row
// : exactly one timeout authority.
func (b *Inbox) MarkPongSent(pingID string) error {
	return b.transition(pingID, StatePongSent, false)
}

// MarkMsgStored transitions PONG_SENT → MSG_STORED, clearing cached wire
// bytes. This must be called from within the same database transaction
// that inserts the message-store row;
// use MarkMsgStoredTx for that.
func (b *Inbox) MarkMsgStored(pingID string) error {
	return b.transition(pingID, StateMsgStored, true)
}

// MarkMsgStoredTx is MarkMsgStored run against an existing *sql.Tx.
func (b *Inbox) MarkMsgStoredTx(tx *sql.Tx, pingID string) error {
	row, err := scanRow(tx.QueryRow(
		`SELECT ping_id, contact_id, state, first_seen_at, last_change_at, COALESCE(cached_wire_bytes, ''), auto_retry_count
		 FROM ping_inbox WHERE ping_id = ?`, pingID))
	if err != nil {
		return err
	}
	if !canTransition(row.State, StateMsgStored) {
		return ErrInvalidTransition
	}
	_, err = tx.Exec(`UPDATE ping_inbox SET state = ?, last_change_at = ?, cached_wire_bytes = NULL WHERE ping_id = ?`,
		int(StateMsgStored), time.Now().UnixMilli(), pingID)
	return err
}

// FailAutoDownload records a failed auto-download attempt. It is
// idempotent and increments auto_retry_count atomically: the
// row moves to FAILED_TEMP while under budget, or MANUAL_REQUIRED once
// the budget is exhausted. Calling it on a row already in
// MANUAL_REQUIRED or MSG_STORED is a no-op.
func (b *Inbox) FailAutoDownload(pingID string) error {
	row, err := b.Get(pingID)
	if err != nil {
		return err
	}
	if row.State == StateManualRequired || row.State == StateMsgStored {
		return nil
	}
	if !canTransition(row.State, StateFailedTemp) && !canTransition(row.State, StateManualRequired) {
		return ErrInvalidTransition
	}

	next := StateFailedTemp
	if row.AutoRetryCount+1 >= MaxAutoRetries {
		next = StateManualRequired
	}
	now := time.Now().UnixMilli()
	_, err = b.s.DB().Exec(
		`UPDATE ping_inbox SET state = ?, last_change_at = ?, auto_retry_count = auto_retry_count + 1 WHERE ping_id = ?`,
		int(next), now, pingID)
	return err
}

// ExpirePongSentWatchdog is the watchdog's sole entrypoint: it forces a
// row still sitting in PONG_SENT past DownloadTimeout into FAILED_TEMP (or
// MANUAL_REQUIRED once retries are exhausted). A no-op if the row already
// moved on (e.g. MSG_STORED beat the watchdog).
func (b *Inbox) ExpirePongSentWatchdog(pingID string) error {
	row, err := b.Get(pingID)
	if err != nil {
		return err
	}
	if row.State != StatePongSent {
		return nil
	}
	return b.FailAutoDownload(pingID)
}

// MarkExpired transitions a stale row to MANUAL_REQUIRED directly, used
// when a Ping older than PingExpiryDays is found on download : a ping-inbox row older than 7 days is transitioned
// to MANUAL_REQUIRED.
func (b *Inbox) MarkExpired(pingID string) error {
	row, err := b.Get(pingID)
	if err != nil {
		return err
	}
	if row.State == StateMsgStored || row.State == StateManualRequired {
		return nil
	}
	_, err = b.s.DB().Exec(`UPDATE ping_inbox SET state = ?, last_change_at = ? WHERE ping_id = ?`,
		int(StateManualRequired), time.Now().UnixMilli(), pingID)
	return err
}

// PurgeOlderThan deletes ping-inbox rows whose first_seen_at predates the
// cutoff: the background reaper that keeps rows for the dedup retention
// window (e.g. 7 days) before purging them.
func (b *Inbox) PurgeOlderThan(cutoff time.Time) (int64, error) {
	res, err := b.s.DB().Exec(`DELETE FROM ping_inbox WHERE first_seen_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
