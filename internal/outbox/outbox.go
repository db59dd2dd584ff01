// Package outbox implements the durable per-outgoing-message state
// machine: persistent retry counters and payload cache for every message
// this node has queued to send, following the same storage idiom as
// internal/inbox on the sender side's PING_SENT -> DELIVERED lifecycle.
package outbox

import (
	"database/sql"
	"errors"
	"time"

	"github.com/shieldmsg/pingpong/internal/store"
)

// Status is an outbox row's lifecycle status.
type Status int

const (
	// StatusPingSent is the row's state from creation until either the
	// Pong is refused or the message is delivered.
	StatusPingSent Status = 0
	// StatusDelivered is terminal: message-delivered = true : once message-delivered = true, status is terminal.
	StatusDelivered Status = 1
	// StatusRefused is terminal: the recipient declined the Pong, so a
	// decline ends the exchange and the sender drops the outbox row.
	StatusRefused Status = 2
	// StatusFailed is terminal: the retry worker exhausted its attempt
	// budget without a delivered message : retry worker reaps
	// after N attempts.
	StatusFailed Status = 3
)

// MaxRetryAttempts bounds the retry worker's 5-second-tick attempts
// before a row is reaped as FAILED.
const MaxRetryAttempts = 60 // ~5 minutes at a 5s tick

// RetryInterval is the retry worker's tick period.
const RetryInterval = 5 * time.Second

var (
	ErrNotFound = errors.New("outbox: local id not found")
	ErrTerminal = errors.New("outbox: row already in a terminal status")
)

// Row is an outbox record.
type Row struct {
	LocalID          int64
	ContactID        int64
	MessageID        string
	MessageType      int
	Plaintext        []byte
	AttachmentRef    string
	EncryptedPayload []byte
	PingID           string
	PingTimestampMs  int64
	Status           Status
	RetryCount       int
	LastRetryAt      time.Time
	PingDelivered    bool
	MessageDelivered bool
	SelfDestructAt   *time.Time
	ReadReceiptReq   bool
	CreatedAt        time.Time
}

func (r *Row) isTerminal() bool {
	return r.Status == StatusDelivered || r.Status == StatusRefused || r.Status == StatusFailed
}

// Outbox is the durable outbox store.
type Outbox struct {
	s *store.Store
}

// New returns an Outbox backed by s.
func New(s *store.Store) *Outbox { return &Outbox{s: s} }

// NewMessage is the input to Create: everything decided once, at send
// time, and never mutated afterward : ping-id and
// ping-timestamp are set at creation and never mutated.
type NewMessage struct {
	ContactID        int64
	MessageID        string
	MessageType      int
	Plaintext        []byte
	AttachmentRef    string
	EncryptedPayload []byte
	PingID           string
	PingTimestampMs  int64
	SelfDestructAt   *time.Time
	ReadReceiptReq   bool
}

// Create inserts a new PING_SENT outbox row : Creating an
// outgoing message: insert the outbox row in state PING_SENT.
func (o *Outbox) Create(m NewMessage) (localID int64, err error) {
	now := time.Now().UnixMilli()
	var selfDestruct any
	if m.SelfDestructAt != nil {
		selfDestruct = m.SelfDestructAt.UnixMilli()
	}
	res, err := o.s.DB().Exec(
		`INSERT INTO outbox(contact_id, message_id, message_type, plaintext, attachment_ref,
			encrypted_payload, ping_id, ping_timestamp_ms, status, retry_count, last_retry_at,
			ping_delivered, message_delivered, self_destruct_at, read_receipt_req, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, ?, ?, ?)`,
		m.ContactID, m.MessageID, m.MessageType, m.Plaintext, m.AttachmentRef,
		m.EncryptedPayload, m.PingID, m.PingTimestampMs, int(StatusPingSent),
		selfDestruct, boolToInt(m.ReadReceiptReq), now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Get loads a row by local id.
func (o *Outbox) Get(localID int64) (*Row, error) {
	row := o.s.DB().QueryRow(outboxSelect+` WHERE local_id = ?`, localID)
	return scanRow(row)
}

// GetByPingID loads a row by its ping-id, used by the Pong and ACK
// listeners to resolve an incoming ping-id back to an outbox row.
func (o *Outbox) GetByPingID(pingID string) (*Row, error) {
	row := o.s.DB().QueryRow(outboxSelect+` WHERE ping_id = ?`, pingID)
	return scanRow(row)
}

// GetByMessageID loads a row by (contact, message-id), used by the ACK
// listener to resolve a message-id acknowledgement.
func (o *Outbox) GetByMessageID(contactID int64, messageID string) (*Row, error) {
	row := o.s.DB().QueryRow(outboxSelect+` WHERE contact_id = ? AND message_id = ?`, contactID, messageID)
	return scanRow(row)
}

// PendingRetries returns every non-terminal row, the retry worker's
// per-tick candidate set. Runs on a 5-second tick.
func (o *Outbox) PendingRetries() ([]*Row, error) {
	rows, err := o.s.DB().Query(outboxSelect + ` WHERE status = ?`, int(StatusPingSent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanRowCols(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const outboxSelect = `SELECT local_id, contact_id, message_id, message_type, COALESCE(plaintext, ''),
	attachment_ref, COALESCE(encrypted_payload, ''), ping_id, ping_timestamp_ms, status,
	retry_count, last_retry_at, ping_delivered, message_delivered, self_destruct_at,
	read_receipt_req, created_at FROM outbox`

// ForContact returns every outbox row addressed to contactID, most
// recent first, for an operator CLI's inspection view.
func (o *Outbox) ForContact(contactID int64) ([]*Row, error) {
	rows, err := o.s.DB().Query(outboxSelect+` WHERE contact_id = ? ORDER BY created_at DESC, local_id DESC`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanRowCols(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row *sql.Row) (*Row, error) {
	r, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRowCols(row *sql.Rows) (*Row, error) { return scanInto(row) }

func scanInto(s scanner) (*Row, error) {
	var r Row
	var lastRetry, created, pingDeliveredInt, msgDeliveredInt, statusInt, readReceiptInt int64
	var selfDestruct sql.NullInt64
	if err := s.Scan(&r.LocalID, &r.ContactID, &r.MessageID, &r.MessageType, &r.Plaintext,
		&r.AttachmentRef, &r.EncryptedPayload, &r.PingID, &r.PingTimestampMs, &statusInt,
		&r.RetryCount, &lastRetry, &pingDeliveredInt, &msgDeliveredInt, &selfDestruct,
		&readReceiptInt, &created); err != nil {
		return nil, err
	}
	r.Status = Status(statusInt)
	r.LastRetryAt = time.UnixMilli(lastRetry)
	r.CreatedAt = time.UnixMilli(created)
	r.PingDelivered = pingDeliveredInt != 0
	r.MessageDelivered = msgDeliveredInt != 0
	r.ReadReceiptReq = readReceiptInt != 0
	if selfDestruct.Valid {
		t := time.UnixMilli(selfDestruct.Int64)
		r.SelfDestructAt = &t
	}
	return &r, nil
}

// MarkPingDelivered records that a PING_ACK arrived for this row's
// ping-id : mark ping-delivered and wake the send engine.
// It is a no-op, not an error, if the row has already gone terminal.
func (o *Outbox) MarkPingDelivered(localID int64) error {
	row, err := o.Get(localID)
	if err != nil {
		return err
	}
	if row.isTerminal() {
		return nil
	}
	_, err = o.s.DB().Exec(`UPDATE outbox SET ping_delivered = 1 WHERE local_id = ?`, localID)
	return err
}

// MarkDelivered records message-delivered = true and moves the row to
// the terminal DELIVERED status : mark message-delivered =
// true, status = DELIVERED, and stop.
func (o *Outbox) MarkDelivered(localID int64) error {
	row, err := o.Get(localID)
	if err != nil {
		return err
	}
	if row.Status == StatusDelivered {
		return nil
	}
	if row.isTerminal() {
		return ErrTerminal
	}
	_, err = o.s.DB().Exec(
		`UPDATE outbox SET status = ?, ping_delivered = 1, message_delivered = 1 WHERE local_id = ?`,
		int(StatusDelivered), localID)
	return err
}

// MarkRefused drops the row as REFUSED on a decline Pong.
func (o *Outbox) MarkRefused(localID int64) error {
	row, err := o.Get(localID)
	if err != nil {
		return err
	}
	if row.isTerminal() {
		return nil
	}
	_, err = o.s.DB().Exec(`UPDATE outbox SET status = ? WHERE local_id = ?`, int(StatusRefused), localID)
	return err
}

// RecordRetryAttempt bumps the retry counter and timestamp for a tick
// that re-Pinged without delivering, reaping the row to FAILED once
// MaxRetryAttempts is reached : retry worker reaps after N
// attempts.
func (o *Outbox) RecordRetryAttempt(localID int64) (reaped bool, err error) {
	row, err := o.Get(localID)
	if err != nil {
		return false, err
	}
	if row.isTerminal() {
		return false, nil
	}
	now := time.Now().UnixMilli()
	newCount := row.RetryCount + 1
	status := StatusPingSent
	if newCount >= MaxRetryAttempts {
		status = StatusFailed
	}
	_, err = o.s.DB().Exec(
		`UPDATE outbox SET retry_count = ?, last_retry_at = ?, status = ? WHERE local_id = ?`,
		newCount, now, int(status), localID)
	if err != nil {
		return false, err
	}
	return status == StatusFailed, nil
}

// CachePingWireBytes stores the built wire bytes for the Ping so the
// retry worker re-sends the same bytes rather than rebuilding them.
// Reusing encrypted_payload's column for this would conflate
// the message ciphertext with the Ping wire cache, so it is stored
// separately via attachment_ref's sibling column: cached_ping_wire.
func (o *Outbox) CachePingWireBytes(localID int64, wireBytes []byte) error {
	_, err := o.s.DB().Exec(`UPDATE outbox SET cached_ping_wire = ? WHERE local_id = ?`, wireBytes, localID)
	return err
}

// CachedPingWireBytes returns the cached Ping frame for this row, or nil
// if none has been cached yet.
func (o *Outbox) CachedPingWireBytes(localID int64) ([]byte, error) {
	var wireBytes []byte
	err := o.s.DB().QueryRow(`SELECT cached_ping_wire FROM outbox WHERE local_id = ?`, localID).Scan(&wireBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return wireBytes, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
