// Package messages is the decrypted message store: the terminal
// destination of the atomic-store flow, queryable by the
// UI layer for chat history.
package messages

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shieldmsg/pingpong/internal/store"
)

// NewMessageID returns a fresh message-id for an outgoing message: a
// UUID, one of the two sender-chosen forms the protocol allows
// (the other being a content-derived tag, which callers that need
// deterministic retransmission can compute themselves).
func NewMessageID() string { return uuid.NewString() }

// messageIDLen is the canonical length of a derived incoming message-id.
const messageIDLen = 32

// DeriveIncomingMessageID computes the receiver-side message-id for a
// stored message: a deterministic tag over (content ∥ sender-address),
// so the same inbound blob always lands under the same id regardless
// of what the sender happened to embed in the wire frame. Two peers
// storing the same content from the same sender converge on one id,
// which is what lets the dedup guard and the unique (contact, id)
// index catch a retransmitted message.
func DeriveIncomingMessageID(content []byte, senderAddress string) string {
	h := sha256.New()
	h.Write(content)
	h.Write([]byte(senderAddress))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:messageIDLen]
}

// ErrDuplicate is returned when (contact, message-id) already exists.
// The dedup table should normally catch this first, but the unique
// index is the final backstop: the atomic insert is the guard.
var ErrDuplicate = errors.New("messages: duplicate message-id for contact")

// Row is one stored, decrypted message.
type Row struct {
	ID          int64
	MessageID   string
	ContactID   int64
	PingID      string
	MessageType int
	Content     []byte
	TimestampMs int64
	StoredAt    time.Time
}

// Store is the message table.
type Store struct {
	s *store.Store
}

// New returns a Store backed by s.
func New(s *store.Store) *Store { return &Store{s: s} }

// InsertTx stores a decrypted message inside an existing transaction,
// for use by the atomic-store flow: the message row, the
// ping-inbox MSG_STORED transition, and the received-ids dedup insert
// all commit together or not at all.
func (m *Store) InsertTx(tx *sql.Tx, row Row) error {
	res, err := tx.Exec(
		`INSERT INTO messages(message_id, contact_id, ping_id, message_type, content, timestamp_ms, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(contact_id, message_id) DO NOTHING`,
		row.MessageID, row.ContactID, row.PingID, row.MessageType, row.Content, row.TimestampMs, time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// ForContact returns every stored message with the given contact,
// ordered by timestamp: the one place that imposes an ordering, since
// the storage layer itself treats rows as unordered.
func (m *Store) ForContact(contactID int64) ([]*Row, error) {
	rows, err := m.s.DB().Query(
		`SELECT id, message_id, contact_id, ping_id, message_type, content, timestamp_ms, stored_at
		 FROM messages WHERE contact_id = ? ORDER BY timestamp_ms ASC`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		var r Row
		var storedAt int64
		if err := rows.Scan(&r.ID, &r.MessageID, &r.ContactID, &r.PingID, &r.MessageType, &r.Content, &r.TimestampMs, &storedAt); err != nil {
			return nil, err
		}
		r.StoredAt = time.UnixMilli(storedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}
