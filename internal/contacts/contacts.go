// Package contacts persists the contact records the engines resolve
// senders and recipients against. The core consumes a read-only
// {display_name, messaging_onion, ed25519_pub, x25519_pub} view, but
// since this module owns the only persistence layer present, that
// view is backed by a real table here rather than assumed to live in
// an outer application.
package contacts

import (
	"crypto/ed25519"
	"database/sql"
	"errors"
	"time"

	"github.com/shieldmsg/pingpong/internal/envelope"
	"github.com/shieldmsg/pingpong/internal/identity"
	"github.com/shieldmsg/pingpong/internal/store"
)

// ErrNotFound is returned when a lookup matches no contact.
var ErrNotFound = errors.New("contacts: not found")

// Store is the contact table.
type Store struct {
	s *store.Store
}

// New returns a Store backed by s.
func New(s *store.Store) *Store { return &Store{s: s} }

// Add inserts a new contact.
func (c *Store) Add(contact identity.Contact) (int64, error) {
	res, err := c.s.DB().Exec(
		`INSERT INTO contacts(display_name, messaging_onion, ed25519_pub, x25519_pub, blocked, added_at, last_seen_addr, avatar_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		contact.DisplayName, contact.MessagingOnion, []byte(contact.Ed25519Pub), contact.X25519Pub[:],
		boolToInt(contact.Blocked), time.Now().UnixMilli(), contact.LastSeenAddress, contact.AvatarRef,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ByID looks up a contact by its local id.
func (c *Store) ByID(id int64) (*identity.Contact, error) {
	row := c.s.DB().QueryRow(contactSelect+` WHERE id = ?`, id)
	return scanContact(row)
}

// ByX25519 looks up a contact by their agreement key, the path the
// receive engine uses for every decrypted frame : X25519 key
// from the frame → contact lookup → session key.
func (c *Store) ByX25519(key [32]byte) (*identity.Contact, error) {
	row := c.s.DB().QueryRow(contactSelect+` WHERE x25519_pub = ?`, key[:])
	return scanContact(row)
}

// ByOnion looks up a contact by their hidden-service address.
func (c *Store) ByOnion(onion string) (*identity.Contact, error) {
	row := c.s.DB().QueryRow(contactSelect+` WHERE messaging_onion = ?`, onion)
	return scanContact(row)
}

const contactSelect = `SELECT id, display_name, messaging_onion, ed25519_pub, x25519_pub, blocked, added_at, last_seen_addr, avatar_ref FROM contacts`

func scanContact(row *sql.Row) (*identity.Contact, error) {
	var c identity.Contact
	var ed, x25519 []byte
	var blockedInt int
	var addedAt int64
	if err := row.Scan(&c.ID, &c.DisplayName, &c.MessagingOnion, &ed, &x25519, &blockedInt, &addedAt, &c.LastSeenAddress, &c.AvatarRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Ed25519Pub = ed25519.PublicKey(ed)
	copy(c.X25519Pub[:], x25519)
	c.Blocked = blockedInt != 0
	c.AddedAt = time.UnixMilli(addedAt)
	return &c, nil
}

// SetLastSeenAddress records the address a contact was last observed
// connecting from.
func (c *Store) SetLastSeenAddress(id int64, addr string) error {
	_, err := c.s.DB().Exec(`UPDATE contacts SET last_seen_addr = ? WHERE id = ?`, addr, id)
	return err
}

// SetBlocked toggles the blocked flag.
func (c *Store) SetBlocked(id int64, blocked bool) error {
	_, err := c.s.DB().Exec(`UPDATE contacts SET blocked = ? WHERE id = ?`, boolToInt(blocked), id)
	return err
}

// All returns every contact, for Tap-all-contacts broadcasts.
func (c *Store) All() ([]*identity.Contact, error) {
	rows, err := c.s.DB().Query(contactSelect)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.Contact
	for rows.Next() {
		var c2 identity.Contact
		var ed, x25519 []byte
		var blockedInt int
		var addedAt int64
		if err := rows.Scan(&c2.ID, &c2.DisplayName, &c2.MessagingOnion, &ed, &x25519, &blockedInt, &addedAt, &c2.LastSeenAddress, &c2.AvatarRef); err != nil {
			return nil, err
		}
		c2.Ed25519Pub = ed25519.PublicKey(ed)
		copy(c2.X25519Pub[:], x25519)
		c2.Blocked = blockedInt != 0
		c2.AddedAt = time.UnixMilli(addedAt)
		out = append(out, &c2)
	}
	return out, rows.Err()
}

// PeerKey is a convenience wrapper over envelope.PeerKey for callers
// that only hold a contact record.
func PeerKey(c *identity.Contact) string { return envelope.PeerKey(c.X25519Pub) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
