// Package dedup implements the received-ids table: an append-only,
// namespaced record of accepted Ping, Pong, and Message ids with a
// retention window. Uniqueness is enforced by the database's primary
// key, never by a read-then-write race: the atomic insert is the guard.
package dedup

import (
	"database/sql"
	"time"

	"github.com/shieldmsg/pingpong/internal/store"
)

// Namespace is one of the three dedup namespaces the protocol names.
type Namespace string

const (
	NamespacePing    Namespace = "PING"
	NamespacePong    Namespace = "PONG"
	NamespaceMessage Namespace = "MESSAGE"
)

// Retention windows per namespace : recommend 7 days for Pings
// and Messages, 1 day for Pongs.
var Retention = map[Namespace]time.Duration{
	NamespacePing:    7 * 24 * time.Hour,
	NamespacePong:    24 * time.Hour,
	NamespaceMessage: 7 * 24 * time.Hour,
}

// Table is the received-ids guard.
type Table struct {
	s *store.Store
}

// New returns a Table backed by s.
func New(s *store.Store) *Table { return &Table{s: s} }

// TryInsert attempts to record (namespace, id) as seen. It reports
// alreadyPresent=true, with no error, when the id was already recorded:
// a duplicate insert is a detectable no-op. Callers use this single
// round-trip as the sole source of truth for whether an id has been
// seen before, never a separate SELECT.
func (t *Table) TryInsert(namespace Namespace, id string) (alreadyPresent bool, err error) {
	return t.tryInsertWithExec(t.s.DB(), namespace, id)
}

// TryInsertTx is the same operation run inside an existing transaction,
// for use by the atomic-store flow which must check-then-insert
// the message-id dedup guard as part of one larger transaction.
func (t *Table) TryInsertTx(tx *sql.Tx, namespace Namespace, id string) (alreadyPresent bool, err error) {
	return t.tryInsertWithExec(tx, namespace, id)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (t *Table) tryInsertWithExec(e execer, namespace Namespace, id string) (bool, error) {
	res, err := e.Exec(
		`INSERT INTO received_ids(namespace, id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, id) DO NOTHING`,
		string(namespace), id, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Purge deletes entries older than this namespace's retention window. It
// runs as a background job, through PurgeAll, from the daemon's periodic
// retention sweep in cmd/pingpongd.
func (t *Table) Purge(namespace Namespace) (int64, error) {
	cutoff := time.Now().Add(-Retention[namespace]).UnixMilli()
	res, err := t.s.DB().Exec(`DELETE FROM received_ids WHERE namespace = ? AND received_at < ?`, string(namespace), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeAll purges every namespace, returning the total rows removed.
func (t *Table) PurgeAll() (int64, error) {
	var total int64
	for ns := range Retention {
		n, err := t.Purge(ns)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
