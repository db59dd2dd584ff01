// Package store owns the single sqlite database shared by the outbox,
// ping-inbox, deduplication, ping-session, and contact tables: a
// guarded *sql.DB opened with a single-writer connection pool and a
// schema applied at open time.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the shared database handle. All package-level stores
// (outbox, inbox, dedup, contacts, messages) are constructed around
// the same *Store so sqlite serializes writes through one connection
// pool rather than each owning its own handle.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Config controls where the database file lives.
type Config struct {
	DataDir string
}

// Open creates the data directory if needed, opens the sqlite database in
// WAL mode, and applies the schema migration.
func Open(cfg Config) (*Store, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "pingpong.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}

	// sqlite only supports one writer at a time; serialize through a
	// single connection rather than fight the driver's pooling.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, path: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying connection for package-local stores to use.
func (s *Store) DB() *sql.DB { return s.db }

// BeginTx starts a transaction for callers that must coordinate writes
// across more than one table atomically, such as the atomic-store flow
// that inserts a message, transitions a ping-inbox row, and
// records a dedup id all-or-nothing.
func (s *Store) BeginTx() (*sql.Tx, error) { return s.db.Begin() }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// initSchema creates all tables this module owns.
func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	display_name     TEXT NOT NULL,
	messaging_onion  TEXT NOT NULL UNIQUE,
	ed25519_pub      BLOB NOT NULL,
	x25519_pub       BLOB NOT NULL,
	blocked          INTEGER NOT NULL DEFAULT 0,
	added_at         INTEGER NOT NULL,
	last_seen_addr   TEXT NOT NULL DEFAULT '',
	avatar_ref       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS outbox (
	local_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	contact_id        INTEGER NOT NULL,
	message_id        TEXT NOT NULL,
	message_type      INTEGER NOT NULL,
	plaintext         BLOB,
	attachment_ref    TEXT NOT NULL DEFAULT '',
	encrypted_payload BLOB,
	ping_id           TEXT NOT NULL,
	ping_timestamp_ms INTEGER NOT NULL,
	status            INTEGER NOT NULL,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	last_retry_at     INTEGER NOT NULL DEFAULT 0,
	ping_delivered    INTEGER NOT NULL DEFAULT 0,
	message_delivered INTEGER NOT NULL DEFAULT 0,
	self_destruct_at  INTEGER,
	read_receipt_req  INTEGER NOT NULL DEFAULT 0,
	cached_ping_wire  BLOB,
	created_at        INTEGER NOT NULL,
	UNIQUE(contact_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_outbox_ping_id ON outbox(ping_id);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);

CREATE TABLE IF NOT EXISTS ping_inbox (
	ping_id            TEXT PRIMARY KEY,
	contact_id         INTEGER NOT NULL,
	state              INTEGER NOT NULL,
	first_seen_at      INTEGER NOT NULL,
	last_change_at     INTEGER NOT NULL,
	cached_wire_bytes  TEXT,
	auto_retry_count   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ping_inbox_contact ON ping_inbox(contact_id);
CREATE INDEX IF NOT EXISTS idx_ping_inbox_state ON ping_inbox(state);

CREATE TABLE IF NOT EXISTS received_ids (
	namespace    TEXT NOT NULL,
	id           TEXT NOT NULL,
	received_at  INTEGER NOT NULL,
	PRIMARY KEY (namespace, id)
);
CREATE INDEX IF NOT EXISTS idx_received_ids_time ON received_ids(received_at);

CREATE TABLE IF NOT EXISTS ping_sessions (
	ping_id           TEXT PRIMARY KEY,
	sender_x25519     BLOB NOT NULL,
	sender_ed25519    BLOB NOT NULL,
	timestamp_ms      INTEGER NOT NULL,
	wire_bytes        TEXT NOT NULL,
	created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sequence_counters (
	peer_key      TEXT NOT NULL,
	direction     TEXT NOT NULL,
	counter       INTEGER NOT NULL,
	PRIMARY KEY (peer_key, direction)
);

CREATE TABLE IF NOT EXISTS messages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id    TEXT NOT NULL,
	contact_id    INTEGER NOT NULL,
	ping_id       TEXT NOT NULL,
	message_type  INTEGER NOT NULL,
	content       BLOB NOT NULL,
	timestamp_ms  INTEGER NOT NULL,
	stored_at     INTEGER NOT NULL,
	UNIQUE(contact_id, message_id)
);
`
	_, err := s.db.Exec(schema)
	return err
}
