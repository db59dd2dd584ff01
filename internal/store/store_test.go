package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesSchemaAndIsReopenable(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Config{DataDir: dir})
	require.NoError(t, err)

	_, err = s.DB().Exec(`INSERT INTO contacts(display_name, messaging_onion, ed25519_pub, x25519_pub, added_at) VALUES (?, ?, ?, ?, ?)`,
		"alice", "a.onion", []byte("ed"), []byte("x25519"), 1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(Config{DataDir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	var count int
	require.NoError(t, reopened.DB().QueryRow(`SELECT count(*) FROM contacts`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestBeginTxCommitsAcrossTables(t *testing.T) {
	s, err := Open(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	tx, err := s.BeginTx()
	require.NoError(t, err)
	_, err = tx.Exec(`INSERT INTO received_ids(namespace, id, received_at) VALUES ('ping', 'abc', 0)`)
	require.NoError(t, err)
	_, err = tx.Exec(`INSERT INTO messages(message_id, contact_id, ping_id, message_type, content, timestamp_ms, stored_at)
		VALUES ('m1', 1, 'abc', 3, 'hi', 0, 0)`)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT count(*) FROM messages`).Scan(&count))
	require.Equal(t, 1, count)
}
