package dedup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shieldmsg/pingpong/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTryInsertIdempotent(t *testing.T) {
	tbl := New(newTestStore(t))

	present, err := tbl.TryInsert(NamespacePing, "abc123")
	require.NoError(t, err)
	require.False(t, present)

	// Duplicate insert of the same ping-id is a detectable no-op.
	present, err = tbl.TryInsert(NamespacePing, "abc123")
	require.NoError(t, err)
	require.True(t, present)

	// Different namespace, same id string, is independent.
	present, err = tbl.TryInsert(NamespaceMessage, "abc123")
	require.NoError(t, err)
	require.False(t, present)
}

func TestPurgeRespectsRetention(t *testing.T) {
	tbl := New(newTestStore(t))
	_, err := tbl.TryInsert(NamespacePong, "p1")
	require.NoError(t, err)

	// Nothing is old enough to purge yet.
	n, err := tbl.Purge(NamespacePong)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = tbl.s.DB().Exec(`UPDATE received_ids SET received_at = 0 WHERE id = 'p1'`)
	require.NoError(t, err)

	n, err = tbl.Purge(NamespacePong)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
