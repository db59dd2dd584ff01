package outbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shieldmsg/pingpong/internal/store"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	s, err := store.Open(store.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestCreateAssignsPingIDOnce(t *testing.T) {
	o := newTestOutbox(t)
	id, err := o.Create(NewMessage{
		ContactID: 1, MessageID: "m1", MessageType: 1,
		Plaintext: []byte("hi"), PingID: "P", PingTimestampMs: 1000,
	})
	require.NoError(t, err)

	row, err := o.Get(id)
	require.NoError(t, err)
	require.Equal(t, "P", row.PingID)
	require.Equal(t, int64(1000), row.PingTimestampMs)
	require.Equal(t, StatusPingSent, row.Status)
	require.False(t, row.PingDelivered)
	require.False(t, row.MessageDelivered)
}

func TestForContactOrdersMostRecentFirstAndFiltersByContact(t *testing.T) {
	o := newTestOutbox(t)
	_, err := o.Create(NewMessage{ContactID: 1, MessageID: "m1", PingID: "p1", PingTimestampMs: 1})
	require.NoError(t, err)
	_, err = o.Create(NewMessage{ContactID: 2, MessageID: "m2", PingID: "p2", PingTimestampMs: 2})
	require.NoError(t, err)
	id3, err := o.Create(NewMessage{ContactID: 1, MessageID: "m3", PingID: "p3", PingTimestampMs: 3})
	require.NoError(t, err)

	rows, err := o.ForContact(1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, id3, rows[0].LocalID)
}

func TestHappyPathDelivery(t *testing.T) {
	o := newTestOutbox(t)
	id, err := o.Create(NewMessage{ContactID: 1, MessageID: "m2", PingID: "P2", PingTimestampMs: 1})
	require.NoError(t, err)

	require.NoError(t, o.MarkPingDelivered(id))
	row, err := o.Get(id)
	require.NoError(t, err)
	require.True(t, row.PingDelivered)
	require.Equal(t, StatusPingSent, row.Status)

	require.NoError(t, o.MarkDelivered(id))
	row, err = o.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, row.Status)
	require.True(t, row.MessageDelivered)
}

func TestDeclinePongMarksRefused(t *testing.T) {
	o := newTestOutbox(t)
	id, err := o.Create(NewMessage{ContactID: 1, MessageID: "m3", PingID: "P3", PingTimestampMs: 1})
	require.NoError(t, err)

	require.NoError(t, o.MarkRefused(id))
	row, err := o.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusRefused, row.Status)

	// Terminal rows don't flip back on a later delivery signal.
	require.ErrorIs(t, o.MarkDelivered(id), ErrTerminal)
	row, err = o.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusRefused, row.Status)
}

func TestRetryExhaustionReapsToFailed(t *testing.T) {
	o := newTestOutbox(t)
	id, err := o.Create(NewMessage{ContactID: 1, MessageID: "m4", PingID: "P4", PingTimestampMs: 1})
	require.NoError(t, err)

	var reaped bool
	for i := 0; i < MaxRetryAttempts; i++ {
		reaped, err = o.RecordRetryAttempt(id)
		require.NoError(t, err)
	}
	require.True(t, reaped)

	row, err := o.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, row.Status)
	require.Equal(t, MaxRetryAttempts, row.RetryCount)

	// A terminal row ignores further retry bookkeeping.
	reaped, err = o.RecordRetryAttempt(id)
	require.NoError(t, err)
	require.False(t, reaped)
	row, err = o.Get(id)
	require.NoError(t, err)
	require.Equal(t, MaxRetryAttempts, row.RetryCount)
}

func TestPendingRetriesOnlyReturnsPingSent(t *testing.T) {
	o := newTestOutbox(t)
	id1, err := o.Create(NewMessage{ContactID: 1, MessageID: "m5", PingID: "P5", PingTimestampMs: 1})
	require.NoError(t, err)
	id2, err := o.Create(NewMessage{ContactID: 1, MessageID: "m6", PingID: "P6", PingTimestampMs: 1})
	require.NoError(t, err)
	require.NoError(t, o.MarkDelivered(id2))

	pending, err := o.PendingRetries()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id1, pending[0].LocalID)
}

func TestGetByPingIDAndMessageID(t *testing.T) {
	o := newTestOutbox(t)
	id, err := o.Create(NewMessage{ContactID: 7, MessageID: "m7", PingID: "P7", PingTimestampMs: 1})
	require.NoError(t, err)

	byPing, err := o.GetByPingID("P7")
	require.NoError(t, err)
	require.Equal(t, id, byPing.LocalID)

	byMsg, err := o.GetByMessageID(7, "m7")
	require.NoError(t, err)
	require.Equal(t, id, byMsg.LocalID)

	_, err = o.GetByPingID("does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCachePingWireBytesRoundTrip(t *testing.T) {
	o := newTestOutbox(t)
	id, err := o.Create(NewMessage{ContactID: 1, MessageID: "m8", PingID: "P8", PingTimestampMs: 1})
	require.NoError(t, err)

	empty, err := o.CachedPingWireBytes(id)
	require.NoError(t, err)
	require.Empty(t, empty)

	require.NoError(t, o.CachePingWireBytes(id, []byte("wire-bytes")))
	got, err := o.CachedPingWireBytes(id)
	require.NoError(t, err)
	require.Equal(t, []byte("wire-bytes"), got)
}
