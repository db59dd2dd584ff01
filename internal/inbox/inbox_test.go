package inbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shieldmsg/pingpong/internal/store"
)

func newTestInbox(t *testing.T) *Inbox {
	t.Helper()
	s, err := store.Open(store.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestCreateIsIdempotent(t *testing.T) {
	b := newTestInbox(t)

	created, err := b.Create("ping-1", 1, "d2lyZQ==")
	require.NoError(t, err)
	require.True(t, created)

	created, err = b.Create("ping-1", 1, "d2lyZQ==")
	require.NoError(t, err)
	require.False(t, created)

	row, err := b.Get("ping-1")
	require.NoError(t, err)
	require.Equal(t, StatePingSeen, row.State)
}

func TestHappyPathTransitions(t *testing.T) {
	b := newTestInbox(t)
	_, err := b.Create("ping-2", 1, "d2lyZQ==")
	require.NoError(t, err)

	require.NoError(t, b.MarkDownloadQueued("ping-2"))
	require.NoError(t, b.MarkPongSent("ping-2"))
	require.NoError(t, b.MarkMsgStored("ping-2"))

	row, err := b.Get("ping-2")
	require.NoError(t, err)
	require.Equal(t, StateMsgStored, row.State)
	require.Empty(t, row.CachedWireBytes, "wire bytes must be cleared on MSG_STORED")
}

func TestMsgStoredIsTerminal(t *testing.T) {
	b := newTestInbox(t)
	_, err := b.Create("ping-3", 1, "")
	require.NoError(t, err)
	require.NoError(t, b.MarkDownloadQueued("ping-3"))
	require.NoError(t, b.MarkPongSent("ping-3"))
	require.NoError(t, b.MarkMsgStored("ping-3"))

	require.ErrorIs(t, b.MarkPongSent("ping-3"), ErrInvalidTransition)
	require.ErrorIs(t, b.MarkDownloadQueued("ping-3"), ErrInvalidTransition)
}

func TestFailAutoDownloadBudget(t *testing.T) {
	b := newTestInbox(t)
	_, err := b.Create("ping-4", 1, "")
	require.NoError(t, err)
	require.NoError(t, b.MarkDownloadQueued("ping-4"))

	require.NoError(t, b.FailAutoDownload("ping-4"))
	row, err := b.Get("ping-4")
	require.NoError(t, err)
	require.Equal(t, StateFailedTemp, row.State)
	require.Equal(t, 1, row.AutoRetryCount)

	// A retry re-enters via PONG_SENT, not DOWNLOAD_QUEUED: a bare
	// FAILED_TEMP row cannot transition straight back to DOWNLOAD_QUEUED.
	require.ErrorIs(t, b.MarkDownloadQueued("ping-4"), ErrInvalidTransition)
	require.NoError(t, b.MarkPongSent("ping-4"))
	require.NoError(t, b.FailAutoDownload("ping-4"))
	row, err = b.Get("ping-4")
	require.NoError(t, err)
	require.Equal(t, StateFailedTemp, row.State)
	require.Equal(t, 2, row.AutoRetryCount)
}

func TestFailAutoDownloadExhaustsToManual(t *testing.T) {
	b := newTestInbox(t)
	_, err := b.Create("ping-5", 1, "")
	require.NoError(t, err)
	require.NoError(t, b.MarkDownloadQueued("ping-5"))

	for i := 0; i < MaxAutoRetries; i++ {
		require.NoError(t, b.FailAutoDownload("ping-5"))
	}

	row, err := b.Get("ping-5")
	require.NoError(t, err)
	require.Equal(t, StateManualRequired, row.State)
	require.Equal(t, MaxAutoRetries, row.AutoRetryCount)

	// Idempotent: calling again on a MANUAL_REQUIRED row is a no-op.
	require.NoError(t, b.FailAutoDownload("ping-5"))
	row2, err := b.Get("ping-5")
	require.NoError(t, err)
	require.Equal(t, MaxAutoRetries, row2.AutoRetryCount)
}

func TestWatchdogExpiresPongSent(t *testing.T) {
	b := newTestInbox(t)
	_, err := b.Create("ping-6", 1, "")
	require.NoError(t, err)
	require.NoError(t, b.MarkDownloadQueued("ping-6"))
	require.NoError(t, b.MarkPongSent("ping-6"))

	require.NoError(t, b.ExpirePongSentWatchdog("ping-6"))
	row, err := b.Get("ping-6")
	require.NoError(t, err)
	require.Equal(t, StateFailedTemp, row.State)

	// Watchdog firing on a row that already reached MSG_STORED is a no-op.
	_, err = b.Create("ping-7", 1, "")
	require.NoError(t, err)
	require.NoError(t, b.MarkDownloadQueued("ping-7"))
	require.NoError(t, b.MarkPongSent("ping-7"))
	require.NoError(t, b.MarkMsgStored("ping-7"))
	require.NoError(t, b.ExpirePongSentWatchdog("ping-7"))
	row, err = b.Get("ping-7")
	require.NoError(t, err)
	require.Equal(t, StateMsgStored, row.State)
}
