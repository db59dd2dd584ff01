package sendengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shieldmsg/pingpong/internal/contacts"
	"github.com/shieldmsg/pingpong/internal/envelope"
	"github.com/shieldmsg/pingpong/internal/eventbus"
	"github.com/shieldmsg/pingpong/internal/identity"
	"github.com/shieldmsg/pingpong/internal/outbox"
	"github.com/shieldmsg/pingpong/internal/store"
	"github.com/shieldmsg/pingpong/internal/transport"
	"github.com/shieldmsg/pingpong/pkg/wire"
)

type testRig struct {
	engine   *Engine
	outbox   *outbox.Outbox
	contacts *contacts.Store
	bob      int64
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	s, err := store.Open(store.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	alice, err := identity.Generate()
	require.NoError(t, err)
	bob, err := identity.Generate()
	require.NoError(t, err)

	seq := store.NewSequenceStore(s)
	codec := envelope.New(alice.SignPub, alice.SignPrivate(), alice.AgreePrivate(), alice.AgreePub, seq)

	ct := contacts.New(s)
	bobID, err := ct.Add(identity.Contact{
		DisplayName:    "bob",
		MessagingOnion: "bobaddressbobaddressbobaddressbobaddressbobaddr.onion",
		Ed25519Pub:     bob.SignPub,
		X25519Pub:      bob.AgreePub,
	})
	require.NoError(t, err)

	tr, err := transport.New(transport.Config{SocksAddr: "127.0.0.1:1"})
	require.NoError(t, err)

	ob := outbox.New(s)
	bus := eventbus.New()
	engine := New(codec, tr, ob, ct, bus, nil)

	return &testRig{engine: engine, outbox: ob, contacts: ct, bob: bobID}
}

func TestSendCreatesPingSentRow(t *testing.T) {
	rig := newTestRig(t)

	localID, err := rig.engine.Send(rig.bob, wire.TypeText, "m1", []byte("hi"))
	require.NoError(t, err)

	row, err := rig.outbox.Get(localID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPingSent, row.Status)
	require.Equal(t, "m1", row.MessageID)
	require.Len(t, row.PingID, 48) // hex-encoded 24-byte ping-id
	require.False(t, row.PingDelivered)
	require.False(t, row.MessageDelivered)

	wireBytes, err := rig.outbox.CachedPingWireBytes(localID)
	require.NoError(t, err)
	require.NotEmpty(t, wireBytes)
}

func TestOnPongObservedMarksPingDelivered(t *testing.T) {
	rig := newTestRig(t)
	localID, err := rig.engine.Send(rig.bob, wire.TypeText, "m2", []byte("hi"))
	require.NoError(t, err)
	row, err := rig.outbox.Get(localID)
	require.NoError(t, err)

	rig.engine.OnPongObserved(row.PingID, true)

	// Give the synchronous MarkPingDelivered call a moment to land
	// (OnPongObserved only backgrounds the message resend, not the
	// ping-delivered bookkeeping).
	time.Sleep(50 * time.Millisecond)
	row, err = rig.outbox.Get(localID)
	require.NoError(t, err)
	require.True(t, row.PingDelivered)
}

func TestOnPongObservedDeclineMarksRefused(t *testing.T) {
	rig := newTestRig(t)
	localID, err := rig.engine.Send(rig.bob, wire.TypeText, "m3", []byte("hi"))
	require.NoError(t, err)
	row, err := rig.outbox.Get(localID)
	require.NoError(t, err)

	rig.engine.OnPongObserved(row.PingID, false)

	row, err = rig.outbox.Get(localID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusRefused, row.Status)
}

func TestOnAckObservedPingAck(t *testing.T) {
	rig := newTestRig(t)
	localID, err := rig.engine.Send(rig.bob, wire.TypeText, "m4", []byte("hi"))
	require.NoError(t, err)
	row, err := rig.outbox.Get(localID)
	require.NoError(t, err)

	var pid envelope.PingID
	copy(pid[:], mustDecodeHex(t, row.PingID))
	rig.engine.OnAckObserved(rig.bob, &envelope.AckResult{IsPingAck: true, PingID: pid})

	row, err = rig.outbox.Get(localID)
	require.NoError(t, err)
	require.True(t, row.PingDelivered)
}

func TestOnAckObservedMessageAck(t *testing.T) {
	rig := newTestRig(t)
	localID, err := rig.engine.Send(rig.bob, wire.TypeText, "m5", []byte("hi"))
	require.NoError(t, err)

	rig.engine.OnAckObserved(rig.bob, &envelope.AckResult{MessageID: "m5"})

	row, err := rig.outbox.Get(localID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusDelivered, row.Status)
	require.True(t, row.MessageDelivered)
}

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()
	out := make([]byte, len(s)/2)
	for i := range out {
		hi := fromHexChar(s[i*2])
		lo := fromHexChar(s[i*2+1])
		out[i] = hi<<4 | lo
	}
	return out
}

func fromHexChar(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}
