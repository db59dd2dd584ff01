package envelope

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/shieldmsg/pingpong/pkg/wire"
)

// memSeq is an in-memory SequenceTracker for tests: per-peer sent and
// accepted sequence counters kept in plain maps.
type memSeq struct {
	out map[string]uint64
	in  map[string]uint64
}

func newMemSeq() *memSeq {
	return &memSeq{out: map[string]uint64{}, in: map[string]uint64{}}
}

func (m *memSeq) Next(peerKey string) (uint64, error) {
	m.out[peerKey]++
	return m.out[peerKey], nil
}

func (m *memSeq) Accept(peerKey string, seq uint64) (bool, error) {
	if seq <= m.in[peerKey] {
		return false, nil
	}
	m.in[peerKey] = seq
	return true, nil
}

func newTestCodec(t *testing.T) (*Codec, [32]byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var agreePriv, agreePub [32]byte
	copy(agreePriv[:], priv.Seed())
	agreePriv[0] &= 248
	agreePriv[31] &= 127
	agreePriv[31] |= 64
	curve25519.ScalarBaseMult(&agreePub, &agreePriv)

	return New(pub, priv, &agreePriv, agreePub, newMemSeq()), agreePub
}

func TestPingPongRoundTrip(t *testing.T) {
	alice, aliceX := newTestCodec(t)
	bob, bobX := newTestCodec(t)

	pid, err := NewPingID()
	require.NoError(t, err)
	ts := time.Now()

	raw, err := alice.BuildPing(bobX, pid, ts)
	require.NoError(t, err)

	got, err := bob.OpenPing(raw)
	require.NoError(t, err)
	require.Equal(t, pid, got.PingID)
	require.Equal(t, aliceX, got.SenderX25519)
	require.WithinDuration(t, ts, got.PingTimestamp, time.Millisecond)

	pongRaw, err := bob.BuildPong(aliceX, pid, true)
	require.NoError(t, err)
	gotPid, ok, senderX, err := alice.OpenPong(pongRaw)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pid, gotPid)
	require.Equal(t, bobX, senderX)
}

func TestOpenPingWrongKeyFails(t *testing.T) {
	alice, _ := newTestCodec(t)
	bob, bobX := newTestCodec(t)
	mallory, _ := newTestCodec(t)

	pid, err := NewPingID()
	require.NoError(t, err)
	raw, err := alice.BuildPing(bobX, pid, time.Now())
	require.NoError(t, err)

	_, err = mallory.OpenPing(raw)
	require.ErrorIs(t, err, wire.ErrDecryptionFailed)
}

func TestStaleSequenceRejected(t *testing.T) {
	alice, _ := newTestCodec(t)
	bob, bobX := newTestCodec(t)

	pid, err := NewPingID()
	require.NoError(t, err)
	raw, err := alice.BuildPing(bobX, pid, time.Now())
	require.NoError(t, err)

	_, err = bob.OpenPing(raw)
	require.NoError(t, err)

	// Replay of the exact same frame must be rejected as stale.
	_, err = bob.OpenPing(raw)
	require.ErrorIs(t, err, wire.ErrStaleSequence)
}

func TestMinTextFrameBoundary(t *testing.T) {
	alice, _ := newTestCodec(t)
	_, bobX := newTestCodec(t)

	raw, err := alice.BuildMessage(bobX, wire.TypeText, "", nil)
	require.NoError(t, err)
	require.Equal(t, 82, len(raw), "header(33) + body overhead(49), zero-length message-id and payload")
	require.Equal(t, wire.MinTextFrameLen, len(raw))

	// One byte short of the minimum must fail as a bad frame.
	truncated := raw[:len(raw)-1]
	bob, _ := newTestCodec(t)
	_, err = bob.OpenMessage(truncated)
	require.Error(t, err)
}

func TestLegacyNormalization(t *testing.T) {
	alice, aliceX := newTestCodec(t)
	bob, bobX := newTestCodec(t)

	pid, err := NewPingID()
	require.NoError(t, err)
	raw, err := alice.BuildPing(bobX, pid, time.Now())
	require.NoError(t, err)

	// Simulate a legacy client: strip the leading type byte.
	legacy := raw[wire.TypeByteLen:]
	normalized := NormalizeWireBytes(wire.TypePing, legacy)
	require.Equal(t, raw, normalized)

	got, err := bob.OpenPing(legacy)
	require.NoError(t, err)
	require.Equal(t, pid, got.PingID)
	require.Equal(t, aliceX, got.SenderX25519)
}

func TestDeclinePong(t *testing.T) {
	alice, aliceX := newTestCodec(t)
	bob, _ := newTestCodec(t)

	pid, err := NewPingID()
	require.NoError(t, err)

	raw, err := bob.BuildPong(aliceX, pid, false)
	require.NoError(t, err)
	gotPid, ok, _, err := alice.OpenPong(raw)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, pid, gotPid)
}

func TestVoiceImageInnerPayload(t *testing.T) {
	voice := EncodeVoicePayload(1500, []byte("pcm-bytes"))
	dur, audio, err := DecodeVoicePayload(voice)
	require.NoError(t, err)
	require.Equal(t, uint32(1500), dur)
	require.Equal(t, []byte("pcm-bytes"), audio)

	img := EncodeImagePayload([]byte("jpeg-bytes"))
	got, err := DecodeImagePayload(img)
	require.NoError(t, err)
	require.Equal(t, []byte("jpeg-bytes"), got)
}

func TestMessageCarriesMessageID(t *testing.T) {
	alice, _ := newTestCodec(t)
	bob, _ := newTestCodec(t)

	raw, err := alice.BuildMessage(bob.agreePub, wire.TypeText, "msg-abc", []byte("hello"))
	require.NoError(t, err)

	got, err := bob.OpenMessage(raw)
	require.NoError(t, err)
	require.Equal(t, "msg-abc", got.MessageID)
	require.Equal(t, []byte("hello"), got.Payload)
	require.Equal(t, wire.TypeText, got.Type)
}

func TestAckRoundTrip(t *testing.T) {
	alice, aliceX := newTestCodec(t)
	bob, _ := newTestCodec(t)

	pid, err := NewPingID()
	require.NoError(t, err)

	raw, err := bob.BuildPingAck(aliceX, pid)
	require.NoError(t, err)
	ack, err := alice.OpenAck(raw)
	require.NoError(t, err)
	require.True(t, ack.IsPingAck)
	require.Equal(t, pid, ack.PingID)

	raw2, err := bob.BuildMessageAck(aliceX, "msg-123")
	require.NoError(t, err)
	ack2, err := alice.OpenAck(raw2)
	require.NoError(t, err)
	require.False(t, ack2.IsPingAck)
	require.Equal(t, "msg-123", ack2.MessageID)
}
