// Package envelope implements the Ping-Pong wire codec: framing,
// authenticated encryption, and parsing for every frame type in the
// protocol. Every frame is a type byte and the sender's X25519 key
// ahead of an encrypted body; the session crypto itself uses
// golang.org/x/crypto/nacl/box.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"io"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/shieldmsg/pingpong/pkg/wire"
)

// fillRandom fills buf with cryptographically secure random bytes.
func fillRandom(buf []byte) error {
	_, err := io.ReadFull(rand.Reader, buf)
	return err
}

// PingID is the 24-byte random identifier generated once per logical
// message at the sender.
type PingID [wire.PingIDLen]byte

// Hex returns the canonical 48-character hex encoding of a ping-id.
func (p PingID) Hex() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(p)*2)
	for i, b := range p {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// NewPingID draws 24 random bytes from crypto/rand via fillRandom.
func NewPingID() (PingID, error) {
	var id PingID
	if err := fillRandom(id[:]); err != nil {
		return PingID{}, err
	}
	return id, nil
}

// SequenceTracker persists and checks the per-(sender,receiver) monotonic
// sequence counter bound into each frame's associated data. Implementations
// must be safe for concurrent use.
type SequenceTracker interface {
	// Next returns the next sequence number to use when sending to peerKey,
	// persisting it before returning.
	Next(peerKey string) (uint64, error)
	// Accept validates that seq is strictly greater than the highest
	// sequence previously accepted from peerKey, and if so records it.
	Accept(peerKey string, seq uint64) (bool, error)
}

// Codec builds and opens wire frames for one local identity.
type Codec struct {
	signPub   ed25519.PublicKey
	signPriv  ed25519.PrivateKey
	agreePriv *[32]byte
	agreePub  [32]byte
	seq       SequenceTracker
}

// New creates a Codec bound to a local identity's signing and agreement
// keys plus a sequence tracker for outgoing/incoming replay protection.
func New(signPub ed25519.PublicKey, signPriv ed25519.PrivateKey, agreePriv *[32]byte, agreePub [32]byte, seq SequenceTracker) *Codec {
	return &Codec{signPub: signPub, signPriv: signPriv, agreePriv: agreePriv, agreePub: agreePub, seq: seq}
}

// OpenPingResult is what open_ping returns
type OpenPingResult struct {
	PingID         PingID
	SenderX25519   [32]byte
	SenderEd25519  ed25519.PublicKey
	PingTimestamp  time.Time
}

// buildBody seals plaintext for receiverX with the sequence number bound in
// as associated data (prepended to the plaintext before sealing, so a
// tampered sequence fails authentication).
func (c *Codec) buildBody(receiverX [32]byte, peerKey string, plaintext []byte) ([]byte, error) {
	seq, err := c.seq.Next(peerKey)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if err := fillRandom(nonce[:]); err != nil {
		return nil, err
	}

	withSeq := make([]byte, wire.SequenceLen+len(plaintext))
	binary.BigEndian.PutUint64(withSeq[:wire.SequenceLen], seq)
	copy(withSeq[wire.SequenceLen:], plaintext)

	sealed := box.Seal(nil, withSeq, &nonce, &receiverX, c.agreePriv)

	body := make([]byte, 0, wire.VersionLen+wire.SequenceLen+wire.NonceLen+len(sealed))
	body = append(body, wire.FrameVersion)
	seqBuf := make([]byte, wire.SequenceLen)
	binary.BigEndian.PutUint64(seqBuf, seq)
	body = append(body, seqBuf...)
	body = append(body, nonce[:]...)
	body = append(body, sealed...)
	return body, nil
}

// openBody reverses buildBody: validates version, checks the outer
// sequence against the tracker, decrypts, and checks the inner sequence
// (bound as associated data) matches the outer one exactly.
func (c *Codec) openBody(senderX [32]byte, peerKey string, body []byte) ([]byte, error) {
	if len(body) < wire.BodyOverhead {
		return nil, wire.ErrBadFrame
	}
	if body[0] != wire.FrameVersion {
		return nil, wire.ErrBadFrame
	}
	outerSeq := binary.BigEndian.Uint64(body[wire.VersionLen : wire.VersionLen+wire.SequenceLen])

	ok, err := c.seq.Accept(peerKey, outerSeq)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, wire.ErrStaleSequence
	}

	var nonce [24]byte
	copy(nonce[:], body[wire.VersionLen+wire.SequenceLen:wire.VersionLen+wire.SequenceLen+wire.NonceLen])
	ciphertext := body[wire.VersionLen+wire.SequenceLen+wire.NonceLen:]

	opened, ok := box.Open(nil, ciphertext, &nonce, &senderX, c.agreePriv)
	if !ok {
		return nil, wire.ErrDecryptionFailed
	}
	if len(opened) < wire.SequenceLen {
		return nil, wire.ErrBadFrame
	}
	innerSeq := binary.BigEndian.Uint64(opened[:wire.SequenceLen])
	if innerSeq != outerSeq {
		return nil, wire.ErrDecryptionFailed
	}
	return opened[wire.SequenceLen:], nil
}

func frameHeader(t wire.Type, senderX [32]byte) []byte {
	out := make([]byte, 0, wire.HeaderLen)
	out = append(out, byte(t))
	out = append(out, senderX[:]...)
	return out
}

// parseHeader splits the leading type byte and sender X25519 key from a
// raw wire frame, applying legacy normalization first. acceptable lists
// every wire type this listener may canonically receive; normalization
// only fires (defaulting to acceptable[0]) when the frame's first byte
// matches none of them.
func parseHeader(acceptable []wire.Type, raw []byte) (wire.Type, [32]byte, []byte, error) {
	normalized := true
	if len(raw) > 0 {
		for _, t := range acceptable {
			if wire.Type(raw[0]) == t {
				normalized = false
				break
			}
		}
	}
	if normalized {
		raw = NormalizeWireBytes(acceptable[0], raw)
	}
	if len(raw) < wire.HeaderLen {
		return 0, [32]byte{}, nil, wire.ErrBadFrame
	}
	t := wire.Type(raw[0])
	var senderX [32]byte
	copy(senderX[:], raw[wire.TypeByteLen:wire.HeaderLen])
	return t, senderX, raw[wire.HeaderLen:], nil
}

// NormalizeWireBytes prepends the expected type byte if the frame is in
// the legacy headerless form. Each listener is dedicated to
// one family of wire types, so the caller always knows what type byte a
// canonical frame on that listener would start with; a frame whose first
// byte doesn't match is legacy and missing its type byte entirely.
// Implementers must accept both forms on ingress and emit only the
// canonical form on egress; this codec never calls NormalizeWireBytes on
// its own build_* output.
func NormalizeWireBytes(expected wire.Type, raw []byte) []byte {
	if len(raw) > 0 && wire.Type(raw[0]) == expected {
		return raw
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, byte(expected))
	out = append(out, raw...)
	return out
}

// PeerKey derives the stable string key used to index the sequence
// tracker and ping-session map for a given peer's X25519 public key.
func PeerKey(x25519 [32]byte) string {
	return base64.RawURLEncoding.EncodeToString(x25519[:])
}

// --- PING ---

// BuildPing constructs a canonical PING frame
func (c *Codec) BuildPing(receiverX [32]byte, pingID PingID, ts time.Time) ([]byte, error) {
	tsMillis := ts.UnixMilli()
	plain := make([]byte, 0, wire.PingIDLen+wire.PingTimestampLen+ed25519.SignatureSize)
	plain = append(plain, pingID[:]...)
	tsBuf := make([]byte, wire.PingTimestampLen)
	binary.BigEndian.PutUint64(tsBuf, uint64(tsMillis))
	plain = append(plain, tsBuf...)
	plain = append(plain, c.signPub...)

	sig := c.Sign(pingID[:], tsBuf, c.signPub)
	plain = append(plain, sig...)

	body, err := c.buildBody(receiverX, PeerKey(receiverX), plain)
	if err != nil {
		return nil, err
	}
	frame := frameHeader(wire.TypePing, c.agreePub)
	return append(frame, body...), nil
}

// Sign produces the Ping authenticator over (ping-id ∥ timestamp ∥
// sender-idk)
func (c *Codec) Sign(pingID, tsBuf, signerPub []byte) []byte {
	msg := make([]byte, 0, len(pingID)+len(tsBuf)+len(signerPub))
	msg = append(msg, pingID...)
	msg = append(msg, tsBuf...)
	msg = append(msg, signerPub...)
	return ed25519.Sign(c.signPriv, msg)
}

// OpenPing parses and authenticates an inbound PING frame.
func (c *Codec) OpenPing(raw []byte) (*OpenPingResult, error) {
	t, senderX, rest, err := parseHeader([]wire.Type{wire.TypePing}, raw)
	if err != nil {
		return nil, err
	}
	if t != wire.TypePing {
		return nil, wire.ErrBadFrame
	}
	plain, err := c.openBody(senderX, PeerKey(senderX), rest)
	if err != nil {
		return nil, err
	}
	minLen := wire.PingIDLen + wire.PingTimestampLen + ed25519.PublicKeySize + ed25519.SignatureSize
	if len(plain) < minLen {
		return nil, wire.ErrBadFrame
	}
	var pid PingID
	copy(pid[:], plain[:wire.PingIDLen])
	tsBuf := plain[wire.PingIDLen : wire.PingIDLen+wire.PingTimestampLen]
	tsMillis := int64(binary.BigEndian.Uint64(tsBuf))
	signerPub := ed25519.PublicKey(plain[wire.PingIDLen+wire.PingTimestampLen : wire.PingIDLen+wire.PingTimestampLen+ed25519.PublicKeySize])
	sig := plain[wire.PingIDLen+wire.PingTimestampLen+ed25519.PublicKeySize : minLen]

	msg := make([]byte, 0, wire.PingIDLen+wire.PingTimestampLen+ed25519.PublicKeySize)
	msg = append(msg, pid[:]...)
	msg = append(msg, tsBuf...)
	msg = append(msg, signerPub...)
	if !ed25519.Verify(signerPub, msg, sig) {
		return nil, wire.ErrBadSignature
	}

	return &OpenPingResult{
		PingID:        pid,
		SenderX25519:  senderX,
		SenderEd25519: signerPub,
		PingTimestamp: time.UnixMilli(tsMillis),
	}, nil
}

// --- PONG ---

// BuildPong constructs a PONG frame; authenticated=false is a decline
//.
func (c *Codec) BuildPong(receiverX [32]byte, pingID PingID, authenticated bool) ([]byte, error) {
	plain := make([]byte, 0, wire.PingIDLen+1)
	plain = append(plain, pingID[:]...)
	if authenticated {
		plain = append(plain, 1)
	} else {
		plain = append(plain, 0)
	}
	body, err := c.buildBody(receiverX, PeerKey(receiverX), plain)
	if err != nil {
		return nil, err
	}
	frame := frameHeader(wire.TypePong, c.agreePub)
	return append(frame, body...), nil
}

// OpenPong parses an inbound PONG frame, returning the acknowledged
// ping-id and whether the peer accepted.
func (c *Codec) OpenPong(raw []byte) (PingID, bool, [32]byte, error) {
	t, senderX, rest, err := parseHeader([]wire.Type{wire.TypePong}, raw)
	if err != nil {
		return PingID{}, false, senderX, err
	}
	if t != wire.TypePong {
		return PingID{}, false, senderX, wire.ErrBadFrame
	}
	plain, err := c.openBody(senderX, PeerKey(senderX), rest)
	if err != nil {
		return PingID{}, false, senderX, err
	}
	if len(plain) < wire.PingIDLen+1 {
		return PingID{}, false, senderX, wire.ErrBadFrame
	}
	var pid PingID
	copy(pid[:], plain[:wire.PingIDLen])
	return pid, plain[wire.PingIDLen] == 1, senderX, nil
}

// --- TAP ---

// BuildTap constructs a presence-beacon TAP frame.
func (c *Codec) BuildTap(receiverX [32]byte) ([]byte, error) {
	body, err := c.buildBody(receiverX, PeerKey(receiverX), []byte{})
	if err != nil {
		return nil, err
	}
	frame := frameHeader(wire.TypeTap, c.agreePub)
	return append(frame, body...), nil
}

// OpenTap parses an inbound TAP frame, returning the sender's X25519 key.
func (c *Codec) OpenTap(raw []byte) ([32]byte, error) {
	t, senderX, rest, err := parseHeader([]wire.Type{wire.TypeTap}, raw)
	if err != nil {
		return senderX, err
	}
	if t != wire.TypeTap {
		return senderX, wire.ErrBadFrame
	}
	_, err = c.openBody(senderX, PeerKey(senderX), rest)
	return senderX, err
}

// --- PING_ACK / MESSAGE_ACK ---

// ackBody is a 1-byte tag distinguishing ping-id acks from message-id
// acks, followed by the id: the 24-byte ping-id, or the message-id bytes
// at whatever length the sender gave them.
const (
	ackTagPing    byte = 0
	ackTagMessage byte = 1
)

// BuildPingAck constructs a PING_ACK acknowledging pingID.
func (c *Codec) BuildPingAck(receiverX [32]byte, pingID PingID) ([]byte, error) {
	plain := append([]byte{ackTagPing}, pingID[:]...)
	body, err := c.buildBody(receiverX, PeerKey(receiverX), plain)
	if err != nil {
		return nil, err
	}
	frame := frameHeader(wire.TypePingAck, c.agreePub)
	return append(frame, body...), nil
}

// BuildMessageAck constructs a MESSAGE_ACK acknowledging a message-id.
func (c *Codec) BuildMessageAck(receiverX [32]byte, messageID string) ([]byte, error) {
	plain := append([]byte{ackTagMessage}, []byte(messageID)...)
	body, err := c.buildBody(receiverX, PeerKey(receiverX), plain)
	if err != nil {
		return nil, err
	}
	frame := frameHeader(wire.TypeMessageAck, c.agreePub)
	return append(frame, body...), nil
}

// AckResult is what opening a PING_ACK or MESSAGE_ACK frame yields.
type AckResult struct {
	SenderX25519 [32]byte
	IsPingAck    bool
	PingID       PingID
	MessageID    string
}

// OpenAck parses an inbound ACK frame of either kind.
func (c *Codec) OpenAck(raw []byte) (*AckResult, error) {
	t, senderX, rest, err := parseHeader([]wire.Type{wire.TypePingAck, wire.TypeMessageAck}, raw)
	if err != nil {
		return nil, err
	}
	if t != wire.TypePingAck && t != wire.TypeMessageAck {
		return nil, wire.ErrBadFrame
	}
	plain, err := c.openBody(senderX, PeerKey(senderX), rest)
	if err != nil {
		return nil, err
	}
	if len(plain) < 1 {
		return nil, wire.ErrBadFrame
	}
	res := &AckResult{SenderX25519: senderX}
	switch plain[0] {
	case ackTagPing:
		if len(plain) != 1+wire.PingIDLen {
			return nil, wire.ErrBadFrame
		}
		res.IsPingAck = true
		copy(res.PingID[:], plain[1:])
	case ackTagMessage:
		res.MessageID = string(plain[1:])
	default:
		return nil, wire.ErrBadFrame
	}
	return res, nil
}

// --- MESSAGE ---

// BuildMessage constructs a generic MESSAGE frame of the given wire type
// carrying an already-formed inner payload (text is raw UTF-8, voice/image
// carry an inner discriminator byte). The sender's app-level message-id is
// carried ahead of the payload (one length byte ∥ id bytes) so the
// receiver can echo it back in a MESSAGE_ACK once the message is stored.
func (c *Codec) BuildMessage(receiverX [32]byte, t wire.Type, messageID string, innerPayload []byte) ([]byte, error) {
	if len(messageID) > 255 {
		return nil, wire.ErrBadFrame
	}
	plain := make([]byte, 0, 1+len(messageID)+len(innerPayload))
	plain = append(plain, byte(len(messageID)))
	plain = append(plain, messageID...)
	plain = append(plain, innerPayload...)

	body, err := c.buildBody(receiverX, PeerKey(receiverX), plain)
	if err != nil {
		return nil, err
	}
	frame := frameHeader(t, c.agreePub)
	return append(frame, body...), nil
}

// OpenMessageResult is what opening a generic MESSAGE frame yields.
type OpenMessageResult struct {
	Type         wire.Type
	SenderX25519 [32]byte
	MessageID    string
	Payload      []byte
}

// OpenMessage parses any non-control frame whose type is a message type
//.
func (c *Codec) OpenMessage(raw []byte) (*OpenMessageResult, error) {
	if len(raw) < wire.HeaderLen {
		return nil, wire.ErrBadFrame
	}
	t := wire.Type(raw[0])
	var senderX [32]byte
	copy(senderX[:], raw[wire.TypeByteLen:wire.HeaderLen])
	rest := raw[wire.HeaderLen:]

	plain, err := c.openBody(senderX, PeerKey(senderX), rest)
	if err != nil {
		return nil, err
	}
	if len(plain) < 1 || len(plain) < 1+int(plain[0]) {
		return nil, wire.ErrBadFrame
	}
	idLen := int(plain[0])
	messageID := string(plain[1 : 1+idLen])
	payload := plain[1+idLen:]
	return &OpenMessageResult{Type: t, SenderX25519: senderX, MessageID: messageID, Payload: payload}, nil
}

// EncodeVoicePayload builds the inner voice payload: 0x01 ∥ duration(4, BE).
func EncodeVoicePayload(durationMillis uint32, audio []byte) []byte {
	out := make([]byte, 0, 1+4+len(audio))
	out = append(out, wire.InnerVoice)
	durBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(durBuf, durationMillis)
	out = append(out, durBuf...)
	return append(out, audio...)
}

// DecodeVoicePayload reverses EncodeVoicePayload.
func DecodeVoicePayload(payload []byte) (durationMillis uint32, audio []byte, err error) {
	if len(payload) < 5 || payload[0] != wire.InnerVoice {
		return 0, nil, wire.ErrBadFrame
	}
	return binary.BigEndian.Uint32(payload[1:5]), payload[5:], nil
}

// EncodeImagePayload builds the inner image payload: 0x02 ∥ image bytes.
func EncodeImagePayload(image []byte) []byte {
	return append([]byte{wire.InnerImage}, image...)
}

// DecodeImagePayload reverses EncodeImagePayload.
func DecodeImagePayload(payload []byte) ([]byte, error) {
	if len(payload) < 1 || payload[0] != wire.InnerImage {
		return nil, wire.ErrBadFrame
	}
	return payload[1:], nil
}

// EncodeBase64 / DecodeBase64 are the canonical base64 helpers for text-transport of raw
// wire bytes : the inbox's cached wire bytes are stored as
// unwrapped base64 strings.
func EncodeBase64(raw []byte) string { return base64.StdEncoding.EncodeToString(raw) }

func DecodeBase64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
