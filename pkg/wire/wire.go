// Package wire defines the on-the-wire constants shared by every layer of
// the Ping-Pong protocol: the leading type byte, frame-size floors, and the
// errors the envelope codec and transport adapter report up to callers.
package wire

import "errors"

// Type is the first byte of every wire frame.
type Type byte

// Wire-type byte enumeration, bit-exact per the protocol's frame layout.
const (
	TypePing            Type = 0x01
	TypePong            Type = 0x02
	TypeText            Type = 0x03
	TypeVoice           Type = 0x04
	TypeTap             Type = 0x05
	TypePingAck         Type = 0x06
	TypeFriendRequest   Type = 0x07
	TypeMessageAck      Type = 0x08
	TypeImage           Type = 0x09
	TypePaymentRequest  Type = 0x0A
	TypePaymentSent     Type = 0x0B
	TypePaymentAccepted Type = 0x0C
	TypeProfileUpdate   Type = 0x0F
)

// String gives the print-friendly name of a wire type, in the spirit of the
// Transit.String() method every teacher message type implements.
func (t Type) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeText:
		return "TEXT"
	case TypeVoice:
		return "VOICE"
	case TypeTap:
		return "TAP"
	case TypePingAck:
		return "PING_ACK"
	case TypeFriendRequest:
		return "FRIEND_REQUEST"
	case TypeMessageAck:
		return "MESSAGE_ACK"
	case TypeImage:
		return "IMAGE"
	case TypePaymentRequest:
		return "PAYMENT_REQUEST"
	case TypePaymentSent:
		return "PAYMENT_SENT"
	case TypePaymentAccepted:
		return "PAYMENT_ACCEPTED"
	case TypeProfileUpdate:
		return "PROFILE_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// IsMessage reports whether t carries a payload that belongs in the
// message store (as opposed to being a protocol control frame).
func (t Type) IsMessage() bool {
	switch t {
	case TypeText, TypeVoice, TypeImage, TypePaymentRequest, TypePaymentSent, TypePaymentAccepted:
		return true
	default:
		return false
	}
}

// Inner payload discriminator bytes, independent of the outer wire-type
// byte: voice and image payloads carry their own leading byte inside
// the encrypted body.
const (
	InnerVoice byte = 0x01
	InnerImage byte = 0x02
)

// Frame-size constants.
const (
	// TypeByteLen is the length of the leading wire-type byte.
	TypeByteLen = 1
	// X25519PubLen is the length of the sender's X25519 public key frame.
	X25519PubLen = 32
	// VersionLen is the length of the body's version byte.
	VersionLen = 1
	// SequenceLen is the length of the big-endian sequence counter.
	SequenceLen = 8
	// NonceLen is the length of the random nacl/box nonce.
	NonceLen = 24
	// AuthenticatorLen is the length of the Poly1305 authenticator nacl/box appends.
	AuthenticatorLen = 16
	// PingIDLen is the length of a ping-id in raw bytes (hex-encoded to 48 chars on the wire record).
	PingIDLen = 24
	// PingTimestampLen is the length of the big-endian millisecond timestamp.
	PingTimestampLen = 8

	// HeaderLen is type_byte ∥ sender_x25519, present on every frame.
	HeaderLen = TypeByteLen + X25519PubLen
	// BodyOverhead is version ∥ sequence ∥ nonce ∥ authenticator, present in every encrypted body.
	BodyOverhead = VersionLen + SequenceLen + NonceLen + AuthenticatorLen

	// MessageIDLenPrefix is the one-byte length prefix ahead of the
	// app-level message-id embedded in every MESSAGE frame's plaintext.
	MessageIDLenPrefix = 1

	// MinTextFrameLen is the minimum legal length of a TEXT frame: header
	// plus body overhead, with zero-length plaintext (an empty
	// message-id and an empty inner payload).
	MinTextFrameLen = HeaderLen + BodyOverhead

	// FrameVersion is the only body version this codec emits or accepts.
	FrameVersion byte = 1
)

// Sentinel errors returned by the envelope codec.
var (
	ErrBadFrame         = errors.New("wire: bad frame")
	ErrDecryptionFailed = errors.New("wire: decryption failed")
	ErrBadSignature     = errors.New("wire: bad signature")
	ErrStaleSequence    = errors.New("wire: stale sequence")
	ErrUnknownType      = errors.New("wire: unknown type byte")
)

// PingExpiryDays is the maximum age, in days, of a Ping before it is
// rejected as expired.
const PingExpiryDays = 7
