// Package identity holds the long-term Ed25519 signing identity, its
// deterministically derived X25519 agreement key, and the read-only
// contact view the core consumes.
package identity

import (
	"crypto/ed25519"
	"crypto/sha512"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
)

// Identity is a peer's long-term key pair. The X25519 key is derived once,
// at construction, from the Ed25519 seed and is never regenerated: it
// stays stable for the lifetime of the identity.
type Identity struct {
	SignPub   ed25519.PublicKey
	signPriv  ed25519.PrivateKey
	AgreePub  [32]byte
	agreePriv [32]byte
}

// Generate creates a fresh Identity from a new random Ed25519 seed.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return FromEd25519(priv), nil
}

// FromEd25519 derives an Identity from an existing Ed25519 private key,
// deriving the X25519 agreement pair via the standard Ed25519-seed-hash
// birational map (the same technique alpenhorn/vuvuzela-family clients use
// to avoid carrying two independent long-term secrets).
func FromEd25519(priv ed25519.PrivateKey) *Identity {
	id := &Identity{
		SignPub:  append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...),
		signPriv: append(ed25519.PrivateKey(nil), priv...),
	}
	id.agreePriv = edSeedToX25519(priv.Seed())
	curve25519.ScalarBaseMult(&id.AgreePub, &id.agreePriv)
	return id
}

// edSeedToX25519 hashes an Ed25519 seed with SHA-512 and clamps it into a
// valid X25519 scalar, the conventional Ed25519→X25519 conversion.
func edSeedToX25519(seed []byte) [32]byte {
	h := sha512.Sum512(seed)
	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}

// Sign authenticates arbitrary bytes under the long-term signing key (used
// to authenticate Ping bodies).
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.signPriv, message)
}

// AgreePrivate exposes the raw X25519 scalar for use with nacl/box.
func (id *Identity) AgreePrivate() *[32]byte {
	return &id.agreePriv
}

// SignPrivate exposes the raw Ed25519 private key for constructing an
// envelope.Codec bound to this identity.
func (id *Identity) SignPrivate() ed25519.PrivateKey {
	return id.signPriv
}

// Verify checks an Ed25519 signature against a sender's public key.
func Verify(signerPub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(signerPub, message, sig)
}

// LoadOrGenerate reads the long-term Ed25519 seed from path, generating
// and persisting a fresh one if the file doesn't exist yet. The file is
// written with 0600 permissions since it is the whole of a peer's
// long-term secret.
func LoadOrGenerate(path string) (*Identity, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, errors.Errorf("identity: %s: want %d byte seed, got %d", path, ed25519.SeedSize, len(seed))
		}
		return FromEd25519(ed25519.NewKeyFromSeed(seed)), nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "identity: read seed file")
	}

	id, err := Generate()
	if err != nil {
		return nil, errors.Wrap(err, "identity: generate")
	}
	if err := os.WriteFile(path, id.signPriv.Seed(), 0o600); err != nil {
		return nil, errors.Wrap(err, "identity: persist seed file")
	}
	return id, nil
}

// Contact is the read-only external view the core consumes for
// routing, extended with the bookkeeping fields an outer app would
// otherwise have nowhere to put, since this module owns the only
// persistence layer in the repo.
type Contact struct {
	ID              int64
	DisplayName     string
	MessagingOnion  string
	Ed25519Pub      ed25519.PublicKey
	X25519Pub       [32]byte
	Blocked         bool
	AddedAt         time.Time
	LastSeenAddress string
	AvatarRef       string
}
