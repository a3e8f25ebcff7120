// Package keys implements the Ed25519 signing primitives of the ledger
// protocol: seed-based keypairs, key identifiers, and the base64url text
// encoding used for public keys and signatures.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"

	"github.com/fidarail/fida/crypto/hash"
)

// SeedLength is the raw Ed25519 seed size carried at rest.
const SeedLength = 32

// KidLength is the hex length of a key identifier.
const KidLength = 32

var ErrSeedLength = errors.New("ed25519 seed must be 32 bytes")

// B64U encodes raw bytes as URL-safe base64 without padding.
func B64U(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// B64UDecode decodes URL-safe base64, tolerating both padded and unpadded
// input.
func B64UDecode(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode base64url")
	}
	return b, nil
}

// NewKid returns a fresh opaque key identifier: the first 32 hex characters
// of the SHA-256 of 32 random bytes.
func NewKid() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", errors.Wrap(err, "read rng")
	}
	return hash.Hex(raw[:])[:KidLength], nil
}

// NewEventID returns a globally unique 32-hex event identifier drawn from a
// cryptographically strong RNG.
func NewEventID() (string, error) {
	return NewKid()
}

// NewSeed returns a fresh random 32-byte Ed25519 seed.
func NewSeed() ([]byte, error) {
	seed := make([]byte, SeedLength)
	if _, err := rand.Read(seed); err != nil {
		return nil, errors.Wrap(err, "read rng")
	}
	return seed, nil
}

// FromSeed rehydrates an Ed25519 private key from its raw 32-byte seed.
func FromSeed(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) != SeedLength {
		return nil, ErrSeedLength
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// PubB64U encodes the raw 32-byte public point.
func PubB64U(pub ed25519.PublicKey) string {
	return B64U(pub)
}

// PubFromB64U decodes a raw 32-byte public point.
func PubFromB64U(s string) (ed25519.PublicKey, error) {
	raw, err := B64UDecode(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// SignB64U signs msg and returns the signature as unpadded base64url.
func SignB64U(priv ed25519.PrivateKey, msg []byte) string {
	return B64U(ed25519.Sign(priv, msg))
}

// Verify reports whether sigB64U is a valid signature of msg under pub.
// Malformed input verifies as false, never as an error.
func Verify(pub ed25519.PublicKey, msg []byte, sigB64U string) bool {
	sig, err := B64UDecode(sigB64U)
	if err != nil || len(sig) != ed25519.SignatureSize || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
