// Package envelope wraps private key material at rest. The envelope layer is
// an interface so a KMS-backed sealer can replace the static master key
// without touching call sites.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"

	"github.com/fidarail/fida/crypto/keys"
)

// MasterKeyLength is the required AES-256 master key size.
const MasterKeyLength = 32

const nonceLength = 12

var (
	// ErrMasterKeyLength is a startup-fatal configuration error.
	ErrMasterKeyLength = errors.New("master key must be exactly 32 bytes")
	// ErrCiphertext covers truncated blobs and AEAD authentication failures.
	ErrCiphertext = errors.New("envelope ciphertext invalid")
)

// Sealer seals plaintext into an opaque blob and opens it back.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(blob string) ([]byte, error)
}

// AESGCM is the deployment-default Sealer: AES-256-GCM under a single
// 32-byte master key, blob layout nonce(12) || ciphertext || tag encoded as
// one unpadded base64url string. Associated data is empty.
type AESGCM struct {
	aead cipher.AEAD
}

var _ Sealer = (*AESGCM)(nil)

// NewAESGCM builds a sealer from the raw master key.
func NewAESGCM(masterKey []byte) (*AESGCM, error) {
	if len(masterKey) != MasterKeyLength {
		return nil, ErrMasterKeyLength
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, errors.Wrap(err, "init aes")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "init gcm")
	}
	return &AESGCM{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (s *AESGCM) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "read rng")
	}
	ct := s.aead.Seal(nil, nonce, plaintext, nil)
	return keys.B64U(append(nonce, ct...)), nil
}

// Open decrypts a blob produced by Seal.
func (s *AESGCM) Open(blob string) ([]byte, error) {
	raw, err := keys.B64UDecode(blob)
	if err != nil {
		return nil, errors.Wrap(ErrCiphertext, err.Error())
	}
	if len(raw) < nonceLength+s.aead.Overhead() {
		return nil, ErrCiphertext
	}
	pt, err := s.aead.Open(nil, raw[:nonceLength], raw[nonceLength:], nil)
	if err != nil {
		return nil, ErrCiphertext
	}
	return pt, nil
}
