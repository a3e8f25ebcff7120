package ledger

import (
	"strings"
	"time"

	"github.com/fidarail/fida/crypto/hash"
	"github.com/fidarail/fida/crypto/keys"
	"github.com/fidarail/fida/encoding/canonical"
)

// CheckpointHeader is the platform-signed binding over a contiguous event
// range. Unlike event signing, the signature is over the canonical header
// bytes, not over a digest.
type CheckpointHeader struct {
	TenantID    string `json:"tenant_id"`
	FromSeq     uint64 `json:"from_seq"`
	ToSeq       uint64 `json:"to_seq"`
	LeafCount   int    `json:"leaf_count"`
	RootHash    string `json:"root_hash"`
	PageHash    string `json:"page_hash"`
	IssuedAt    string `json:"issued_at"`
	PlatformKid string `json:"platform_kid"`
}

// NewCheckpointHeader assembles a header for the given leaf batch.
func NewCheckpointHeader(tenantID string, fromSeq, toSeq uint64, root string, leaves []string, platformKid string, issuedAt time.Time) *CheckpointHeader {
	return &CheckpointHeader{
		TenantID:    tenantID,
		FromSeq:     fromSeq,
		ToSeq:       toSeq,
		LeafCount:   len(leaves),
		RootHash:    root,
		PageHash:    PageHash(leaves),
		IssuedAt:    issuedAt.UTC().Format(time.RFC3339Nano),
		PlatformKid: platformKid,
	}
}

// PageHash hashes the pipe-joined ASCII event-hash page, the integrity value
// carried by both checkpoints and export envelopes.
func PageHash(leaves []string) string {
	return hash.Hex([]byte(strings.Join(leaves, "|")))
}

// SignCheckpoint signs the canonical header bytes with the platform seed.
func SignCheckpoint(h *CheckpointHeader, platformSeed []byte) (string, error) {
	msg, err := canonical.Marshal(h)
	if err != nil {
		return "", err
	}
	priv, err := keys.FromSeed(platformSeed)
	if err != nil {
		return "", err
	}
	return keys.SignB64U(priv, msg), nil
}

// VerifyCheckpoint checks a checkpoint signature against the platform
// public key. Offline clients use this against the published JWKS.
func VerifyCheckpoint(h *CheckpointHeader, pubB64U, sigB64U string) bool {
	msg, err := canonical.Marshal(h)
	if err != nil {
		return false
	}
	pub, err := keys.PubFromB64U(pubB64U)
	if err != nil {
		return false
	}
	return keys.Verify(pub, msg, sigB64U)
}
