// Package ledger implements the FES-1.0 protocol core: signed event headers,
// receipts, receipt verification, and checkpoint headers. The package has no
// storage or transport dependencies; persistence lives in db and the HTTP
// surface in api.
package ledger

import (
	"github.com/fidarail/fida/crypto/hash"
	"github.com/fidarail/fida/encoding/canonical"
)

// Protocol constants embedded in every signed header.
const (
	Version  = "FES-1.0"
	CanonAlg = canonical.Alg
	HashAlg  = "SHA-256"
)

// Header is the signed event header. The key set and JSON names are part of
// the wire protocol and must not change. PrevEventHash is a pointer so the
// first event of a chain encodes as JSON null.
type Header struct {
	Version       string  `json:"version"`
	TenantID      string  `json:"tenant_id"`
	EventID       string  `json:"event_id"`
	Seq           uint64  `json:"seq"`
	IssuedAt      string  `json:"issued_at"`
	ProfileID     string  `json:"profile_id"`
	EventType     string  `json:"event_type"`
	ActorRole     string  `json:"actor_role"`
	ObjectRef     string  `json:"object_ref"`
	PayloadHash   string  `json:"payload_hash"`
	PrevEventHash *string `json:"prev_event_hash"`
	Kid           string  `json:"kid"`
	CanonAlg      string  `json:"canon_alg"`
	HashAlg       string  `json:"hash_alg"`
}

// ComputeEventHash hashes the canonical encoding of the header.
func ComputeEventHash(h *Header) (string, error) {
	b, err := canonical.Marshal(h)
	if err != nil {
		return "", err
	}
	return hash.Hex(b), nil
}
