package ledger

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/fidarail/fida/crypto/hash"
	"github.com/fidarail/fida/crypto/keys"
	"github.com/fidarail/fida/encoding/canonical"
)

// Receipt is the signed, verifiable envelope returned to the issuer and
// accepted by /verify. It carries exactly the header fields plus event_hash
// and signature_b64u.
type Receipt struct {
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
	EventHash     string  `json:"event_hash"`
	Kid           string  `json:"kid"`
	SignatureB64U string  `json:"signature_b64u"`
	CanonAlg      string  `json:"canon_alg"`
	HashAlg       string  `json:"hash_alg"`
}

// Header rebuilds the signed header from receipt fields, applying the
// protocol defaults for the version and algorithm labels when a client
// omitted them.
func (r *Receipt) Header() *Header {
	h := &Header{
		Version:       r.Version,
		TenantID:      r.TenantID,
		EventID:       r.EventID,
		Seq:           r.Seq,
		IssuedAt:      r.IssuedAt,
		ProfileID:     r.ProfileID,
		EventType:     r.EventType,
		ActorRole:     r.ActorRole,
		ObjectRef:     r.ObjectRef,
		PayloadHash:   r.PayloadHash,
		PrevEventHash: r.PrevEventHash,
		Kid:           r.Kid,
		CanonAlg:      r.CanonAlg,
		HashAlg:       r.HashAlg,
	}
	if h.Version == "" {
		h.Version = Version
	}
	if h.CanonAlg == "" {
		h.CanonAlg = CanonAlg
	}
	if h.HashAlg == "" {
		h.HashAlg = HashAlg
	}
	return h
}

// IssueParams is the input to BuildReceipt. Seq and PrevEventHash come from
// the sequence allocator; Seed is the tenant's decrypted 32-byte signing
// seed.
type IssueParams struct {
	TenantID      string
	ProfileID     string
	EventType     string
	ActorRole     string
	ObjectRef     string
	Payload       json.RawMessage
	Kid           string
	Seed          []byte
	Seq           uint64
	PrevEventHash *string
	IssuedAt      time.Time
}

// Issued bundles the receipt with the canonical payload bytes persisted
// alongside it.
type Issued struct {
	Receipt      *Receipt
	PayloadCanon []byte
	PayloadHash  string
}

// BuildReceipt canonicalizes the payload, assembles and hashes the signed
// header, and signs the raw 32-byte digest with the tenant key. Signing the
// digest rather than the header bytes is part of the protocol; verifiers
// must match.
func BuildReceipt(p *IssueParams) (*Issued, error) {
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	payloadCanon, err := canonical.Transform(payload)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalize payload")
	}
	payloadHash := hash.Hex(payloadCanon)

	eventID, err := keys.NewEventID()
	if err != nil {
		return nil, err
	}
	header := &Header{
		Version:       Version,
		TenantID:      p.TenantID,
		EventID:       eventID,
		Seq:           p.Seq,
		IssuedAt:      p.IssuedAt.UTC().Format(time.RFC3339Nano),
		ProfileID:     p.ProfileID,
		EventType:     p.EventType,
		ActorRole:     p.ActorRole,
		ObjectRef:     p.ObjectRef,
		PayloadHash:   payloadHash,
		PrevEventHash: p.PrevEventHash,
		Kid:           p.Kid,
		CanonAlg:      CanonAlg,
		HashAlg:       HashAlg,
	}
	eventHash, err := ComputeEventHash(header)
	if err != nil {
		return nil, err
	}
	digest, err := hex.DecodeString(eventHash)
	if err != nil {
		return nil, errors.Wrap(err, "decode event hash")
	}
	priv, err := keys.FromSeed(p.Seed)
	if err != nil {
		return nil, err
	}
	rec := &Receipt{
		Version:       header.Version,
		TenantID:      header.TenantID,
		EventID:       header.EventID,
		Seq:           header.Seq,
		IssuedAt:      header.IssuedAt,
		ProfileID:     header.ProfileID,
		EventType:     header.EventType,
		ActorRole:     header.ActorRole,
		ObjectRef:     header.ObjectRef,
		PayloadHash:   header.PayloadHash,
		PrevEventHash: header.PrevEventHash,
		EventHash:     eventHash,
		Kid:           header.Kid,
		SignatureB64U: keys.SignB64U(priv, digest),
		CanonAlg:      header.CanonAlg,
		HashAlg:       header.HashAlg,
	}
	return &Issued{Receipt: rec, PayloadCanon: payloadCanon, PayloadHash: payloadHash}, nil
}

// MarshalReceipt encodes a receipt in canonical form. The idempotency store
// persists these bytes verbatim so a replayed request returns a
// byte-identical document.
func MarshalReceipt(r *Receipt) ([]byte, error) {
	return canonical.Marshal(r)
}
