package api

import (
	"encoding/json"

	"github.com/fidarail/fida/container/merkle"
	"github.com/fidarail/fida/ledger"
)

// BootstrapRequest names the platform owner; cosmetic only.
type BootstrapRequest struct {
	PlatformAdminName string `json:"platform_admin_name"`
}

// BootstrapResponse is returned exactly once per deployment; the admin API
// key is never recoverable afterwards.
type BootstrapResponse struct {
	PlatformKid          string `json:"platform_kid"`
	PlatformPublicKeyB64 string `json:"platform_public_key_b64u"`
	PlatformAdminAPIKey  string `json:"platform_admin_api_key"`
}

type TenantCreateRequest struct {
	Name string `json:"name"`
}

// TenantCreateResponse carries the four role secrets; like the bootstrap
// response, the raw keys appear only here.
type TenantCreateResponse struct {
	TenantID       string `json:"tenant_id"`
	IssuerAPIKey   string `json:"issuer_api_key"`
	VerifierAPIKey string `json:"verifier_api_key"`
	ExporterAPIKey string `json:"exporter_api_key"`
	AdminAPIKey    string `json:"admin_api_key"`
	ActiveKid      string `json:"active_kid"`
	PublicKeyB64U  string `json:"public_key_b64u"`
}

type APIKeyIssueRequest struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

type APIKeyIssueResponse struct {
	KeyID    string `json:"key_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	APIKey   string `json:"api_key"`
}

type RotateKeyResponse struct {
	TenantID string `json:"tenant_id"`
	NewKid   string `json:"new_kid"`
}

// IssueRequest appends one event. Empty profile, type and role fall back to
// the service defaults.
type IssueRequest struct {
	TenantID  string          `json:"tenant_id"`
	ProfileID string          `json:"profile_id"`
	EventType string          `json:"event_type"`
	ActorRole string          `json:"actor_role"`
	ObjectRef string          `json:"object_ref"`
	Payload   json.RawMessage `json:"payload"`
}

type VerifyRequest struct {
	Receipt ledger.Receipt `json:"receipt"`
}

// ExportItem is one ledger row on an export page. PayloadCanon is only
// populated for fmt=full.
type ExportItem struct {
	Seq           uint64  `json:"seq"`
	EventID       string  `json:"event_id"`
	IssuedAt      string  `json:"issued_at"`
	TenantID      string  `json:"tenant_id"`
	ProfileID     string  `json:"profile_id"`
	EventType     string  `json:"event_type"`
	ActorRole     string  `json:"actor_role"`
	ObjectRef     string  `json:"object_ref"`
	PayloadHash   string  `json:"payload_hash"`
	PrevEventHash *string `json:"prev_event_hash"`
	EventHash     string  `json:"event_hash"`
	Kid           string  `json:"kid"`
	SignatureB64U string  `json:"signature_b64u"`
	PayloadCanon  string  `json:"payload_canon,omitempty"`
	CheckpointID  *int64  `json:"checkpoint_id"`
	LeafIndex     *int    `json:"leaf_index"`
}

// ExportIntegrity lets a consumer check a page without trusting transport:
// from_root is the first row's prev hash, to_root the last row's hash, and
// page_hash covers the pipe-joined event hashes.
type ExportIntegrity struct {
	FromRoot string `json:"from_root"`
	ToRoot   string `json:"to_root"`
	Size     int    `json:"size"`
	PageHash string `json:"page_hash"`
}

type CheckpointOut struct {
	ID            int64  `json:"id"`
	TenantID      string `json:"tenant_id"`
	FromSeq       uint64 `json:"from_seq"`
	ToSeq         uint64 `json:"to_seq"`
	LeafCount     int    `json:"leaf_count"`
	MerkleRoot    string `json:"merkle_root"`
	PageHash      string `json:"page_hash"`
	PlatformKid   string `json:"platform_kid"`
	SignatureB64U string `json:"signature_b64u"`
	IssuedAt      string `json:"issued_at"`
}

type ExportEnvelope struct {
	TenantID   string          `json:"tenant_id"`
	Items      []*ExportItem   `json:"items"`
	NextCursor *string         `json:"next_cursor"`
	Checkpoint *CheckpointOut  `json:"checkpoint"`
	Integrity  ExportIntegrity `json:"integrity"`
}

type ProofResponse struct {
	TenantID     string           `json:"tenant_id"`
	CheckpointID int64            `json:"checkpoint_id"`
	EventID      string           `json:"event_id"`
	LeafIndex    int              `json:"leaf_index"`
	Leaf         string           `json:"leaf"`
	Root         string           `json:"root"`
	Siblings     []merkle.Sibling `json:"siblings"`
	ProofValid   bool             `json:"proof_valid"`
}

// JWK is the minimal OKP representation of an Ed25519 public key.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	X   string `json:"x"`
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}
