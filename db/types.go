package db

import "time"

// PlatformState is the single platform row (id=1). Once the bootstrap lock
// is set no field may change outside an explicit rotation procedure.
type PlatformState struct {
	Bootstrapped    bool
	BootstrapLocked bool
	PlatformKid     string
	PlatformPubB64U string
	PlatformSeedEnc string
}

// Tenant carries the currently active signing key; historical keys live in
// tenant_keys.
type Tenant struct {
	TenantID  string
	Name      string
	ActiveKid string
	PubB64U   string
	SeedEnc   string
	CreatedAt time.Time
}

// TenantKey is one row of the per-tenant key history.
type TenantKey struct {
	Kid       string
	TenantID  string
	PubB64U   string
	SeedEnc   string
	Status    string
	CreatedAt time.Time
}

// API key roles and statuses.
const (
	RoleAdmin    = "admin"
	RoleIssuer   = "issuer"
	RoleVerifier = "verifier"
	RoleExporter = "exporter"

	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"

	TenantKeyActive  = "active"
	TenantKeyRetired = "retired"
)

// APIKey stores only the SHA-256 of the secret token; the raw secret is
// returned once at issuance and never persisted.
type APIKey struct {
	KeyID    string
	KeyHash  string
	TenantID string // empty = platform scope
	Role     string
	Status   string
}

// Event is the append-only ledger row. CheckpointID and LeafIndex start
// NULL and transition exactly once when a checkpoint binds the event.
type Event struct {
	ID            int64
	TenantID      string
	Seq           uint64
	EventID       string
	IssuedAt      string
	ProfileID     string
	EventType     string
	ActorRole     string
	ObjectRef     string
	PayloadCanon  string
	PayloadHash   string
	PrevEventHash *string
	EventHash     string
	Kid           string
	SignatureB64U string
	CheckpointID  *int64
	LeafIndex     *int
}

// Checkpoint anchors the events with seq in [FromSeq, ToSeq].
type Checkpoint struct {
	ID            int64
	TenantID      string
	FromSeq       uint64
	ToSeq         uint64
	LeafCount     int
	MerkleRoot    string
	PageHash      string
	PlatformKid   string
	SignatureB64U string
	IssuedAt      string
}
