package api

import (
	"context"

	"github.com/fidarail/fida/db"
	"github.com/fidarail/fida/ledger"
)

// Store is the persistence surface the handlers depend on; *db.Store is the
// production implementation and tests substitute fakes.
type Store interface {
	Ping(ctx context.Context) error

	PlatformState(ctx context.Context) (*db.PlatformState, error)
	Bootstrap(ctx context.Context, kid, pubB64U, seedEnc string, adminKey *db.APIKey) error
	LockBootstrap(ctx context.Context) error

	CreateTenant(ctx context.Context, t *db.Tenant, apiKeys []*db.APIKey) error
	TenantByID(ctx context.Context, tenantID string) (*db.Tenant, error)
	RotateTenantKey(ctx context.Context, tenantID string, newKey *db.TenantKey) error
	TenantKeys(ctx context.Context, tenantID string) ([]*db.TenantKey, error)

	InsertAPIKey(ctx context.Context, k *db.APIKey) error
	APIKeyByHash(ctx context.Context, keyHash string) (*db.APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID string) error

	IssueEvent(ctx context.Context, req *db.IssueRequest) ([]byte, bool, error)
	EventByID(ctx context.Context, tenantID, eventID string) (*db.Event, error)
	ExportPage(ctx context.Context, tenantID string, afterSeq uint64, limit int) ([]*db.Event, error)

	MaybeCheckpoint(ctx context.Context, tenantID string, batchSize int, platformSeed []byte, platformKid string) (int64, error)
	LatestCheckpoint(ctx context.Context, tenantID string) (*db.Checkpoint, error)
	CheckpointByID(ctx context.Context, id int64) (*db.Checkpoint, error)
	MerkleLayers(ctx context.Context, checkpointID int64) ([][]string, error)

	Audit(ctx context.Context, actor, action, tenantID, metaJSON, ip, ua string) error

	ledger.KeyResolver
	ledger.ChainChecker
}

var _ Store = (*db.Store)(nil)
