package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidarail/fida/container/merkle"
	"github.com/fidarail/fida/crypto/hash"
	"github.com/fidarail/fida/crypto/keys"
	"github.com/fidarail/fida/ledger"
)

// Integration tests run only against a disposable database:
//
//	TEST_DATABASE_URL=postgres://localhost:5432/fida_test go test ./db/...
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(ctx))
	for _, table := range []string{
		"merkle_nodes", "checkpoints", "idempotency", "events",
		"tenant_state", "tenant_keys", "tenants", "api_keys", "audit_log",
	} {
		_, err := s.pool.Exec(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE platform_state SET bootstrapped = FALSE, bootstrap_locked = FALSE,
		 platform_kid = NULL, platform_pub_b64u = NULL, platform_seed_enc = NULL WHERE id = 1`)
	require.NoError(t, err)
	return s
}

func seedTestTenant(t *testing.T, s *Store, name string) (*Tenant, []byte) {
	t.Helper()
	ctx := context.Background()
	seed, err := keys.NewSeed()
	require.NoError(t, err)
	priv, err := keys.FromSeed(seed)
	require.NoError(t, err)
	kid, err := keys.NewKid()
	require.NoError(t, err)
	tenant := &Tenant{
		TenantID:  hash.Hex([]byte(name))[:24],
		Name:      name,
		ActiveKid: kid,
		PubB64U:   keys.B64U(priv[32:]),
		SeedEnc:   "sealed",
	}
	require.NoError(t, s.CreateTenant(ctx, tenant, []*APIKey{{
		KeyID: kid + "-key", KeyHash: hash.Hex([]byte(name + "-key")),
		TenantID: tenant.TenantID, Role: RoleIssuer, Status: KeyStatusActive,
	}}))
	return tenant, seed
}

func issueTestEvent(t *testing.T, s *Store, tenant *Tenant, seed []byte, objectRef, idemKey string) *ledger.Receipt {
	t.Helper()
	raw, _, err := s.IssueEvent(context.Background(), &IssueRequest{
		Tenant:    tenant,
		ProfileID: "HUMAN-MSP-01",
		EventType: "CHANGE",
		ActorRole: "agent",
		ObjectRef: objectRef,
		Payload:   json.RawMessage(`{"ref":"` + objectRef + `"}`),
		IdemKey:   idemKey,
		Seed:      seed,
	})
	require.NoError(t, err)
	var rec ledger.Receipt
	require.NoError(t, json.Unmarshal(raw, &rec))
	return &rec
}

func TestBootstrapLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state, err := s.PlatformState(ctx)
	require.NoError(t, err)
	assert.False(t, state.Bootstrapped)

	adminKey := &APIKey{
		KeyID: "admin-1", KeyHash: hash.Hex([]byte("admin-secret")),
		Role: RoleAdmin, Status: KeyStatusActive,
	}
	require.NoError(t, s.Bootstrap(ctx, "platform-kid", "pub", "sealed-seed", adminKey))

	state, err = s.PlatformState(ctx)
	require.NoError(t, err)
	assert.True(t, state.Bootstrapped)
	assert.Equal(t, "platform-kid", state.PlatformKid)

	err = s.Bootstrap(ctx, "kid2", "pub2", "seed2", &APIKey{KeyID: "admin-2", KeyHash: "h2", Role: RoleAdmin, Status: KeyStatusActive})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.LockBootstrap(ctx))
	err = s.Bootstrap(ctx, "kid3", "pub3", "seed3", &APIKey{KeyID: "admin-3", KeyHash: "h3", Role: RoleAdmin, Status: KeyStatusActive})
	assert.ErrorIs(t, err, ErrBootstrapLocked)

	got, err := s.APIKeyByHash(ctx, adminKey.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, "", got.TenantID)
	assert.Equal(t, RoleAdmin, got.Role)
}

func TestIssueEvent_ChainAndIdempotency(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant, seed := seedTestTenant(t, s, "acme")

	first := issueTestEvent(t, s, tenant, seed, "doc:1", "")
	assert.Equal(t, uint64(1), first.Seq)
	assert.Nil(t, first.PrevEventHash)

	second := issueTestEvent(t, s, tenant, seed, "doc:2", "op-1")
	assert.Equal(t, uint64(2), second.Seq)
	require.NotNil(t, second.PrevEventHash)
	assert.Equal(t, first.EventHash, *second.PrevEventHash)

	// Replay returns the stored receipt verbatim and allocates no sequence.
	raw, replayed, err := s.IssueEvent(ctx, &IssueRequest{
		Tenant: tenant, ProfileID: "HUMAN-MSP-01", EventType: "CHANGE", ActorRole: "agent",
		ObjectRef: "doc:other", Payload: json.RawMessage(`{}`), IdemKey: "op-1", Seed: seed,
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	var replayRec ledger.Receipt
	require.NoError(t, json.Unmarshal(raw, &replayRec))
	assert.Equal(t, second.EventID, replayRec.EventID)

	third := issueTestEvent(t, s, tenant, seed, "doc:3", "")
	assert.Equal(t, uint64(3), third.Seq)

	// The signature verifies against the stored key history.
	res := ledger.VerifyReceipt(ctx, third, s, s)
	assert.True(t, res.Valid)
	assert.True(t, res.ChainHintOK)
}

func TestIssueEvent_UnknownTenant(t *testing.T) {
	s := testStore(t)
	seed, err := keys.NewSeed()
	require.NoError(t, err)
	_, _, err = s.IssueEvent(context.Background(), &IssueRequest{
		Tenant: &Tenant{TenantID: "missing", ActiveKid: "kid"},
		Seed:   seed, ProfileID: "p", EventType: "t", ActorRole: "r",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRotateTenantKey_HistoryPreserved(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant, seed := seedTestTenant(t, s, "acme")
	oldKid := tenant.ActiveKid

	rec := issueTestEvent(t, s, tenant, seed, "doc:1", "")

	newSeed, err := keys.NewSeed()
	require.NoError(t, err)
	newPriv, err := keys.FromSeed(newSeed)
	require.NoError(t, err)
	newKid, err := keys.NewKid()
	require.NoError(t, err)
	require.NoError(t, s.RotateTenantKey(ctx, tenant.TenantID, &TenantKey{
		Kid: newKid, TenantID: tenant.TenantID,
		PubB64U: keys.B64U(newPriv[32:]), SeedEnc: "sealed2", Status: TenantKeyActive,
	}))

	got, err := s.TenantByID(ctx, tenant.TenantID)
	require.NoError(t, err)
	assert.Equal(t, newKid, got.ActiveKid)

	history, err := s.TenantKeys(ctx, tenant.TenantID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Receipts under the retired kid keep verifying.
	res := ledger.VerifyReceipt(ctx, rec, s, s)
	assert.True(t, res.Valid)

	_, err = s.ResolveKey(ctx, tenant.TenantID, oldKid)
	assert.NoError(t, err)
	_, err = s.ResolveKey(ctx, tenant.TenantID, "unknown-kid")
	assert.ErrorIs(t, err, ledger.ErrUnknownKey)
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant, _ := seedTestTenant(t, s, "acme")

	k := &APIKey{
		KeyID: "k-1", KeyHash: hash.Hex([]byte("secret")),
		TenantID: tenant.TenantID, Role: RoleVerifier, Status: KeyStatusActive,
	}
	require.NoError(t, s.InsertAPIKey(ctx, k))
	assert.ErrorIs(t, s.InsertAPIKey(ctx, k), ErrConflict)

	got, err := s.APIKeyByHash(ctx, k.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, tenant.TenantID, got.TenantID)

	require.NoError(t, s.RevokeAPIKey(ctx, k.KeyID))
	_, err = s.APIKeyByHash(ctx, k.KeyHash)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, k.KeyID), ErrNotFound)
}

func TestMaybeCheckpoint(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant, seed := seedTestTenant(t, s, "acme")

	platformSeed, err := keys.NewSeed()
	require.NoError(t, err)

	var hashes []string
	for i := 1; i <= 3; i++ {
		rec := issueTestEvent(t, s, tenant, seed, fmt.Sprintf("doc:%d", i), "")
		hashes = append(hashes, rec.EventHash)
	}

	// Not enough pending events for a batch of 4.
	id, err := s.MaybeCheckpoint(ctx, tenant.TenantID, 4, platformSeed, "platform-kid")
	require.NoError(t, err)
	assert.Zero(t, id)

	id, err = s.MaybeCheckpoint(ctx, tenant.TenantID, 2, platformSeed, "platform-kid")
	require.NoError(t, err)
	require.NotZero(t, id)

	cp, err := s.CheckpointByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cp.FromSeq)
	assert.Equal(t, uint64(2), cp.ToSeq)
	assert.Equal(t, 2, cp.LeafCount)

	expectedRoot, _ := merkle.Build(hashes[:2])
	assert.Equal(t, expectedRoot, cp.MerkleRoot)
	assert.Equal(t, ledger.PageHash(hashes[:2]), cp.PageHash)

	latest, err := s.LatestCheckpoint(ctx, tenant.TenantID)
	require.NoError(t, err)
	assert.Equal(t, id, latest.ID)

	// The stored layers reproduce a verifying proof for each bound event.
	layers, err := s.MerkleLayers(ctx, id)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		p, err := merkle.Prove(layers, i)
		require.NoError(t, err)
		assert.Equal(t, hashes[i], p.Leaf)
		assert.True(t, merkle.Verify(p))
	}

	// The third event stays unbound until its own batch fills.
	events, err := s.ExportPage(ctx, tenant.TenantID, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.NotNil(t, events[0].CheckpointID)
	assert.NotNil(t, events[1].CheckpointID)
	assert.Nil(t, events[2].CheckpointID)
}

func TestExportPage_Ordering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant, seed := seedTestTenant(t, s, "acme")
	for i := 1; i <= 5; i++ {
		issueTestEvent(t, s, tenant, seed, fmt.Sprintf("doc:%d", i), "")
	}

	page, err := s.ExportPage(ctx, tenant.TenantID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].Seq)
	assert.Equal(t, uint64(4), page[1].Seq)
}

func TestEventByIDAndChain(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenant, seed := seedTestTenant(t, s, "acme")
	rec := issueTestEvent(t, s, tenant, seed, "doc:1", "")

	e, err := s.EventByID(ctx, tenant.TenantID, rec.EventID)
	require.NoError(t, err)
	assert.Equal(t, rec.EventHash, e.EventHash)
	assert.Equal(t, `{"ref":"doc:1"}`, e.PayloadCanon)

	_, err = s.EventByID(ctx, tenant.TenantID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.HasEventHash(ctx, tenant.TenantID, rec.EventHash)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasEventHash(ctx, tenant.TenantID, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAudit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Audit(ctx, "k-1", "tenant.create", "t-1", `{"name":"acme"}`, "127.0.0.1", "test-agent"))
	require.NoError(t, s.Audit(ctx, "k-1", "platform.bootstrap", "", "", "127.0.0.1", "test-agent"))

	var n int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT count(*) FROM audit_log`).Scan(&n))
	assert.Equal(t, 2, n)
}
