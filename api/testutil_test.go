package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fidarail/fida/container/merkle"
	"github.com/fidarail/fida/crypto/envelope"
	"github.com/fidarail/fida/crypto/keys"
	"github.com/fidarail/fida/db"
	"github.com/fidarail/fida/ledger"
)

// fakeStore is an in-memory Store for handler tests. It mirrors the
// transactional store's observable behavior, including idempotent replay and
// checkpoint binding.
type fakeStore struct {
	platform   db.PlatformState
	tenants    map[string]*db.Tenant
	tenantKeys map[string][]*db.TenantKey
	apiKeys    map[string]*db.APIKey // by hash
	events     map[string][]*db.Event
	idem       map[string][]byte
	nextSeq    map[string]uint64
	lastHash   map[string]string

	checkpoints    map[int64]*db.Checkpoint
	layers         map[int64][][]string
	nextCheckpoint int64

	auditActions []string
	pingErr      error
	issueErr     error
	insertKeyErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants:        make(map[string]*db.Tenant),
		tenantKeys:     make(map[string][]*db.TenantKey),
		apiKeys:        make(map[string]*db.APIKey),
		events:         make(map[string][]*db.Event),
		idem:           make(map[string][]byte),
		nextSeq:        make(map[string]uint64),
		lastHash:       make(map[string]string),
		checkpoints:    make(map[int64]*db.Checkpoint),
		layers:         make(map[int64][][]string),
		nextCheckpoint: 1,
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) PlatformState(context.Context) (*db.PlatformState, error) {
	ps := f.platform
	return &ps, nil
}

func (f *fakeStore) Bootstrap(_ context.Context, kid, pubB64U, seedEnc string, adminKey *db.APIKey) error {
	if f.platform.BootstrapLocked {
		return db.ErrBootstrapLocked
	}
	if f.platform.Bootstrapped {
		return db.ErrConflict
	}
	f.platform = db.PlatformState{
		Bootstrapped:    true,
		PlatformKid:     kid,
		PlatformPubB64U: pubB64U,
		PlatformSeedEnc: seedEnc,
	}
	f.apiKeys[adminKey.KeyHash] = adminKey
	return nil
}

func (f *fakeStore) LockBootstrap(context.Context) error {
	if !f.platform.Bootstrapped {
		return db.ErrNotFound
	}
	f.platform.BootstrapLocked = true
	return nil
}

func (f *fakeStore) CreateTenant(_ context.Context, t *db.Tenant, apiKeys []*db.APIKey) error {
	if _, ok := f.tenants[t.TenantID]; ok {
		return db.ErrConflict
	}
	f.tenants[t.TenantID] = t
	f.tenantKeys[t.TenantID] = []*db.TenantKey{{
		Kid: t.ActiveKid, TenantID: t.TenantID, PubB64U: t.PubB64U,
		SeedEnc: t.SeedEnc, Status: db.TenantKeyActive, CreatedAt: time.Now(),
	}}
	f.nextSeq[t.TenantID] = 1
	for _, k := range apiKeys {
		f.apiKeys[k.KeyHash] = k
	}
	return nil
}

func (f *fakeStore) TenantByID(_ context.Context, tenantID string) (*db.Tenant, error) {
	t, ok := f.tenants[tenantID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) RotateTenantKey(_ context.Context, tenantID string, newKey *db.TenantKey) error {
	t, ok := f.tenants[tenantID]
	if !ok {
		return db.ErrNotFound
	}
	for _, k := range f.tenantKeys[tenantID] {
		k.Status = db.TenantKeyRetired
	}
	newKey.CreatedAt = time.Now()
	f.tenantKeys[tenantID] = append(f.tenantKeys[tenantID], newKey)
	t.ActiveKid = newKey.Kid
	t.PubB64U = newKey.PubB64U
	t.SeedEnc = newKey.SeedEnc
	return nil
}

func (f *fakeStore) TenantKeys(_ context.Context, tenantID string) ([]*db.TenantKey, error) {
	ks := append([]*db.TenantKey(nil), f.tenantKeys[tenantID]...)
	sort.Slice(ks, func(i, j int) bool { return ks[i].CreatedAt.After(ks[j].CreatedAt) })
	return ks, nil
}

func (f *fakeStore) InsertAPIKey(_ context.Context, k *db.APIKey) error {
	if f.insertKeyErr != nil {
		return f.insertKeyErr
	}
	if _, ok := f.apiKeys[k.KeyHash]; ok {
		return db.ErrConflict
	}
	f.apiKeys[k.KeyHash] = k
	return nil
}

func (f *fakeStore) APIKeyByHash(_ context.Context, keyHash string) (*db.APIKey, error) {
	k, ok := f.apiKeys[keyHash]
	if !ok || k.Status != db.KeyStatusActive {
		return nil, db.ErrNotFound
	}
	return k, nil
}

func (f *fakeStore) RevokeAPIKey(_ context.Context, keyID string) error {
	for _, k := range f.apiKeys {
		if k.KeyID == keyID && k.Status == db.KeyStatusActive {
			k.Status = db.KeyStatusRevoked
			return nil
		}
	}
	return db.ErrNotFound
}

func (f *fakeStore) IssueEvent(_ context.Context, req *db.IssueRequest) ([]byte, bool, error) {
	if f.issueErr != nil {
		return nil, false, f.issueErr
	}
	tenantID := req.Tenant.TenantID
	idemKey := ""
	if req.IdemKey != "" {
		idemKey = tenantID + "|" + req.IdemKey
		if stored, ok := f.idem[idemKey]; ok {
			return stored, true, nil
		}
	}
	seq, ok := f.nextSeq[tenantID]
	if !ok {
		return nil, false, db.ErrNotFound
	}
	var prev *string
	if seq > 1 {
		h := f.lastHash[tenantID]
		prev = &h
	}
	issued, err := ledger.BuildReceipt(&ledger.IssueParams{
		TenantID:      tenantID,
		ProfileID:     req.ProfileID,
		EventType:     req.EventType,
		ActorRole:     req.ActorRole,
		ObjectRef:     req.ObjectRef,
		Payload:       req.Payload,
		Kid:           req.Tenant.ActiveKid,
		Seed:          req.Seed,
		Seq:           seq,
		PrevEventHash: prev,
		IssuedAt:      time.Now(),
	})
	if err != nil {
		return nil, false, err
	}
	rec := issued.Receipt
	raw, err := ledger.MarshalReceipt(rec)
	if err != nil {
		return nil, false, err
	}
	f.events[tenantID] = append(f.events[tenantID], &db.Event{
		ID:            int64(len(f.events[tenantID]) + 1),
		TenantID:      tenantID,
		Seq:           rec.Seq,
		EventID:       rec.EventID,
		IssuedAt:      rec.IssuedAt,
		ProfileID:     rec.ProfileID,
		EventType:     rec.EventType,
		ActorRole:     rec.ActorRole,
		ObjectRef:     rec.ObjectRef,
		PayloadCanon:  string(issued.PayloadCanon),
		PayloadHash:   rec.PayloadHash,
		PrevEventHash: rec.PrevEventHash,
		EventHash:     rec.EventHash,
		Kid:           rec.Kid,
		SignatureB64U: rec.SignatureB64U,
	})
	f.nextSeq[tenantID] = seq + 1
	f.lastHash[tenantID] = rec.EventHash
	if idemKey != "" {
		f.idem[idemKey] = raw
	}
	return raw, false, nil
}

func (f *fakeStore) EventByID(_ context.Context, tenantID, eventID string) (*db.Event, error) {
	for _, e := range f.events[tenantID] {
		if e.EventID == eventID {
			return e, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) HasEventHash(_ context.Context, tenantID, eventHash string) (bool, error) {
	for _, e := range f.events[tenantID] {
		if e.EventHash == eventHash {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ExportPage(_ context.Context, tenantID string, afterSeq uint64, limit int) ([]*db.Event, error) {
	var out []*db.Event
	for _, e := range f.events[tenantID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MaybeCheckpoint(_ context.Context, tenantID string, batchSize int, platformSeed []byte, platformKid string) (int64, error) {
	var pending []*db.Event
	for _, e := range f.events[tenantID] {
		if e.CheckpointID == nil {
			pending = append(pending, e)
		}
		if len(pending) == batchSize {
			break
		}
	}
	if len(pending) < batchSize {
		return 0, nil
	}
	leaves := make([]string, len(pending))
	for i, e := range pending {
		leaves[i] = e.EventHash
	}
	root, layers := merkle.Build(leaves)
	header := ledger.NewCheckpointHeader(tenantID, pending[0].Seq, pending[len(pending)-1].Seq,
		root, leaves, platformKid, time.Now())
	sig, err := ledger.SignCheckpoint(header, platformSeed)
	if err != nil {
		return 0, err
	}
	id := f.nextCheckpoint
	f.nextCheckpoint++
	f.checkpoints[id] = &db.Checkpoint{
		ID: id, TenantID: tenantID, FromSeq: header.FromSeq, ToSeq: header.ToSeq,
		LeafCount: header.LeafCount, MerkleRoot: header.RootHash, PageHash: header.PageHash,
		PlatformKid: header.PlatformKid, SignatureB64U: sig, IssuedAt: header.IssuedAt,
	}
	f.layers[id] = layers
	for i, e := range pending {
		cid, idx := id, i
		e.CheckpointID = &cid
		e.LeafIndex = &idx
	}
	return id, nil
}

func (f *fakeStore) LatestCheckpoint(_ context.Context, tenantID string) (*db.Checkpoint, error) {
	var latest *db.Checkpoint
	for _, c := range f.checkpoints {
		if c.TenantID == tenantID && (latest == nil || c.ID > latest.ID) {
			latest = c
		}
	}
	if latest == nil {
		return nil, db.ErrNotFound
	}
	return latest, nil
}

func (f *fakeStore) CheckpointByID(_ context.Context, id int64) (*db.Checkpoint, error) {
	c, ok := f.checkpoints[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) MerkleLayers(_ context.Context, checkpointID int64) ([][]string, error) {
	ls, ok := f.layers[checkpointID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return ls, nil
}

func (f *fakeStore) Audit(ctx context.Context, _, action, _, _, _, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.auditActions = append(f.auditActions, action)
	return nil
}

func (f *fakeStore) ResolveKey(_ context.Context, tenantID, kid string) (ed25519.PublicKey, error) {
	for _, k := range f.tenantKeys[tenantID] {
		if k.Kid == kid {
			return keys.PubFromB64U(k.PubB64U)
		}
	}
	return nil, ledger.ErrUnknownKey
}

var _ Store = (*fakeStore)(nil)

const testBootstrapToken = "test-bootstrap-token"

type testEnv struct {
	server *Server
	store  *fakeStore
	sealer envelope.Sealer
}

type envOpt func(*Config)

func withBurst(burst int64) envOpt {
	return func(c *Config) { c.Limiter = NewBucketLimiter(burst) }
}

func withCheckpointBatch(n int) envOpt {
	return func(c *Config) { c.CheckpointBatch = n }
}

func withMaxBody(n int64) envOpt {
	return func(c *Config) { c.MaxBodyBytes = n }
}

func newTestEnv(t *testing.T, opts ...envOpt) *testEnv {
	t.Helper()
	sealer, err := envelope.NewAESGCM(bytes.Repeat([]byte{0x07}, envelope.MasterKeyLength))
	require.NoError(t, err)
	store := newFakeStore()
	cfg := &Config{
		HTTPAddr:        "127.0.0.1:0",
		AllowedOrigins:  []string{"*"},
		BootstrapToken:  testBootstrapToken,
		MaxBodyBytes:    1 << 20,
		CheckpointBatch: 1000,
		DBTimeout:       5 * time.Second,
		Store:           store,
		Sealer:          sealer,
		Limiter:         NewBucketLimiter(1000),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &testEnv{server: New(cfg), store: store, sealer: sealer}
}

func (e *testEnv) do(t *testing.T, method, path, apiKey string, body []byte, hdrs ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if apiKey != "" {
		req.Header.Set(apiKeyHeader, apiKey)
	}
	for i := 0; i+1 < len(hdrs); i += 2 {
		req.Header.Set(hdrs[i], hdrs[i+1])
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

// seedPlatform installs a bootstrapped platform state directly.
func (e *testEnv) seedPlatform(t *testing.T) string {
	t.Helper()
	kid, pubB64U, seedEnc, err := e.server.signingKey()
	require.NoError(t, err)
	e.store.platform = db.PlatformState{
		Bootstrapped:    true,
		PlatformKid:     kid,
		PlatformPubB64U: pubB64U,
		PlatformSeedEnc: seedEnc,
	}
	return kid
}

// seedAPIKey installs an active key and returns its raw secret.
func (e *testEnv) seedAPIKey(t *testing.T, tenantID, role string) (raw, keyID string) {
	t.Helper()
	k, raw, err := mintKey(tenantID, role)
	require.NoError(t, err)
	e.store.apiKeys[k.KeyHash] = k
	return raw, k.KeyID
}

// seedTenant installs a tenant with a signing key and sequence state.
func (e *testEnv) seedTenant(t *testing.T, name string) *db.Tenant {
	t.Helper()
	tenantID, err := newTenantID()
	require.NoError(t, err)
	kid, pubB64U, seedEnc, err := e.server.signingKey()
	require.NoError(t, err)
	tenant := &db.Tenant{TenantID: tenantID, Name: name, ActiveKid: kid, PubB64U: pubB64U, SeedEnc: seedEnc}
	require.NoError(t, e.store.CreateTenant(context.Background(), tenant, nil))
	return tenant
}

func issueBody(tenantID, objectRef, payload string) []byte {
	if payload == "" {
		payload = "{}"
	}
	return []byte(fmt.Sprintf(`{"tenant_id":%q,"object_ref":%q,"payload":%s}`, tenantID, objectRef, payload))
}
