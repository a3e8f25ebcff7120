package db

import (
	"context"
	"crypto/ed25519"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/fidarail/fida/crypto/keys"
	"github.com/fidarail/fida/ledger"
)

// CreateTenant inserts the tenant, its first key-history row, the sequence
// anchor, and the initial role API keys in one transaction.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant, apiKeys []*APIKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin create tenant")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO tenants (tenant_id, name, active_kid, pub_b64u, seed_enc) VALUES ($1,$2,$3,$4,$5)`,
		t.TenantID, t.Name, t.ActiveKid, t.PubB64U, t.SeedEnc); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return errors.Wrap(err, "insert tenant")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO tenant_keys (kid, tenant_id, pub_b64u, seed_enc, status) VALUES ($1,$2,$3,$4,$5)`,
		t.ActiveKid, t.TenantID, t.PubB64U, t.SeedEnc, TenantKeyActive); err != nil {
		return errors.Wrap(err, "insert tenant key")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO tenant_state (tenant_id, next_seq, last_event_hash) VALUES ($1, 1, '')`,
		t.TenantID); err != nil {
		return errors.Wrap(err, "insert tenant state")
	}
	for _, k := range apiKeys {
		if err := insertAPIKey(ctx, tx, k); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(ctx), "commit create tenant")
}

// TenantByID loads one tenant.
func (s *Store) TenantByID(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, name, active_kid, pub_b64u, seed_enc, created_at FROM tenants WHERE tenant_id = $1`,
		tenantID).
		Scan(&t.TenantID, &t.Name, &t.ActiveKid, &t.PubB64U, &t.SeedEnc, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load tenant")
	}
	return &t, nil
}

// RotateTenantKey retires the active key and installs the new one, keeping
// exactly one active signing key per tenant at any instant.
func (s *Store) RotateTenantKey(ctx context.Context, tenantID string, newKey *TenantKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin rotate key")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE tenants SET active_kid = $1, pub_b64u = $2, seed_enc = $3 WHERE tenant_id = $4`,
		newKey.Kid, newKey.PubB64U, newKey.SeedEnc, tenantID)
	if err != nil {
		return errors.Wrap(err, "update tenant key")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tenant_keys SET status = $1 WHERE tenant_id = $2 AND status = $3`,
		TenantKeyRetired, tenantID, TenantKeyActive); err != nil {
		return errors.Wrap(err, "retire tenant keys")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO tenant_keys (kid, tenant_id, pub_b64u, seed_enc, status) VALUES ($1,$2,$3,$4,$5)`,
		newKey.Kid, tenantID, newKey.PubB64U, newKey.SeedEnc, TenantKeyActive); err != nil {
		return errors.Wrap(err, "insert tenant key")
	}
	return errors.Wrap(tx.Commit(ctx), "commit rotate key")
}

// TenantKeys lists the key history newest-first, for JWKS publication.
func (s *Store) TenantKeys(ctx context.Context, tenantID string) ([]*TenantKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kid, tenant_id, pub_b64u, status, created_at FROM tenant_keys
		 WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "load tenant keys")
	}
	defer rows.Close()
	var out []*TenantKey
	for rows.Next() {
		var k TenantKey
		if err := rows.Scan(&k.Kid, &k.TenantID, &k.PubB64U, &k.Status, &k.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan tenant key")
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

var _ ledger.KeyResolver = (*Store)(nil)

// ResolveKey implements ledger.KeyResolver against the key-history table, so
// verification stays correct across rotations.
func (s *Store) ResolveKey(ctx context.Context, tenantID, kid string) (ed25519.PublicKey, error) {
	var pubB64U string
	err := s.pool.QueryRow(ctx,
		`SELECT pub_b64u FROM tenant_keys WHERE tenant_id = $1 AND kid = $2`,
		tenantID, kid).Scan(&pubB64U)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrUnknownKey
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolve key")
	}
	return keys.PubFromB64U(pubB64U)
}
