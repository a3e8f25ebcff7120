package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// execer is satisfied by both the pool and a transaction handle.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// InsertAPIKey stores a freshly minted key record. The raw secret never
// reaches this layer; only its hash does.
func (s *Store) InsertAPIKey(ctx context.Context, k *APIKey) error {
	return insertAPIKey(ctx, s.pool, k)
}

func insertAPIKey(ctx context.Context, q execer, k *APIKey) error {
	var tenant any
	if k.TenantID != "" {
		tenant = k.TenantID
	}
	_, err := q.Exec(ctx,
		`INSERT INTO api_keys (key_id, key_hash, tenant_id, role, status) VALUES ($1,$2,$3,$4,$5)`,
		k.KeyID, k.KeyHash, tenant, k.Role, k.Status)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return errors.Wrap(err, "insert api key")
}

// APIKeyByHash looks up an active key record by the SHA-256 of the raw
// secret. Revoked keys resolve as ErrNotFound.
func (s *Store) APIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	var tenant *string
	err := s.pool.QueryRow(ctx,
		`SELECT key_id, key_hash, tenant_id, role, status FROM api_keys
		 WHERE key_hash = $1 AND status = $2`, keyHash, KeyStatusActive).
		Scan(&k.KeyID, &k.KeyHash, &tenant, &k.Role, &k.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load api key")
	}
	if tenant != nil {
		k.TenantID = *tenant
	}
	return &k, nil
}

// RevokeAPIKey flips a key to revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET status = $1, revoked_at = now() WHERE key_id = $2 AND status = $3`,
		KeyStatusRevoked, keyID, KeyStatusActive)
	if err != nil {
		return errors.Wrap(err, "revoke api key")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
