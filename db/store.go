// Package db persists the ledger in Postgres via pgx. Every operation the
// protocol requires to be atomic runs in a single transaction; per-tenant
// sequence allocation serializes on the tenant_state row lock and
// checkpointing on a per-tenant advisory lock, with the declared UNIQUE
// constraints as the final safety net.
package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Store is a Postgres-backed ledger store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool and pings it.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports database reachability, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS platform_state (
		id INT PRIMARY KEY,
		bootstrapped BOOLEAN NOT NULL DEFAULT FALSE,
		bootstrap_locked BOOLEAN NOT NULL DEFAULT FALSE,
		platform_kid TEXT,
		platform_pub_b64u TEXT,
		platform_seed_enc TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`INSERT INTO platform_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS tenants (
		tenant_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active_kid TEXT NOT NULL,
		pub_b64u TEXT NOT NULL,
		seed_enc TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_keys (
		kid TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		pub_b64u TEXT NOT NULL,
		seed_enc TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_state (
		tenant_id TEXT PRIMARY KEY,
		next_seq BIGINT NOT NULL,
		last_event_hash TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id BIGSERIAL PRIMARY KEY,
		key_id TEXT NOT NULL UNIQUE,
		key_hash TEXT NOT NULL UNIQUE,
		tenant_id TEXT,
		role TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		revoked_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		event_id TEXT NOT NULL UNIQUE,
		issued_at TEXT NOT NULL,
		profile_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		object_ref TEXT NOT NULL DEFAULT '',
		payload_canon TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		prev_event_hash TEXT,
		event_hash TEXT NOT NULL,
		kid TEXT NOT NULL,
		signature_b64u TEXT NOT NULL,
		checkpoint_id BIGINT,
		leaf_index INT,
		UNIQUE (tenant_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_unbound ON events (tenant_id, seq) WHERE checkpoint_id IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_events_hash ON events (tenant_id, event_hash)`,
	`CREATE TABLE IF NOT EXISTS idempotency (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		idem_key TEXT NOT NULL,
		receipt_json TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, idem_key)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		from_seq BIGINT NOT NULL,
		to_seq BIGINT NOT NULL,
		leaf_count INT NOT NULL,
		merkle_root TEXT NOT NULL,
		page_hash TEXT NOT NULL,
		platform_kid TEXT NOT NULL,
		signature_b64u TEXT NOT NULL,
		issued_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS merkle_nodes (
		id BIGSERIAL PRIMARY KEY,
		checkpoint_id BIGINT NOT NULL,
		level INT NOT NULL,
		idx INT NOT NULL,
		hash_hex TEXT NOT NULL,
		UNIQUE (checkpoint_id, level, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL DEFAULT now(),
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		tenant_id TEXT,
		meta_json TEXT NOT NULL DEFAULT '{}',
		ip TEXT,
		ua TEXT
	)`,
}

// EnsureSchema creates missing tables and indexes at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "ensure schema")
		}
	}
	return nil
}
