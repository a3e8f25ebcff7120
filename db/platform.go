package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// PlatformState loads the single platform row.
func (s *Store) PlatformState(ctx context.Context) (*PlatformState, error) {
	var ps PlatformState
	var kid, pub, seed *string
	err := s.pool.QueryRow(ctx,
		`SELECT bootstrapped, bootstrap_locked, platform_kid, platform_pub_b64u, platform_seed_enc
		 FROM platform_state WHERE id = 1`).
		Scan(&ps.Bootstrapped, &ps.BootstrapLocked, &kid, &pub, &seed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load platform state")
	}
	if kid != nil {
		ps.PlatformKid = *kid
	}
	if pub != nil {
		ps.PlatformPubB64U = *pub
	}
	if seed != nil {
		ps.PlatformSeedEnc = *seed
	}
	return &ps, nil
}

// Bootstrap performs the one-shot platform key installation. It fails with
// ErrBootstrapLocked after the freeze and ErrConflict when already done.
func (s *Store) Bootstrap(ctx context.Context, kid, pubB64U, seedEnc string, adminKey *APIKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin bootstrap")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var bootstrapped, locked bool
	err = tx.QueryRow(ctx,
		`SELECT bootstrapped, bootstrap_locked FROM platform_state WHERE id = 1 FOR UPDATE`).
		Scan(&bootstrapped, &locked)
	if err != nil {
		return errors.Wrap(err, "lock platform state")
	}
	if locked {
		return ErrBootstrapLocked
	}
	if bootstrapped {
		return ErrConflict
	}
	if _, err := tx.Exec(ctx,
		`UPDATE platform_state
		 SET bootstrapped = TRUE, platform_kid = $1, platform_pub_b64u = $2, platform_seed_enc = $3, updated_at = now()
		 WHERE id = 1`, kid, pubB64U, seedEnc); err != nil {
		return errors.Wrap(err, "write platform state")
	}
	if err := insertAPIKey(ctx, tx, adminKey); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit bootstrap")
}

// LockBootstrap freezes the platform row. Requires a completed bootstrap.
func (s *Store) LockBootstrap(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE platform_state SET bootstrap_locked = TRUE, updated_at = now()
		 WHERE id = 1 AND bootstrapped`)
	if err != nil {
		return errors.Wrap(err, "lock bootstrap")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
