package db

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/fidarail/fida/container/merkle"
	"github.com/fidarail/fida/ledger"
)

// checkpointLockID maps a tenant id into the Postgres advisory lock space.
func checkpointLockID(tenantID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("checkpoint:" + tenantID))
	return int64(h.Sum64())
}

// MaybeCheckpoint binds the earliest full batch of uncheckpointed events
// into a platform-signed Merkle checkpoint. The whole procedure runs under
// a per-tenant advisory lock; if another writer holds it we skip and let
// that writer catch up. Returns the new checkpoint id, or 0 when nothing
// was done.
func (s *Store) MaybeCheckpoint(ctx context.Context, tenantID string, batchSize int, platformSeed []byte, platformKid string) (int64, error) {
	if batchSize < 1 {
		return 0, errors.New("checkpoint batch size must be >= 1")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin checkpoint")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var acquired bool
	if err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, checkpointLockID(tenantID)).Scan(&acquired); err != nil {
		return 0, errors.Wrap(err, "advisory lock")
	}
	if !acquired {
		return 0, nil
	}

	rows, err := tx.Query(ctx,
		`SELECT id, seq, event_hash FROM events
		 WHERE tenant_id = $1 AND checkpoint_id IS NULL ORDER BY seq ASC LIMIT $2`,
		tenantID, batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "select batch")
	}
	var ids []int64
	var seqs []uint64
	var leaves []string
	for rows.Next() {
		var id int64
		var seq uint64
		var eventHash string
		if err := rows.Scan(&id, &seq, &eventHash); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scan batch")
		}
		ids = append(ids, id)
		seqs = append(seqs, seq)
		leaves = append(leaves, eventHash)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "read batch")
	}
	if len(leaves) < batchSize {
		return 0, nil
	}

	root, layers := merkle.Build(leaves)
	header := ledger.NewCheckpointHeader(tenantID, seqs[0], seqs[len(seqs)-1], root, leaves, platformKid, time.Now())
	sig, err := ledger.SignCheckpoint(header, platformSeed)
	if err != nil {
		return 0, err
	}

	var checkpointID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO checkpoints (tenant_id, from_seq, to_seq, leaf_count, merkle_root, page_hash,
			platform_kid, signature_b64u, issued_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		tenantID, header.FromSeq, header.ToSeq, header.LeafCount, header.RootHash, header.PageHash,
		header.PlatformKid, sig, header.IssuedAt).Scan(&checkpointID); err != nil {
		return 0, errors.Wrap(err, "insert checkpoint")
	}

	batch := &pgx.Batch{}
	for level, layer := range layers {
		for idx, h := range layer {
			batch.Queue(
				`INSERT INTO merkle_nodes (checkpoint_id, level, idx, hash_hex) VALUES ($1,$2,$3,$4)`,
				checkpointID, level, idx, h)
		}
	}
	for i, id := range ids {
		batch.Queue(
			`UPDATE events SET checkpoint_id = $1, leaf_index = $2 WHERE id = $3 AND checkpoint_id IS NULL`,
			checkpointID, i, id)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, errors.Wrap(err, "write checkpoint batch")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit checkpoint")
	}
	log.WithField("tenant", tenantID).WithField("checkpoint", checkpointID).
		WithField("leaves", len(leaves)).Info("Issued checkpoint")
	return checkpointID, nil
}

func scanCheckpoint(row pgx.Row) (*Checkpoint, error) {
	var c Checkpoint
	err := row.Scan(&c.ID, &c.TenantID, &c.FromSeq, &c.ToSeq, &c.LeafCount, &c.MerkleRoot,
		&c.PageHash, &c.PlatformKid, &c.SignatureB64U, &c.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan checkpoint")
	}
	return &c, nil
}

const checkpointColumns = `id, tenant_id, from_seq, to_seq, leaf_count, merkle_root, page_hash,
	platform_kid, signature_b64u, issued_at`

// CheckpointByID loads one checkpoint.
func (s *Store) CheckpointByID(ctx context.Context, id int64) (*Checkpoint, error) {
	return scanCheckpoint(s.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = $1`, id))
}

// LatestCheckpoint returns the newest checkpoint for a tenant, or
// ErrNotFound when none exists yet.
func (s *Store) LatestCheckpoint(ctx context.Context, tenantID string) (*Checkpoint, error) {
	return scanCheckpoint(s.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE tenant_id = $1 ORDER BY id DESC LIMIT 1`,
		tenantID))
}

// MerkleLayers reloads the stored tree of a checkpoint, layer 0 first, each
// layer ordered by node index.
func (s *Store) MerkleLayers(ctx context.Context, checkpointID int64) ([][]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT level, idx, hash_hex FROM merkle_nodes WHERE checkpoint_id = $1 ORDER BY level ASC, idx ASC`,
		checkpointID)
	if err != nil {
		return nil, errors.Wrap(err, "load merkle nodes")
	}
	defer rows.Close()
	var layers [][]string
	for rows.Next() {
		var level, idx int
		var h string
		if err := rows.Scan(&level, &idx, &h); err != nil {
			return nil, errors.Wrap(err, "scan merkle node")
		}
		for len(layers) <= level {
			layers = append(layers, nil)
		}
		if idx != len(layers[level]) {
			return nil, errors.Errorf("merkle node gap at level %d idx %d", level, idx)
		}
		layers[level] = append(layers[level], h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(layers) == 0 {
		return nil, ErrNotFound
	}
	return layers, nil
}
