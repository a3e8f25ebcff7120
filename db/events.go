package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/fidarail/fida/ledger"
)

// IssueRequest carries a validated issue call into the store. Seed is the
// tenant's decrypted 32-byte signing seed.
type IssueRequest struct {
	Tenant    *Tenant
	ProfileID string
	EventType string
	ActorRole string
	ObjectRef string
	Payload   json.RawMessage
	IdemKey   string
	Seed      []byte
}

// IssueEvent runs the issue contract in one transaction: idempotency
// short-circuit, sequence allocation under the tenant_state row lock,
// receipt construction and signing, event insert, anchor advance, and the
// idempotency record. Returns the verbatim receipt JSON and whether it came
// from an idempotency hit.
func (s *Store) IssueEvent(ctx context.Context, req *IssueRequest) ([]byte, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "begin issue")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if req.IdemKey != "" {
		var stored string
		err := tx.QueryRow(ctx,
			`SELECT receipt_json FROM idempotency WHERE tenant_id = $1 AND idem_key = $2`,
			req.Tenant.TenantID, req.IdemKey).Scan(&stored)
		if err == nil {
			return []byte(stored), true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, errors.Wrap(err, "idempotency lookup")
		}
	}

	var nextSeq uint64
	var lastHash string
	err = tx.QueryRow(ctx,
		`SELECT next_seq, last_event_hash FROM tenant_state WHERE tenant_id = $1 FOR UPDATE`,
		req.Tenant.TenantID).Scan(&nextSeq, &lastHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "lock tenant state")
	}

	var prev *string
	if nextSeq > 1 && lastHash != "" {
		prev = &lastHash
	}
	issued, err := ledger.BuildReceipt(&ledger.IssueParams{
		TenantID:      req.Tenant.TenantID,
		ProfileID:     req.ProfileID,
		EventType:     req.EventType,
		ActorRole:     req.ActorRole,
		ObjectRef:     req.ObjectRef,
		Payload:       req.Payload,
		Kid:           req.Tenant.ActiveKid,
		Seed:          req.Seed,
		Seq:           nextSeq,
		PrevEventHash: prev,
		IssuedAt:      time.Now(),
	})
	if err != nil {
		return nil, false, err
	}
	rec := issued.Receipt
	receiptJSON, err := ledger.MarshalReceipt(rec)
	if err != nil {
		return nil, false, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO events (tenant_id, seq, event_id, issued_at, profile_id, event_type, actor_role,
			object_ref, payload_canon, payload_hash, prev_event_hash, event_hash, kid, signature_b64u)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.TenantID, rec.Seq, rec.EventID, rec.IssuedAt, rec.ProfileID, rec.EventType, rec.ActorRole,
		rec.ObjectRef, string(issued.PayloadCanon), rec.PayloadHash, rec.PrevEventHash, rec.EventHash,
		rec.Kid, rec.SignatureB64U); err != nil {
		if isUniqueViolation(err) {
			return nil, false, ErrConflict
		}
		return nil, false, errors.Wrap(err, "insert event")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tenant_state SET next_seq = $1, last_event_hash = $2 WHERE tenant_id = $3`,
		rec.Seq+1, rec.EventHash, rec.TenantID); err != nil {
		return nil, false, errors.Wrap(err, "advance tenant state")
	}
	if req.IdemKey != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO idempotency (tenant_id, idem_key, receipt_json) VALUES ($1,$2,$3)`,
			rec.TenantID, req.IdemKey, string(receiptJSON)); err != nil {
			if isUniqueViolation(err) {
				return nil, false, ErrConflict
			}
			return nil, false, errors.Wrap(err, "insert idempotency")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "commit issue")
	}
	return receiptJSON, false, nil
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.TenantID, &e.Seq, &e.EventID, &e.IssuedAt, &e.ProfileID, &e.EventType,
		&e.ActorRole, &e.ObjectRef, &e.PayloadCanon, &e.PayloadHash, &e.PrevEventHash, &e.EventHash,
		&e.Kid, &e.SignatureB64U, &e.CheckpointID, &e.LeafIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan event")
	}
	return &e, nil
}

const eventColumns = `id, tenant_id, seq, event_id, issued_at, profile_id, event_type, actor_role,
	object_ref, payload_canon, payload_hash, prev_event_hash, event_hash, kid, signature_b64u,
	checkpoint_id, leaf_index`

// EventByID loads one event by its public identifier.
func (s *Store) EventByID(ctx context.Context, tenantID, eventID string) (*Event, error) {
	return scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE tenant_id = $1 AND event_id = $2`,
		tenantID, eventID))
}

var _ ledger.ChainChecker = (*Store)(nil)

// HasEventHash implements ledger.ChainChecker for the prev-hash chain hint.
func (s *Store) HasEventHash(ctx context.Context, tenantID, eventHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE tenant_id = $1 AND event_hash = $2)`,
		tenantID, eventHash).Scan(&exists)
	return exists, errors.Wrap(err, "chain lookup")
}

// ExportPage returns events with seq > afterSeq in ascending order, at most
// limit rows.
func (s *Store) ExportPage(ctx context.Context, tenantID string, afterSeq uint64, limit int) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE tenant_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		tenantID, afterSeq, limit)
	if err != nil {
		return nil, errors.Wrap(err, "export page")
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Seq, &e.EventID, &e.IssuedAt, &e.ProfileID,
			&e.EventType, &e.ActorRole, &e.ObjectRef, &e.PayloadCanon, &e.PayloadHash,
			&e.PrevEventHash, &e.EventHash, &e.Kid, &e.SignatureB64U, &e.CheckpointID,
			&e.LeafIndex); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
