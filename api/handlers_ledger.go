package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/fidarail/fida/container/merkle"
	"github.com/fidarail/fida/crypto/keys"
	"github.com/fidarail/fida/db"
	"github.com/fidarail/fida/ledger"
	"github.com/fidarail/fida/network/httputil"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const idempotencyKeyHeader = "Idempotency-Key"

// replayHeader marks a response served verbatim from the idempotency store.
const replayHeader = "Idempotent-Replayed"

// Issue defaults applied when a client omits the classification fields.
const (
	defaultProfileID = "HUMAN-MSP-01"
	defaultEventType = "CHANGE"
	defaultActorRole = "agent"
)

const (
	exportDefaultLimit = 500
	exportMaxLimit     = 5000
)

// IssueReceipt appends one event to the caller's ledger and returns the
// signed receipt. Replays under the same Idempotency-Key return the stored
// receipt byte for byte.
func (s *Server) IssueReceipt(w http.ResponseWriter, r *http.Request) {
	p := s.authorize(w, r, db.RoleIssuer)
	if p == nil {
		return
	}
	var req IssueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = p.TenantID
	}
	if !requireTenant(w, p, tenantID) {
		return
	}
	if req.ProfileID == "" {
		req.ProfileID = defaultProfileID
	}
	if req.EventType == "" {
		req.EventType = defaultEventType
	}
	if req.ActorRole == "" {
		req.ActorRole = defaultActorRole
	}

	ctx, cancel := s.dbCtx(r)
	defer cancel()
	tenant, err := s.cfg.Store.TenantByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "unknown_tenant", Code: http.StatusNotFound})
			return
		}
		s.writeStoreError(w, err)
		return
	}
	seed, err := s.cfg.Sealer.Open(tenant.SeedEnc)
	if err != nil || len(seed) != keys.SeedLength {
		log.WithField("tenantId", tenantID).WithError(err).Error("Could not open tenant seed")
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "crypto_error", Code: http.StatusInternalServerError})
		return
	}

	receiptJSON, replayed, err := s.cfg.Store.IssueEvent(ctx, &db.IssueRequest{
		Tenant:    tenant,
		ProfileID: req.ProfileID,
		EventType: req.EventType,
		ActorRole: req.ActorRole,
		ObjectRef: req.ObjectRef,
		Payload:   req.Payload,
		IdemKey:   r.Header.Get(idempotencyKeyHeader),
		Seed:      seed,
	})
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "unknown_tenant", Code: http.StatusNotFound})
		case errors.Is(err, db.ErrConflict):
			// Lost the UNIQUE(tenant_id, seq) race despite the row lock.
			httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "conflicting_seq", Code: http.StatusInternalServerError})
		default:
			s.writeStoreError(w, err)
		}
		return
	}
	if replayed {
		w.Header().Set(replayHeader, "true")
	} else {
		eventsIssuedTotal.WithLabelValues(tenantID).Inc()
	}
	httputil.WriteRawJson(w, receiptJSON)
	s.audit(r, p.KeyID, "event.issue", tenantID, fmt.Sprintf(`{"idem_hit":%t}`, replayed))

	if !replayed {
		s.maybeCheckpoint(tenantID)
	}
}

// maybeCheckpoint opportunistically folds the tenant's pending events into a
// checkpoint after an issue. Failures are logged, never surfaced: the receipt
// has already been written.
func (s *Server) maybeCheckpoint(tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DBTimeout)
	defer cancel()

	state, err := s.cfg.Store.PlatformState(ctx)
	if err != nil || !state.Bootstrapped {
		return
	}
	seed, err := s.cfg.Sealer.Open(state.PlatformSeedEnc)
	if err != nil {
		log.WithError(err).Error("Could not open platform seed for checkpointing")
		return
	}
	id, err := s.cfg.Store.MaybeCheckpoint(ctx, tenantID, s.cfg.CheckpointBatch, seed, state.PlatformKid)
	if err != nil {
		log.WithField("tenantId", tenantID).WithError(err).Warn("Checkpoint attempt failed")
		return
	}
	if id != 0 {
		checkpointsTotal.Inc()
	}
}

// VerifyReceipt checks a presented receipt without touching the chain state.
// Any authenticated key may verify; verification reveals nothing beyond what
// the receipt holder already has.
func (s *Server) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	p := s.authenticate(w, r)
	if p == nil {
		return
	}
	var req VerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := s.dbCtx(r)
	defer cancel()
	res := ledger.VerifyReceipt(ctx, &req.Receipt, s.cfg.Store, s.cfg.Store)
	httputil.WriteJson(w, res)
	s.audit(r, p.KeyID, "receipt.verify", req.Receipt.TenantID, fmt.Sprintf(`{"valid":%t}`, res.Valid))
}

// Export streams a tenant's ledger in seq order as integrity-framed pages.
func (s *Server) Export(w http.ResponseWriter, r *http.Request) {
	p := s.authorize(w, r, db.RoleExporter, db.RoleAdmin)
	if p == nil {
		return
	}
	tenantID := mux.Vars(r)["tenant_id"]
	if !requireTenant(w, p, tenantID) {
		return
	}

	q := r.URL.Query()
	var afterSeq uint64
	if cursor := q.Get("cursor"); cursor != "" {
		v, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "invalid_cursor", Code: http.StatusBadRequest})
			return
		}
		afterSeq = v
	}
	limit := exportDefaultLimit
	if ls := q.Get("limit"); ls != "" {
		v, err := strconv.Atoi(ls)
		if err != nil || v < 1 || v > exportMaxLimit {
			httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "invalid_limit", Code: http.StatusBadRequest})
			return
		}
		limit = v
	}
	full := q.Get("fmt") == "full"

	ctx, cancel := s.dbCtx(r)
	defer cancel()
	if _, err := s.cfg.Store.TenantByID(ctx, tenantID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "unknown_tenant", Code: http.StatusNotFound})
			return
		}
		s.writeStoreError(w, err)
		return
	}
	events, err := s.cfg.Store.ExportPage(ctx, tenantID, afterSeq, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	items := make([]*ExportItem, 0, len(events))
	leaves := make([]string, 0, len(events))
	for _, e := range events {
		item := &ExportItem{
			Seq:           e.Seq,
			EventID:       e.EventID,
			IssuedAt:      e.IssuedAt,
			TenantID:      e.TenantID,
			ProfileID:     e.ProfileID,
			EventType:     e.EventType,
			ActorRole:     e.ActorRole,
			ObjectRef:     e.ObjectRef,
			PayloadHash:   e.PayloadHash,
			PrevEventHash: e.PrevEventHash,
			EventHash:     e.EventHash,
			Kid:           e.Kid,
			SignatureB64U: e.SignatureB64U,
			CheckpointID:  e.CheckpointID,
			LeafIndex:     e.LeafIndex,
		}
		if full {
			item.PayloadCanon = e.PayloadCanon
		}
		items = append(items, item)
		leaves = append(leaves, e.EventHash)
	}

	integrity := ExportIntegrity{Size: len(items), PageHash: ledger.PageHash(leaves)}
	var nextCursor *string
	if len(events) > 0 {
		first, last := events[0], events[len(events)-1]
		if first.PrevEventHash != nil {
			integrity.FromRoot = *first.PrevEventHash
		}
		integrity.ToRoot = last.EventHash
		if len(events) == limit {
			c := strconv.FormatUint(last.Seq, 10)
			nextCursor = &c
		}
	}

	var checkpoint *CheckpointOut
	if cp, err := s.cfg.Store.LatestCheckpoint(ctx, tenantID); err == nil {
		checkpoint = checkpointOut(cp)
	} else if !errors.Is(err, db.ErrNotFound) {
		s.writeStoreError(w, err)
		return
	}

	httputil.WriteJson(w, &ExportEnvelope{
		TenantID:   tenantID,
		Items:      items,
		NextCursor: nextCursor,
		Checkpoint: checkpoint,
		Integrity:  integrity,
	})
	s.audit(r, p.KeyID, "ledger.export", tenantID, fmt.Sprintf(`{"count":%d}`, len(items)))
}

func checkpointOut(c *db.Checkpoint) *CheckpointOut {
	return &CheckpointOut{
		ID:            c.ID,
		TenantID:      c.TenantID,
		FromSeq:       c.FromSeq,
		ToSeq:         c.ToSeq,
		LeafCount:     c.LeafCount,
		MerkleRoot:    c.MerkleRoot,
		PageHash:      c.PageHash,
		PlatformKid:   c.PlatformKid,
		SignatureB64U: c.SignatureB64U,
		IssuedAt:      c.IssuedAt,
	}
}

// LatestCheckpoint returns the tenant's newest checkpoint.
func (s *Server) LatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	p := s.authorize(w, r, db.RoleExporter, db.RoleVerifier, db.RoleAdmin)
	if p == nil {
		return
	}
	tenantID := mux.Vars(r)["tenant_id"]
	if !requireTenant(w, p, tenantID) {
		return
	}
	ctx, cancel := s.dbCtx(r)
	defer cancel()
	cp, err := s.cfg.Store.LatestCheckpoint(ctx, tenantID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httputil.WriteJson(w, checkpointOut(cp))
}

// Proof returns the Merkle inclusion proof binding an event to its
// checkpoint, verified server side before it leaves.
func (s *Server) Proof(w http.ResponseWriter, r *http.Request) {
	p := s.authorize(w, r, db.RoleVerifier, db.RoleExporter, db.RoleAdmin)
	if p == nil {
		return
	}
	vars := mux.Vars(r)
	tenantID, eventID := vars["tenant_id"], vars["event_id"]
	if !requireTenant(w, p, tenantID) {
		return
	}

	ctx, cancel := s.dbCtx(r)
	defer cancel()
	event, err := s.cfg.Store.EventByID(ctx, tenantID, eventID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "unknown_event", Code: http.StatusNotFound})
			return
		}
		s.writeStoreError(w, err)
		return
	}
	if event.CheckpointID == nil || event.LeafIndex == nil {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "not_checkpointed", Code: http.StatusNotFound})
		return
	}
	layers, err := s.cfg.Store.MerkleLayers(ctx, *event.CheckpointID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	proof, err := merkle.Prove(layers, *event.LeafIndex)
	if err != nil {
		log.WithFields(logrus.Fields{"tenantId": tenantID, "eventId": eventID}).
			WithError(err).Error("Could not build inclusion proof")
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "internal_error", Code: http.StatusInternalServerError})
		return
	}

	httputil.WriteJson(w, &ProofResponse{
		TenantID:     tenantID,
		CheckpointID: *event.CheckpointID,
		EventID:      eventID,
		LeafIndex:    *event.LeafIndex,
		Leaf:         proof.Leaf,
		Root:         proof.Root,
		Siblings:     proof.Siblings,
		ProofValid:   merkle.Verify(proof),
	})
	s.audit(r, p.KeyID, "event.proof", tenantID,
		fmt.Sprintf(`{"event_id":%q,"checkpoint_id":%d}`, eventID, *event.CheckpointID))
}
