package api

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/fidarail/fida/crypto/keys"
	"github.com/fidarail/fida/db"
	"github.com/fidarail/fida/network/httputil"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const bootstrapTokenHeader = "x-bootstrap-token"

// tenantIDLength is the hex length of a tenant identifier.
const tenantIDLength = 24

func newTenantID() (string, error) {
	kid, err := keys.NewKid()
	if err != nil {
		return "", err
	}
	return kid[:tenantIDLength], nil
}

// signingKey generates a fresh Ed25519 keypair and seals the seed for
// storage.
func (s *Server) signingKey() (kid, pubB64U, seedEnc string, err error) {
	kid, err = keys.NewKid()
	if err != nil {
		return "", "", "", err
	}
	seed, err := keys.NewSeed()
	if err != nil {
		return "", "", "", err
	}
	priv, err := keys.FromSeed(seed)
	if err != nil {
		return "", "", "", err
	}
	seedEnc, err = s.cfg.Sealer.Seal(seed)
	if err != nil {
		return "", "", "", errors.Wrap(err, "seal seed")
	}
	return kid, keys.PubB64U(priv.Public().(ed25519.PublicKey)), seedEnc, nil
}

func mintKey(tenantID, role string) (*db.APIKey, string, error) {
	keyID, err := keys.NewKid()
	if err != nil {
		return nil, "", err
	}
	raw, err := MintAPIKey()
	if err != nil {
		return nil, "", err
	}
	k := &db.APIKey{
		KeyID:    keyID,
		KeyHash:  HashAPIKey(raw),
		TenantID: tenantID,
		Role:     role,
		Status:   db.KeyStatusActive,
	}
	return k, raw, nil
}

// audit records an action row. It runs on its own deadline so a client
// disconnect after the mutating call cannot cancel the write.
func (s *Server) audit(r *http.Request, actor, action, tenantID, meta string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DBTimeout)
	defer cancel()
	if err := s.cfg.Store.Audit(ctx, actor, action, tenantID, meta, r.RemoteAddr, r.UserAgent()); err != nil {
		log.WithError(err).Warn("Audit write failed")
	}
}

// BootstrapPlatform is the one-time platform initialization: it mints the
// platform signing key and the first admin API key. Guarded by the deployment
// bootstrap token, not an API key.
func (s *Server) BootstrapPlatform(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(bootstrapTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.BootstrapToken)) != 1 {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "invalid_bootstrap_token", Code: http.StatusForbidden})
		return
	}
	var req BootstrapRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	kid, pubB64U, seedEnc, err := s.signingKey()
	if err != nil {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "crypto_error", Code: http.StatusInternalServerError})
		return
	}
	adminKey, rawAdminKey, err := mintKey("", db.RoleAdmin)
	if err != nil {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "crypto_error", Code: http.StatusInternalServerError})
		return
	}

	ctx, cancel := s.dbCtx(r)
	defer cancel()
	if err := s.cfg.Store.Bootstrap(ctx, kid, pubB64U, seedEnc, adminKey); err != nil {
		if errors.Is(err, db.ErrConflict) {
			httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "already_bootstrapped", Code: http.StatusConflict})
			return
		}
		s.writeStoreError(w, err)
		return
	}
	s.audit(r, "bootstrap", "platform.bootstrap", "", fmt.Sprintf(`{"platform_kid":%q}`, kid))
	log.WithField("platformKid", kid).Info("Platform bootstrapped")

	httputil.WriteJson(w, &BootstrapResponse{
		PlatformKid:          kid,
		PlatformPublicKeyB64: pubB64U,
		PlatformAdminAPIKey:  rawAdminKey,
	})
}

// LockBootstrap permanently disables the bootstrap endpoint.
func (s *Server) LockBootstrap(w http.ResponseWriter, r *http.Request) {
	p := s.authorize(w, r, db.RoleAdmin)
	if p == nil {
		return
	}
	if p.TenantID != "" {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "tenant_mismatch", Code: http.StatusForbidden})
		return
	}
	ctx, cancel := s.dbCtx(r)
	defer cancel()
	if err := s.cfg.Store.LockBootstrap(ctx); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.audit(r, p.KeyID, "platform.bootstrap_lock", "", "{}")
	httputil.WriteJson(w, map[string]bool{"locked": true})
}

// CreateTenant provisions a tenant: its first signing key and one API key
// per role. The raw key secrets appear only in this response.
func (s *Server) CreateTenant(w http.ResponseWriter, r *http.Request) {
	p := s.authorize(w, r, db.RoleAdmin)
	if p == nil {
		return
	}
	if p.TenantID != "" {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "tenant_mismatch", Code: http.StatusForbidden})
		return
	}
	var req TenantCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tenantID, err := newTenantID()
	if err != nil {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "crypto_error", Code: http.StatusInternalServerError})
		return
	}
	kid, pubB64U, seedEnc, err := s.signingKey()
	if err != nil {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "crypto_error", Code: http.StatusInternalServerError})
		return
	}

	roles := []string{db.RoleIssuer, db.RoleVerifier, db.RoleExporter, db.RoleAdmin}
	apiKeys := make([]*db.APIKey, 0, len(roles))
	raws := make(map[string]string, len(roles))
	for _, role := range roles {
		k, raw, err := mintKey(tenantID, role)
		if err != nil {
			httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "crypto_error", Code: http.StatusInternalServerError})
			return
		}
		apiKeys = append(apiKeys, k)
		raws[role] = raw
	}

	tenant := &db.Tenant{
		TenantID:  tenantID,
		Name:      req.Name,
		ActiveKid: kid,
		PubB64U:   pubB64U,
		SeedEnc:   seedEnc,
	}
	ctx, cancel := s.dbCtx(r)
	defer cancel()
	if err := s.cfg.Store.CreateTenant(ctx, tenant, apiKeys); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.audit(r, p.KeyID, "tenant.create", tenantID, fmt.Sprintf(`{"name":%q}`, req.Name))
	log.WithFields(logrus.Fields{"tenantId": tenantID, "kid": kid}).Info("Tenant created")

	httputil.WriteJson(w, &TenantCreateResponse{
		TenantID:       tenantID,
		IssuerAPIKey:   raws[db.RoleIssuer],
		VerifierAPIKey: raws[db.RoleVerifier],
		ExporterAPIKey: raws[db.RoleExporter],
		AdminAPIKey:    raws[db.RoleAdmin],
		ActiveKid:      kid,
		PublicKeyB64U:  pubB64U,
	})
}

// IssueAPIKey mints an additional API key for a tenant.
func (s *Server) IssueAPIKey(w http.ResponseWriter, r *http.Request) {
	p := s.authorize(w, r, db.RoleAdmin)
	if p == nil {
		return
	}
	var req APIKeyIssueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Role {
	case db.RoleAdmin, db.RoleIssuer, db.RoleVerifier, db.RoleExporter:
	default:
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "invalid_role", Code: http.StatusBadRequest})
		return
	}
	if !requireTenant(w, p, req.TenantID) {
		return
	}

	ctx, cancel := s.dbCtx(r)
	defer cancel()
	if _, err := s.cfg.Store.TenantByID(ctx, req.TenantID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "unknown_tenant", Code: http.StatusNotFound})
			return
		}
		s.writeStoreError(w, err)
		return
	}
	k, raw, err := mintKey(req.TenantID, req.Role)
	if err != nil {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "crypto_error", Code: http.StatusInternalServerError})
		return
	}
	if err := s.cfg.Store.InsertAPIKey(ctx, k); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.audit(r, p.KeyID, "apikey.issue", req.TenantID, fmt.Sprintf(`{"key_id":%q,"role":%q}`, k.KeyID, k.Role))

	httputil.WriteJson(w, &APIKeyIssueResponse{
		KeyID:    k.KeyID,
		TenantID: k.TenantID,
		Role:     k.Role,
		APIKey:   raw,
	})
}

// RevokeAPIKey deactivates a key by id. Platform admin only; revocation is
// immediate and permanent.
func (s *Server) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	p := s.authorize(w, r, db.RoleAdmin)
	if p == nil {
		return
	}
	if p.TenantID != "" {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "tenant_mismatch", Code: http.StatusForbidden})
		return
	}
	keyID := mux.Vars(r)["key_id"]

	ctx, cancel := s.dbCtx(r)
	defer cancel()
	if err := s.cfg.Store.RevokeAPIKey(ctx, keyID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.audit(r, p.KeyID, "apikey.revoke", "", fmt.Sprintf(`{"key_id":%q}`, keyID))
	httputil.WriteJson(w, map[string]bool{"revoked": true})
}

// RotateTenantKey activates a fresh signing key for the tenant. Events signed
// under retired kids keep verifying through the key history.
func (s *Server) RotateTenantKey(w http.ResponseWriter, r *http.Request) {
	p := s.authorize(w, r, db.RoleAdmin)
	if p == nil {
		return
	}
	tenantID := mux.Vars(r)["tenant_id"]
	if !requireTenant(w, p, tenantID) {
		return
	}

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
	kid, pubB64U, seedEnc, err := s.signingKey()
	if err != nil {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "crypto_error", Code: http.StatusInternalServerError})
		return
	}
	newKey := &db.TenantKey{
		Kid:      kid,
		TenantID: tenantID,
		PubB64U:  pubB64U,
		SeedEnc:  seedEnc,
		Status:   db.TenantKeyActive,
	}
	if err := s.cfg.Store.RotateTenantKey(ctx, tenantID, newKey); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.audit(r, p.KeyID, "tenant.rotate_key", tenantID, fmt.Sprintf(`{"new_kid":%q}`, kid))
	log.WithFields(logrus.Fields{"tenantId": tenantID, "newKid": kid}).Info("Tenant key rotated")

	httputil.WriteJson(w, &RotateKeyResponse{TenantID: tenantID, NewKid: kid})
}
