package api

import (
	"crypto/rand"
	"net/http"

	"github.com/fidarail/fida/crypto/hash"
	"github.com/fidarail/fida/crypto/keys"
	"github.com/fidarail/fida/db"
	"github.com/fidarail/fida/network/httputil"
	"github.com/pkg/errors"
)

const apiKeyHeader = "x-api-key"

// Principal is the authenticated caller attached to a request after the API
// key check. TenantID is empty for platform-scoped keys.
type Principal struct {
	KeyID    string
	TenantID string
	Role     string
}

// HashAPIKey is the stored form of an API key; raw secrets never reach the
// database.
func HashAPIKey(raw string) string {
	return hash.Hex([]byte(raw))
}

// MintAPIKey generates a fresh bearer secret.
func MintAPIKey() (string, error) {
	buf := make([]byte, 36)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "read entropy")
	}
	return "fida_" + keys.B64U(buf), nil
}

// authenticate resolves the API key header to an active principal and applies
// the per-key rate limit. A nil return means the error response was already
// written.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) *Principal {
	raw := r.Header.Get(apiKeyHeader)
	if raw == "" {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "missing_api_key", Code: http.StatusUnauthorized})
		return nil
	}
	ctx, cancel := s.dbCtx(r)
	defer cancel()
	key, err := s.cfg.Store.APIKeyByHash(ctx, HashAPIKey(raw))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "invalid_api_key", Code: http.StatusForbidden})
			return nil
		}
		s.writeStoreError(w, err)
		return nil
	}
	ok, err := s.cfg.Limiter.Allow(r.Context(), key.KeyID)
	if err != nil {
		log.WithError(err).Warn("Rate limiter degraded")
	}
	if !ok {
		rateLimitedTotal.Inc()
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "rate_limited", Code: http.StatusTooManyRequests})
		return nil
	}
	return &Principal{KeyID: key.KeyID, TenantID: key.TenantID, Role: key.Role}
}

// authorize runs authenticate and then checks the principal's role against
// the allowed set.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, roles ...string) *Principal {
	p := s.authenticate(w, r)
	if p == nil {
		return nil
	}
	for _, role := range roles {
		if p.Role == role {
			return p
		}
	}
	httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "insufficient_role", Code: http.StatusForbidden})
	return nil
}

// requireTenant rejects cross-tenant access: tenant-scoped keys may only act
// on their own tenant, platform admin keys may act on any.
func requireTenant(w http.ResponseWriter, p *Principal, tenantID string) bool {
	if p.TenantID == "" && p.Role == db.RoleAdmin {
		return true
	}
	if p.TenantID != tenantID {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "tenant_mismatch", Code: http.StatusForbidden})
		return false
	}
	return true
}
