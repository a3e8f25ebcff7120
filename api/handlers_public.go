package api

import (
	"net/http"

	"github.com/fidarail/fida/db"
	"github.com/fidarail/fida/ledger"
	"github.com/fidarail/fida/network/httputil"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// Root identifies the service and its protocol version.
func (s *Server) Root(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJson(w, map[string]string{
		"name":    "fida",
		"version": "1.0",
		"fes":     ledger.Version,
	})
}

// Health is a pure liveness probe.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJson(w, map[string]string{"status": "ok"})
}

// Ready reports readiness: the database answers and the platform state row
// is reachable.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.dbCtx(r)
	defer cancel()
	if err := s.cfg.Store.Ping(ctx); err != nil {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "db_unreachable", Code: http.StatusServiceUnavailable})
		return
	}
	state, err := s.cfg.Store.PlatformState(ctx)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httputil.WriteJson(w, map[string]any{
		"status":       "ready",
		"bootstrapped": state.Bootstrapped,
	})
}

func okpJWK(kid, x string) JWK {
	return JWK{Kty: "OKP", Crv: "Ed25519", Kid: kid, X: x}
}

// PlatformJWKS publishes the platform checkpoint-signing key so receipts and
// checkpoints verify offline.
func (s *Server) PlatformJWKS(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.dbCtx(r)
	defer cancel()
	state, err := s.cfg.Store.PlatformState(ctx)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	jwks := JWKS{Keys: []JWK{}}
	if state.Bootstrapped {
		jwks.Keys = append(jwks.Keys, okpJWK(state.PlatformKid, state.PlatformPubB64U))
	}
	httputil.WriteJson(w, jwks)
}

// TenantJWKS publishes a tenant's full key history, active key first, so
// events signed under retired kids remain verifiable.
func (s *Server) TenantJWKS(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]
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
	history, err := s.cfg.Store.TenantKeys(ctx, tenantID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	jwks := JWKS{Keys: []JWK{okpJWK(tenant.ActiveKid, tenant.PubB64U)}}
	for _, k := range history {
		if k.Kid == tenant.ActiveKid {
			continue
		}
		jwks.Keys = append(jwks.Keys, okpJWK(k.Kid, k.PubB64U))
	}
	httputil.WriteJson(w, jwks)
}
