package api

import (
	"context"
	"net/http"
	"time"

	"github.com/fidarail/fida/crypto/envelope"
	"github.com/fidarail/fida/db"
	"github.com/fidarail/fida/network/httputil"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// Config groups the server dependencies and tunables.
type Config struct {
	HTTPAddr        string
	AllowedOrigins  []string
	BootstrapToken  string
	MaxBodyBytes    int64
	CheckpointBatch int
	DBTimeout       time.Duration

	Store   Store
	Sealer  envelope.Sealer
	Limiter Limiter
}

// Server is the HTTP front end of the ledger service.
type Server struct {
	cfg    *Config
	srv    *http.Server
	router *mux.Router
}

// New wires the router and middleware but does not start listening.
func New(cfg *Config) *Server {
	s := &Server{cfg: cfg}
	s.router = s.newRouter()

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", apiKeyHeader, requestIDHeader},
		MaxAge:         600,
	})
	s.srv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           c.Handler(s.router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, metricsMiddleware, s.bodyLimitMiddleware)

	r.HandleFunc("/", s.Root).Methods(http.MethodGet)
	r.HandleFunc("/health", s.Health).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/admin/bootstrap", s.BootstrapPlatform).Methods(http.MethodPost)
	r.HandleFunc("/admin/bootstrap/lock", s.LockBootstrap).Methods(http.MethodPost)
	r.HandleFunc("/admin/tenants", s.CreateTenant).Methods(http.MethodPost)
	r.HandleFunc("/admin/tenants/{tenant_id}/keys/rotate", s.RotateTenantKey).Methods(http.MethodPost)
	r.HandleFunc("/admin/apikeys/issue", s.IssueAPIKey).Methods(http.MethodPost)
	r.HandleFunc("/admin/apikeys/{key_id}/revoke", s.RevokeAPIKey).Methods(http.MethodPost)

	r.HandleFunc("/issue", s.IssueReceipt).Methods(http.MethodPost)
	r.HandleFunc("/verify", s.VerifyReceipt).Methods(http.MethodPost)
	r.HandleFunc("/export/{tenant_id}", s.Export).Methods(http.MethodGet)
	r.HandleFunc("/proof/{tenant_id}/{event_id}", s.Proof).Methods(http.MethodGet)
	r.HandleFunc("/checkpoints/{tenant_id}/latest", s.LatestCheckpoint).Methods(http.MethodGet)

	r.HandleFunc("/.well-known/platform.jwks.json", s.PlatformJWKS).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{tenant_id}/.well-known/jwks.json", s.TenantJWKS).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "not_found", Code: http.StatusNotFound})
	})
	return r
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.srv.Handler
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	log.WithField("addr", s.cfg.HTTPAddr).Info("Starting HTTP server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen and serve")
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info("Stopping HTTP server")
	return s.srv.Shutdown(ctx)
}

// dbCtx derives the database deadline context for a request.
func (s *Server) dbCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.DBTimeout)
}

// writeStoreError maps storage failures onto the wire error taxonomy.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "not_found", Code: http.StatusNotFound})
	case errors.Is(err, db.ErrConflict):
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "conflict", Code: http.StatusConflict})
	case errors.Is(err, db.ErrBootstrapLocked):
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "bootstrap_locked", Code: http.StatusForbidden})
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "timeout", Code: http.StatusServiceUnavailable})
	default:
		log.WithError(err).Error("Storage operation failed")
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "internal_error", Code: http.StatusInternalServerError})
	}
}
