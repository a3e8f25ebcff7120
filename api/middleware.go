package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fidarail/fida/network/httputil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const requestIDHeader = "X-Request-Id"

// statusRecorder captures the response code for the metrics middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestIDMiddleware assigns every request an id, honoring one supplied by
// the caller, and echoes it on the response.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records per-route counters and latency, keyed on the mux
// path template so tenant ids do not explode cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		requestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(rec.status)).Inc()
		requestLatency.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())
	})
}

// bodyLimitMiddleware rejects oversized bodies. A declared Content-Length
// over the cap is refused up front; otherwise MaxBytesReader enforces it as
// the body streams.
func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > s.cfg.MaxBodyBytes {
			httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "payload_too_large", Code: http.StatusRequestEntityTooLarge})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// decodeJSON reads the request body into v. Empty bodies decode to the zero
// value so optional request objects stay optional.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "payload_too_large", Code: http.StatusRequestEntityTooLarge})
		return false
	}
	httputil.WriteError(w, &httputil.DefaultJsonError{Detail: "invalid_json", Code: http.StatusBadRequest})
	return false
}
