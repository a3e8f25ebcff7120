// Package httputil defines helpers for writing JSON HTTP responses and
// structured API errors.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// DefaultJsonError is the wire form of every user-visible API error.
// Detail carries a stable machine-readable code, Code the HTTP status.
type DefaultJsonError struct {
	Detail string `json:"detail"`
	Code   int    `json:"-"`
}

func (e *DefaultJsonError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Detail)
}

// WriteJson marshals v and writes it with a 200 status.
func WriteJson(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	b, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("Could not marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if _, err := w.Write(b); err != nil {
		log.WithError(err).Error("Could not write JSON response")
	}
}

// WriteRawJson writes pre-encoded JSON bytes verbatim. Used where the
// response must be byte-identical to a stored document.
func WriteRawJson(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(b); err != nil {
		log.WithError(err).Error("Could not write JSON response")
	}
}

// WriteError writes errJson with its status code.
func WriteError(w http.ResponseWriter, errJson *DefaultJsonError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errJson.Code)
	if err := json.NewEncoder(w).Encode(errJson); err != nil {
		log.WithError(err).Error("Could not write error response")
	}
}

// HandleError writes a DefaultJsonError constructed from detail and code.
func HandleError(w http.ResponseWriter, detail string, code int) {
	WriteError(w, &DefaultJsonError{Detail: detail, Code: code})
}
