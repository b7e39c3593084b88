// Package apierr maps internal errors to HTTP status codes the way the
// teacher's control-plane API maps internal errors to gRPC codes: a
// handful of errors.As/errors.Is checks against typed sentinels, falling
// back to a generic status for anything unrecognized.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"

	"gatewayd/internal/model"
)

// Body is the JSON error body written on a non-2xx response.
type Body struct {
	Error string `json:"error"`
}

// StatusFor classifies err into the HTTP status GET/POST /config should
// return for it (spec §7's taxonomy: validation -> 400, everything else
// structural -> 500).
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var valErr *model.ValidationError
	if errors.As(err, &valErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Write sends err as a JSON body with the status StatusFor(err) computes.
func Write(w http.ResponseWriter, err error) {
	WriteStatus(w, StatusFor(err), err)
}

// WriteStatus sends err as a JSON body with an explicit status, for
// callers that already know the right code (e.g. 401 on auth failure).
func WriteStatus(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Body{Error: err.Error()})
}
