package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"planfold.app/internal/audit"
	"planfold.app/internal/identity"
)

// Stable error codes surfaced to browser clients. The client-side refresh
// coordinator keys off UNAUTHENTICATED and REFRESH_FAILED; the rest are for
// display and alerting.
const (
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeForbidden           = "FORBIDDEN"
	CodeCSRFRejected        = "CSRF_REJECTED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeRefreshFailed       = "REFRESH_FAILED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeBadRequest          = "BAD_REQUEST"
)

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type errorEnvelope struct {
	Error     errorBody `json:"error"`
	Timestamp string    `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorEnvelope{
		Error:     errorBody{Message: msg, Code: code},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

// writeIdentityError maps the identity error taxonomy onto HTTP statuses.
// Unknown errors deliberately collapse into UPSTREAM_UNAVAILABLE so internals
// never leak into response bodies.
func writeIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "authentication required")
	case errors.Is(err, identity.ErrForbidden):
		writeError(w, r, http.StatusForbidden, CodeForbidden, "insufficient privileges")
	case errors.Is(err, identity.ErrRefreshFailed):
		writeError(w, r, http.StatusUnauthorized, CodeRefreshFailed, "session could not be renewed")
	default:
		writeError(w, r, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "service temporarily unavailable")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
