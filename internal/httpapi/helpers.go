package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/pkglat/lightd/internal/apierr"
	"github.com/pkglat/lightd/internal/auth"
	"github.com/pkglat/lightd/internal/wsgateway"
)

// writeJSON serializes payload as the response body and sets the status
// code. Every handler in this package uses it so the response shape never
// drifts handler to handler.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	raw, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"internal encoding error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	w.Write(raw)
}

// writeError maps err to its HTTP status via apierr and writes the
// standard {"error": "..."} body (spec.md §6).
func writeError(w http.ResponseWriter, err error, logger *slog.Logger) {
	status := apierr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// authMiddleware enforces spec.md §6's header contract on every protected
// route: a valid bearer token and the exact vendor Accept header.
func authMiddleware(validator wsgateway.TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.ExtractBearer(r.Header.Get("Authorization"))
			if err := validator.Validate("", token, r.Header.Get("Accept")); err != nil {
				writeError(w, err, logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// validateVolumePath rejects any path carrying a ".." segment after
// normalization, per spec.md §6's filesystem conventions: volume API
// inputs must not escape the volume root.
func validateVolumePath(path string) error {
	for _, segment := range strings.Split(filepath.Clean(path), "/") {
		if segment == ".." {
			return apierr.ErrPathEscape
		}
	}
	return nil
}
