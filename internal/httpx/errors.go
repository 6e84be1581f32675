package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/haukened/burnbox/internal/app"
	"github.com/haukened/burnbox/internal/cipher"
	"github.com/haukened/burnbox/internal/domain"
)

// MsgGone is shown for absent, expired, burned and deleted records alike so
// that callers cannot tell the cases apart.
const MsgGone = "this content is no longer available"

var errBadRequest = errors.New("bad request")

// writeJSON writes v as a JSON body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with given status code.
func writeError(ctx context.Context, w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{Error: msg})
	if cid, ok := GetCorrelationID(ctx); ok {
		slog.Debug("wrote error response", "domain", "http", "cid", cid, "status", code, "msg", msg)
	}
}

// mapServiceError maps domain, cipher, store and service errors to HTTP
// responses. Raw error strings are never logged or returned because they may
// carry ids or paths.
func mapServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	cid, _ := GetCorrelationID(ctx)
	log := slog.With("domain", "http", "cid", cid)
	switch {
	case errors.Is(err, domain.ErrInvalidID):
		log.Warn("service error", "code", "invalid_id")
		writeError(ctx, w, http.StatusBadRequest, "invalid id")
	case errors.Is(err, domain.ErrInvalidKind):
		log.Warn("service error", "code", "invalid_kind")
		writeError(ctx, w, http.StatusBadRequest, "invalid kind")
	case errors.Is(err, domain.ErrInvalidPolicy):
		log.Warn("service error", "code", "invalid_policy")
		writeError(ctx, w, http.StatusBadRequest, "invalid policy")
	case errors.Is(err, domain.ErrTTLInvalid):
		log.Warn("service error", "code", "ttl_invalid")
		writeError(ctx, w, http.StatusBadRequest, "ttl invalid")
	case errors.Is(err, cipher.ErrInvalidKey):
		log.Warn("service error", "code", "invalid_key")
		writeError(ctx, w, http.StatusBadRequest, "invalid key")
	case errors.Is(err, errBadRequest):
		log.Warn("service error", "code", "bad_request")
		writeError(ctx, w, http.StatusBadRequest, "bad request")
	case errors.Is(err, app.ErrKeyMismatch):
		log.Warn("service error", "code", "key_mismatch")
		writeError(ctx, w, http.StatusForbidden, "key does not match")
	case errors.Is(err, app.ErrNotFound):
		log.Info("service error", "code", "not_found")
		writeError(ctx, w, http.StatusNotFound, MsgGone)
	case errors.Is(err, app.ErrSizeExceeded):
		log.Warn("service error", "code", "size_exceeded")
		writeError(ctx, w, http.StatusRequestEntityTooLarge, "size exceeded")
	case errors.Is(err, cipher.ErrMalformedCiphertext), errors.Is(err, cipher.ErrDecryption):
		log.Warn("service error", "code", "cannot_decrypt")
		writeError(ctx, w, http.StatusUnprocessableEntity, "cannot decrypt")
	case errors.Is(err, app.ErrStoreUnavailable):
		log.Error("service error", "code", "store_unavailable")
		w.Header().Set("Retry-After", "1")
		writeError(ctx, w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		log.Error("unhandled service error", "code", "unhandled")
		writeError(ctx, w, http.StatusInternalServerError, "internal")
	}
}
