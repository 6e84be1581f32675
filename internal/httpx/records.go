package httpx

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/haukened/burnbox/internal/app"
	"github.com/haukened/burnbox/internal/domain"
)

const (
	encodingText   = "text"
	encodingBase64 = "base64"
)

type createRequest struct {
	Kind      string `json:"kind"`
	Plaintext string `json:"plaintext"`
	Encoding  string `json:"encoding"`
	Policy    string `json:"policy"`
	TTL       string `json:"ttl"`
	Owner     string `json:"owner"`
}

type createResponse struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	Ciphertext string     `json:"ciphertext"`
	Kind       string     `json:"kind"`
	Policy     string     `json:"policy"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type recordResponse struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Policy    string     `json:"policy"`
	State     string     `json:"state"`
	ViewCount int64      `json:"view_count"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type viewRequest struct {
	Key string `json:"key"`
}

type viewResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Plaintext string `json:"plaintext"`
	Encoding  string `json:"encoding"`
	ViewCount int64  `json:"view_count"`
	Burned    bool   `json:"burned"`
	State     string `json:"state"`
}

// handleCreate implements POST /api/records.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	policy := h.DefaultPolicy
	if req.Policy != "" {
		if policy, err = domain.ParsePolicy(req.Policy); err != nil {
			mapServiceError(r.Context(), w, err)
			return
		}
	}
	var ttl time.Duration
	if req.TTL != "" {
		if ttl, err = time.ParseDuration(req.TTL); err != nil || ttl <= 0 {
			mapServiceError(r.Context(), w, domain.ErrTTLInvalid)
			return
		}
	}
	plain, err := decodePayload(req.Plaintext, req.Encoding, kind)
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	created, err := h.Service.Create(r.Context(), app.CreateRequest{
		Kind:      kind,
		Plaintext: plain,
		Policy:    policy,
		TTL:       ttl,
		OwnerRef:  strings.TrimSpace(req.Owner),
	})
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{
		ID:         created.ID.String(),
		Key:        created.Key,
		Ciphertext: created.Ciphertext,
		Kind:       created.Kind.String(),
		Policy:     created.Policy.String(),
		CreatedAt:  created.CreatedAt.UTC(),
		ExpiresAt:  optionalTime(created.ExpiresAt),
	})
}

// handleStatus implements GET /api/records/{id}.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

// handleView implements POST /api/records/{id}/view. The key travels in the
// body so it never lands in access logs.
func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if err := decodeJSON(r, &req); err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	v, err := h.Service.View(r.Context(), chi.URLParam(r, "id"), req.Key)
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	resp := viewResponse{
		ID:        v.Record.ID.String(),
		Kind:      v.Record.Kind.String(),
		ViewCount: v.Record.ViewCount,
		Burned:    v.Burned,
		State:     string(v.State),
	}
	want := encodingText
	if v.Record.Kind == domain.KindPhoto {
		want = encodingBase64
	}
	resp.Plaintext, resp.Encoding = encodePayload(v.Plaintext, want)
	writeJSON(w, http.StatusOK, resp)
}

// handleDelete implements DELETE /api/records/{id}.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleList implements GET /api/records?owner=...
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Service.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("owner")))
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	out := make([]recordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, struct {
		Records []recordResponse `json:"records"`
	}{Records: out})
}

// Status and List filter expired records, so whatever reaches here is live.
func toRecordResponse(rec domain.Record) recordResponse {
	return recordResponse{
		ID:        rec.ID.String(),
		Kind:      rec.Kind.String(),
		Policy:    rec.Policy.String(),
		State:     string(domain.StateActive),
		ViewCount: rec.ViewCount,
		CreatedAt: rec.CreatedAt.UTC(),
		ExpiresAt: optionalTime(rec.Deadline),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// decodeJSON reads a single JSON object from the request body. Oversized
// bodies surface as app.ErrSizeExceeded, anything else malformed as
// errBadRequest.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return app.ErrSizeExceeded
		}
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errBadRequest
	}
	return nil
}

// encodePayload renders plaintext for a JSON response in the requested
// encoding. Bytes that are not valid UTF-8 cannot survive a JSON string, so
// they fall back to base64 and the returned encoding says so.
func encodePayload(b []byte, encoding string) (string, string) {
	if encoding == encodingText && utf8.Valid(b) {
		return string(b), encodingText
	}
	return base64.StdEncoding.EncodeToString(b), encodingBase64
}

// decodePayload turns the wire plaintext into bytes. Photos default to
// base64; messages default to text.
func decodePayload(s, encoding string, kind domain.Kind) ([]byte, error) {
	if encoding == "" {
		encoding = encodingText
		if kind == domain.KindPhoto {
			encoding = encodingBase64
		}
	}
	switch encoding {
	case encodingText:
		return []byte(s), nil
	case encodingBase64:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: plaintext is not base64", errBadRequest)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: unknown encoding", errBadRequest)
}
