package httpx

import (
	"net/http"

	"github.com/haukened/burnbox/internal/domain"
)

type encryptRequest struct {
	Plaintext string `json:"plaintext"`
	Encoding  string `json:"encoding"`
	Key       string `json:"key"`
}

type encryptResponse struct {
	Ciphertext string `json:"ciphertext"`
	Key        string `json:"key"`
	Scheme     string `json:"scheme"`
}

type decryptRequest struct {
	Ciphertext string `json:"ciphertext"`
	Key        string `json:"key"`
	Encoding   string `json:"encoding"`
}

// handleEncrypt implements POST /api/cipher/encrypt. Nothing is stored.
func (h *Handler) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	var req encryptRequest
	if err := decodeJSON(r, &req); err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	plain, err := decodePayload(req.Plaintext, req.Encoding, domain.KindMessage)
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	ct, key, err := h.Service.Encrypt(plain, req.Key)
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, encryptResponse{Ciphertext: ct, Key: key, Scheme: h.Service.Scheme().String()})
}

// handleDecrypt implements POST /api/cipher/decrypt. The encoding field picks
// how the recovered bytes are returned and defaults to text; non-UTF-8 output
// is always returned as base64.
func (h *Handler) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req decryptRequest
	if err := decodeJSON(r, &req); err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	if req.Encoding != "" && req.Encoding != encodingText && req.Encoding != encodingBase64 {
		mapServiceError(r.Context(), w, errBadRequest)
		return
	}
	plain, err := h.Service.Decrypt(req.Ciphertext, req.Key)
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	want := req.Encoding
	if want == "" {
		want = encodingText
	}
	out, enc := encodePayload(plain, want)
	writeJSON(w, http.StatusOK, struct {
		Plaintext string `json:"plaintext"`
		Encoding  string `json:"encoding"`
	}{Plaintext: out, Encoding: enc})
}
