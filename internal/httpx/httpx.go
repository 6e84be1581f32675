// Package httpx contains the HTTP delivery layer for the burnbox service.
// It maps JSON requests onto the application service while enforcing body
// limits, security headers and error translation. Handlers are split across
// files (records.go, cipherapi.go, health.go, errors.go).
package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/haukened/burnbox/internal/app"
	"github.com/haukened/burnbox/internal/cipher"
	"github.com/haukened/burnbox/internal/domain"
)

// ServicePort abstracts the subset of app.Service used by the HTTP layer.
// It is satisfied by *app.Service in production and mocked in tests.
type ServicePort interface {
	Create(ctx context.Context, req app.CreateRequest) (app.Created, error)
	View(ctx context.Context, id, key string) (app.Viewed, error)
	Status(ctx context.Context, id string) (domain.Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, owner string) ([]domain.Record, error)
	Encrypt(plaintext []byte, key string) (ciphertext, usedKey string, err error)
	Decrypt(ciphertext, key string) ([]byte, error)
	Scheme() cipher.Scheme
}

// Handler wires HTTP endpoints to the application service.
// It is safe for concurrent use. Zero-value is not valid; construct via New.
type Handler struct {
	Service       ServicePort
	MaxBody       int64                       // maximum plaintext size; 0 disables the body limit
	Readiness     func(context.Context) error // optional readiness check
	Metrics       http.Handler                // optional, mounted at /metrics
	DefaultPolicy domain.Policy               // used when a create request omits policy
}

// New returns a configured Handler.
// svc: application service port implementation.
// maxBody: maximum plaintext size in bytes (0 disables the body limit).
// readiness: optional check function for /readyz (nil => always ready).
func New(svc ServicePort, maxBody int64, readiness func(context.Context) error) *Handler {
	return &Handler{Service: svc, MaxBody: maxBody, Readiness: readiness, DefaultPolicy: domain.PolicyOnView}
}

// Router constructs and returns an http.Handler with all routes mounted and
// the middleware chain applied.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(CorrelationIDMiddleware)
	r.Use(h.secureHeaders)

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.limitBody)
		r.Route("/records", func(r chi.Router) {
			r.Post("/", h.handleCreate)
			r.Get("/", h.handleList)
			r.Get("/{id}", h.handleStatus)
			r.Delete("/{id}", h.handleDelete)
			r.Post("/{id}/view", h.handleView)
		})
		r.Post("/cipher/encrypt", h.handleEncrypt)
		r.Post("/cipher/decrypt", h.handleDecrypt)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// secureHeaders middleware adds standard security and cache control headers.
// Every response carries key material or plaintext, so nothing is cacheable.
func (h *Handler) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// limitBody caps request bodies. Plaintext may arrive base64 encoded inside
// JSON, so the cap is the encoded size of MaxBody plus room for the envelope.
func (h *Handler) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n := h.bodyLimit(); n > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, n)
		}
		next.ServeHTTP(w, r)
	})
}

const envelopeAllowance = 4 << 10

func (h *Handler) bodyLimit() int64 {
	if h.MaxBody <= 0 {
		return 0
	}
	return (h.MaxBody+2)/3*4 + envelopeAllowance
}
