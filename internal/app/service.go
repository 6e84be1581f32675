// Package app contains the application orchestration layer for burnbox. It
// binds deletion policies to encrypted records and enforces them around
// creation and viewing, without performing any I/O itself.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/haukened/burnbox/internal/cipher"
	"github.com/haukened/burnbox/internal/domain"
)

var (
	// ErrNotFound indicates the record is absent, expired, or already deleted.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates an insert collided with an existing record ID.
	ErrConflict = errors.New("record conflict")
	// ErrStoreUnavailable indicates a transient failure of the backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrSizeExceeded indicates the plaintext exceeds the configured maximum.
	ErrSizeExceeded = errors.New("size exceeded")
	// ErrKeyMismatch indicates the supplied key is not the record's key.
	ErrKeyMismatch = errors.New("key mismatch")
)

const (
	maxCreateAttempts = 3
	defaultListLimit  = 100
)

// Service is the content lifecycle manager. All collaborators are injected;
// the zero value is not usable.
type Service struct {
	Store      RecordStore
	Clock      Clock
	Cipher     cipher.Engine // engine for new records
	Metrics    Metrics       // optional
	KeyLength  int
	MaxBytes   int64
	MinTTL     time.Duration
	MaxTTL     time.Duration
	DefaultTTL time.Duration
}

// CreateRequest carries a producer's plaintext and its deletion policy.
// TTL applies to PolicyTimed only; zero selects DefaultTTL.
type CreateRequest struct {
	Kind      domain.Kind
	Plaintext []byte
	Policy    domain.Policy
	TTL       time.Duration
	OwnerRef  string
}

// Created is returned to the producer. Key is shown exactly once and must be
// transmitted to recipients out-of-band.
type Created struct {
	ID         domain.RecordID
	Key        string
	Ciphertext string
	Kind       domain.Kind
	Policy     domain.Policy
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero unless timed
}

// Viewed is the result of a successful view. Record reflects the view count
// after this view; Burned reports that the record no longer exists, in which
// case State is DELETED.
type Viewed struct {
	Record    domain.Record
	Plaintext []byte
	Burned    bool
	State     domain.State
}

// Create encrypts req.Plaintext under a freshly generated key and persists it
// with its policy. Create is not idempotent: on ErrStoreUnavailable the caller
// cannot know whether the record was stored.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Created, error) {
	kind := req.Kind
	if kind == "" {
		kind = domain.KindMessage
	}
	if _, err := domain.ParseKind(string(kind)); err != nil {
		return Created{}, err
	}
	if !req.Policy.Valid() {
		return Created{}, domain.ErrInvalidPolicy
	}
	if s.MaxBytes > 0 && int64(len(req.Plaintext)) > s.MaxBytes {
		return Created{}, ErrSizeExceeded
	}
	var ttl time.Duration
	if req.Policy == domain.PolicyTimed {
		ttl = req.TTL
		if ttl == 0 {
			ttl = s.defaultTTL()
		}
		if err := domain.ValidateTTL(ttl, s.MinTTL, s.MaxTTL); err != nil {
			return Created{}, err
		}
	}
	keyLen := s.KeyLength
	if keyLen <= 0 {
		keyLen = cipher.DefaultKeyLength
	}
	key, err := cipher.GenerateKey(keyLen)
	if err != nil {
		return Created{}, err
	}
	ct, err := s.Cipher.Encrypt(req.Plaintext, key)
	if err != nil {
		return Created{}, err
	}
	now := s.Clock.Now()
	rec := domain.Record{
		Kind:       kind,
		Scheme:     s.Cipher.Scheme().String(),
		Policy:     req.Policy,
		Ciphertext: ct,
		CreatedAt:  now,
		OwnerRef:   req.OwnerRef,
	}
	if req.Policy == domain.PolicyTimed {
		rec.Deadline = now.Add(ttl)
	}
	// A conflict means the random ID collided; a new ID makes a new record,
	// so retrying never duplicates one that was already stored.
	for attempt := 0; ; attempt++ {
		id, genErr := domain.NewID()
		if genErr != nil {
			return Created{}, genErr
		}
		rec.ID = id
		rec.KeyCheck = domain.KeyCheck(id, key)
		err = s.Store.Insert(ctx, rec)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConflict) || attempt+1 >= maxCreateAttempts {
			return Created{}, err
		}
	}
	s.inc(CounterRecordsCreated)
	return Created{
		ID:         rec.ID,
		Key:        key,
		Ciphertext: ct,
		Kind:       kind,
		Policy:     rec.Policy,
		CreatedAt:  now,
		ExpiresAt:  rec.Deadline,
	}, nil
}

// View decrypts a record with key and applies its deletion policy. For
// PolicyOnView the fetch and the deletion are one store operation, so two
// racing viewers cannot both succeed.
func (s *Service) View(ctx context.Context, idStr, key string) (Viewed, error) {
	id, err := domain.ParseID(idStr)
	if err != nil {
		return Viewed{}, err
	}
	if key == "" {
		return Viewed{}, cipher.ErrInvalidKey
	}
	now := s.Clock.Now()
	meta, err := s.Store.Get(ctx, id)
	if err != nil {
		return Viewed{}, err
	}
	if meta.Expired(now) {
		return Viewed{}, ErrNotFound
	}
	if !meta.KeyMatches(key) {
		return Viewed{}, ErrKeyMismatch
	}
	engine, err := cipher.Lookup(cipher.Scheme(meta.Scheme))
	if err != nil {
		return Viewed{}, err
	}

	cond := ViewCondition{KeyCheck: meta.KeyCheck, Now: now}
	var (
		rec    domain.Record
		burned bool
	)
	if meta.Policy == domain.PolicyOnView {
		rec, err = s.Store.ConsumeIf(ctx, id, cond)
		if err != nil {
			return Viewed{}, err
		}
		rec.ViewCount++
		burned = true
	} else {
		rec, err = s.Store.IncrementViews(ctx, id, cond)
		if err != nil {
			return Viewed{}, err
		}
	}
	plain, err := engine.Decrypt(rec.Ciphertext, key)
	if err != nil {
		return Viewed{}, err
	}
	s.inc(CounterRecordsViewed)
	if burned {
		s.inc(CounterRecordsBurned)
	}
	rec.Ciphertext = ""
	state := rec.StateAt(now)
	if burned {
		state = domain.StateDeleted
	}
	return Viewed{Record: rec, Plaintext: plain, Burned: burned, State: state}, nil
}

// Status returns record metadata, treating expired records as gone.
func (s *Service) Status(ctx context.Context, idStr string) (domain.Record, error) {
	id, err := domain.ParseID(idStr)
	if err != nil {
		return domain.Record{}, err
	}
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return domain.Record{}, err
	}
	if rec.Expired(s.Clock.Now()) {
		return domain.Record{}, ErrNotFound
	}
	return rec, nil
}

// Delete removes a record on the producer's request, whatever its state.
func (s *Service) Delete(ctx context.Context, idStr string) error {
	id, err := domain.ParseID(idStr)
	if err != nil {
		return err
	}
	if err := s.Store.Delete(ctx, id); err != nil {
		return err
	}
	s.inc(CounterRecordsDeleted)
	return nil
}

// List returns an owner's live records, newest first. Ownership is only a
// listing aid; it never grants the ability to decrypt.
func (s *Service) List(ctx context.Context, owner string) ([]domain.Record, error) {
	if owner == "" {
		return nil, nil
	}
	recs, err := s.Store.ListByOwner(ctx, owner, defaultListLimit)
	if err != nil {
		return nil, err
	}
	now := s.Clock.Now()
	out := recs[:0]
	for _, r := range recs {
		if !r.Expired(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Encrypt runs the configured engine without touching the store. An empty
// key asks for a generated one.
func (s *Service) Encrypt(plaintext []byte, key string) (ciphertext, usedKey string, err error) {
	if s.MaxBytes > 0 && int64(len(plaintext)) > s.MaxBytes {
		return "", "", ErrSizeExceeded
	}
	if key == "" {
		n := s.KeyLength
		if n <= 0 {
			n = cipher.DefaultKeyLength
		}
		if key, err = cipher.GenerateKey(n); err != nil {
			return "", "", err
		}
	}
	ciphertext, err = s.Cipher.Encrypt(plaintext, key)
	return ciphertext, key, err
}

// Decrypt runs the configured engine without touching the store.
func (s *Service) Decrypt(ciphertext, key string) ([]byte, error) {
	return s.Cipher.Decrypt(ciphertext, key)
}

// Scheme names the engine used for new records.
func (s *Service) Scheme() cipher.Scheme { return s.Cipher.Scheme() }

func (s *Service) defaultTTL() time.Duration {
	if s.DefaultTTL > 0 {
		return s.DefaultTTL
	}
	return domain.DefaultTTL
}

func (s *Service) inc(name string) {
	if s.Metrics != nil {
		s.Metrics.Inc(name, 1)
	}
}
