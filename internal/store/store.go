// Package store provides the concrete implementation of the application
// RecordStore port by composing lower-layer persistence ports (Index and
// BlobStorage). External packages should construct the store via New and
// interact only through the app.RecordStore interface.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/haukened/burnbox/internal/app"
	"github.com/haukened/burnbox/internal/domain"
)

// Store composes an Index and BlobStorage to satisfy app.RecordStore.
// It decides whether to inline ciphertext or place it in blob storage
// based on an inline size threshold.
type Store struct {
	index     Index
	blobs     BlobStorage
	inlineMax int64
	log       *slog.Logger

	// busy holds ids whose blob is being written or consumed; Reconcile
	// must not treat those blobs as orphans while the index row is absent.
	busyMu sync.Mutex
	busy   map[string]int
}

// New returns a Store implementation of app.RecordStore. blobs may be nil
// when every payload fits inline.
func New(index Index, blobs BlobStorage, inlineMax int64, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{index: index, blobs: blobs, inlineMax: inlineMax, log: log.With("domain", "store"), busy: make(map[string]int)}
}

var _ app.RecordStore = (*Store)(nil)

var errNotInitialized = errors.New("store not properly initialized")

// Insert persists a record. Ciphertext up to inlineMax bytes is kept in the
// index; larger payloads are written to blob storage first and only flagged
// in the index.
func (s *Store) Insert(ctx context.Context, rec domain.Record) error {
	if s == nil || s.index == nil {
		return errNotInitialized
	}
	size := int64(len(rec.Ciphertext))
	row := Row{Record: rec, Size: size}
	if size > s.inlineMax && s.blobs != nil {
		defer s.hold(rec.ID.String())()
		if err := s.blobs.Write(ctx, rec.ID.String(), bytes.NewReader([]byte(rec.Ciphertext)), size); err != nil {
			return fmt.Errorf("write blob: %w", err)
		}
		row.External = true
		row.Ciphertext = ""
	}
	if err := s.index.Insert(ctx, row); err != nil {
		if row.External && !errors.Is(err, app.ErrConflict) {
			s.deleteBlob(ctx, rec.ID.String())
		}
		return err
	}
	return nil
}

// Get returns record metadata.
func (s *Store) Get(ctx context.Context, id domain.RecordID) (domain.Record, error) {
	if s == nil || s.index == nil {
		return domain.Record{}, errNotInitialized
	}
	row, err := s.index.Get(ctx, id)
	if err != nil {
		return domain.Record{}, err
	}
	row.Ciphertext = ""
	return row.Record, nil
}

// ConsumeIf atomically removes the index row. Only the caller that won the
// delete reads the blob, then removes it. The id stays held from before the
// row delete until the blob is read so Reconcile cannot reap it in between.
func (s *Store) ConsumeIf(ctx context.Context, id domain.RecordID, cond app.ViewCondition) (domain.Record, error) {
	if s == nil || s.index == nil {
		return domain.Record{}, errNotInitialized
	}
	defer s.hold(id.String())()
	row, err := s.index.Consume(ctx, id, cond)
	if err != nil {
		return domain.Record{}, err
	}
	if row.External {
		ct, err := s.readBlob(ctx, id.String(), true)
		if err != nil {
			return domain.Record{}, err
		}
		row.Ciphertext = ct
	}
	return row.Record, nil
}

// IncrementViews bumps the view count and returns the payload.
func (s *Store) IncrementViews(ctx context.Context, id domain.RecordID, cond app.ViewCondition) (domain.Record, error) {
	if s == nil || s.index == nil {
		return domain.Record{}, errNotInitialized
	}
	row, err := s.index.IncrementViews(ctx, id, cond)
	if err != nil {
		return domain.Record{}, err
	}
	if row.External {
		ct, err := s.readBlob(ctx, id.String(), false)
		if err != nil {
			return domain.Record{}, err
		}
		row.Ciphertext = ct
	}
	return row.Record, nil
}

// Delete removes the record and, best-effort, its blob.
func (s *Store) Delete(ctx context.Context, id domain.RecordID) error {
	if s == nil || s.index == nil {
		return errNotInitialized
	}
	row, err := s.index.Delete(ctx, id)
	if err != nil {
		return err
	}
	if row.External {
		s.deleteBlob(ctx, id.String())
	}
	return nil
}

// ListByOwner returns metadata for an owner's records, newest first.
func (s *Store) ListByOwner(ctx context.Context, owner string, limit int) ([]domain.Record, error) {
	if s == nil || s.index == nil {
		return nil, errNotInitialized
	}
	rows, err := s.index.ListByOwner(ctx, owner, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Record, 0, len(rows))
	for _, r := range rows {
		r.Ciphertext = ""
		out = append(out, r.Record)
	}
	return out, nil
}

// DeleteExpired removes timed records whose deadline is <= t and returns the
// count. Blob files for expired records are removed best-effort.
func (s *Store) DeleteExpired(ctx context.Context, t time.Time) (int, error) {
	if s == nil || s.index == nil {
		return 0, errNotInitialized
	}
	expired, err := s.index.DeleteExpired(ctx, t)
	if err != nil {
		return 0, err
	}
	for _, rec := range expired {
		if rec.External {
			s.deleteBlob(ctx, rec.ID)
		}
	}
	return len(expired), nil
}

// Reconcile scans for blob orphans and removes them.
func (s *Store) Reconcile(ctx context.Context) error {
	if s == nil || s.index == nil {
		return errNotInitialized
	}
	if s.blobs == nil {
		return nil
	}
	blobIDs, err := s.blobs.List(ctx)
	if err != nil {
		return err
	}
	extIDs, err := s.index.ListExternalIDs(ctx)
	if err != nil {
		return err
	}
	indexSet := make(map[string]struct{}, len(extIDs))
	for _, id := range extIDs {
		indexSet[id] = struct{}{}
	}
	removed := 0
	for _, bid := range blobIDs {
		if _, ok := indexSet[bid]; !ok && !s.held(bid) {
			s.deleteBlob(ctx, bid)
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("reconcile", "action", "orphans_removed", "count", removed)
	}
	return nil
}

// Ping reports whether the index is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.index == nil {
		return errNotInitialized
	}
	return s.index.Ping(ctx)
}

// readBlob returns the blob contents. With consume set, closing the reader
// removes the blob.
func (s *Store) readBlob(ctx context.Context, id string, consume bool) (string, error) {
	if s.blobs == nil {
		return "", errNotInitialized
	}
	open := s.blobs.Open
	if consume {
		open = s.blobs.Consume
	}
	rc, err := open(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			s.log.Error("blob missing for indexed record", "action", "read", "id", id)
			return "", app.ErrNotFound
		}
		return "", fmt.Errorf("open blob: %w: %w", app.ErrStoreUnavailable, err)
	}
	b, err := io.ReadAll(rc)
	if cerr := rc.Close(); cerr != nil && !errors.Is(cerr, ErrBlobNotFound) {
		s.log.Warn("blob close failed", "action", "read", "id", id, "error", cerr)
	}
	if err != nil {
		return "", fmt.Errorf("read blob: %w: %w", app.ErrStoreUnavailable, err)
	}
	return string(b), nil
}

// hold marks id busy until the returned release func runs.
func (s *Store) hold(id string) func() {
	s.busyMu.Lock()
	if s.busy == nil {
		s.busy = make(map[string]int)
	}
	s.busy[id]++
	s.busyMu.Unlock()
	return func() {
		s.busyMu.Lock()
		if s.busy[id]--; s.busy[id] <= 0 {
			delete(s.busy, id)
		}
		s.busyMu.Unlock()
	}
}

func (s *Store) held(id string) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	return s.busy[id] > 0
}

func (s *Store) deleteBlob(ctx context.Context, id string) {
	if s.blobs == nil {
		return
	}
	if err := s.blobs.Delete(ctx, id); err != nil && !errors.Is(err, ErrBlobNotFound) {
		s.log.Warn("blob delete failed", "action", "delete", "id", id, "error", err)
	}
}
