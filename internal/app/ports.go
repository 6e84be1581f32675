// Package app defines the application layer "ports" (interfaces) and simple
// data contracts that the core use-cases of burnbox depend upon. It follows a
// hexagonal (ports & adapters) design: this package declares what the core
// needs, while adapter packages (e.g. SQL+blob storage, HTTP layer, janitor
// jobs) provide concrete implementations. No I/O, logging, SQL, or network
// concerns belong here.
package app

import (
	"context"
	"time"

	"github.com/haukened/burnbox/internal/domain"
)

// Clock abstracts time to enable deterministic testing of TTL / expiry logic.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// ViewCondition guards the atomic view operations. A row qualifies only if
// its stored key verifier equals KeyCheck and it is not expired at Now.
type ViewCondition struct {
	KeyCheck string
	Now      time.Time
}

// RecordStore is the storage port for encrypted records. Implementations
// must make ConsumeIf and IncrementViews single atomic operations against the
// backing store; a read followed by a separate write is not acceptable.
type RecordStore interface {
	// Insert persists a new record. A duplicate ID yields ErrConflict.
	Insert(ctx context.Context, rec domain.Record) error

	// Get returns record metadata without the ciphertext, or ErrNotFound.
	Get(ctx context.Context, id domain.RecordID) (domain.Record, error)

	// ConsumeIf deletes the record if it satisfies cond and returns the row as
	// it was before deletion, ciphertext included. Exactly one concurrent
	// caller can succeed; all others receive ErrNotFound.
	ConsumeIf(ctx context.Context, id domain.RecordID, cond ViewCondition) (domain.Record, error)

	// IncrementViews adds one to the view count of a record satisfying cond
	// and returns the updated row, ciphertext included.
	IncrementViews(ctx context.Context, id domain.RecordID, cond ViewCondition) (domain.Record, error)

	// Delete removes the record regardless of state, or returns ErrNotFound.
	Delete(ctx context.Context, id domain.RecordID) error

	// ListByOwner returns metadata for an owner's records, newest first.
	ListByOwner(ctx context.Context, owner string, limit int) ([]domain.Record, error)

	// DeleteExpired removes timed records whose deadline is <= t and returns
	// how many were removed.
	DeleteExpired(ctx context.Context, t time.Time) (int, error)

	// Reconcile removes payload blobs that no longer have an index row.
	Reconcile(ctx context.Context) error
}

// Metric names emitted by the service and the janitor.
const (
	CounterRecordsCreated         = "records_created_total"
	CounterRecordsViewed          = "records_viewed_total"
	CounterRecordsBurned          = "records_burned_total"
	CounterRecordsDeleted         = "records_deleted_total"
	CounterRecordsExpiredDelete   = "records_expired_deleted_total"
	SummaryJanitorDeletedPerCycle = "janitor_deleted_per_cycle"
)

// Metrics receives counter increments. A nil Metrics disables emission.
type Metrics interface {
	Inc(name string, delta int64)
}
