// Package store defines internal persistence adapter ports used by the
// higher-level RecordStore implementation. These ports isolate the SQL index
// and the blob storage so they can be tested and evolved independently.
// Callers outside this package interact only with the app.RecordStore
// implementation, not these internal details.
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/haukened/burnbox/internal/app"
	"github.com/haukened/burnbox/internal/domain"
)

// ErrBlobNotFound is returned by BlobStorage when no payload exists for an ID.
var ErrBlobNotFound = errors.New("blob not found")

// Row is an index row. Ciphertext is populated only for inline payloads and
// only by the operations that return payloads.
type Row struct {
	domain.Record
	External bool  // payload lives in blob storage
	Size     int64 // payload length in bytes
}

// Index abstracts the metadata/index operations (backed by SQLite or
// Postgres). It stores record metadata, inlined small ciphertext, and a flag
// for payloads held in blob storage. Consume and IncrementViews must each be a
// single atomic statement.
type Index interface {
	Insert(ctx context.Context, row Row) error
	Get(ctx context.Context, id domain.RecordID) (Row, error)
	Consume(ctx context.Context, id domain.RecordID, cond app.ViewCondition) (Row, error)
	IncrementViews(ctx context.Context, id domain.RecordID, cond app.ViewCondition) (Row, error)
	Delete(ctx context.Context, id domain.RecordID) (Row, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]Row, error)
	DeleteExpired(ctx context.Context, t time.Time) ([]ExpiredRecord, error)
	// ListExternalIDs returns IDs of records whose payloads are stored externally.
	ListExternalIDs(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// BlobStorage abstracts large payload persistence (local filesystem or S3).
type BlobStorage interface {
	Write(ctx context.Context, id string, r io.Reader, size int64) error
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	// Consume opens the blob; closing the reader deletes it.
	Consume(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
	// List returns blob IDs old enough to be safely judged orphans.
	List(ctx context.Context) ([]string, error)
}

// ExpiredRecord represents an expired record needing blob cleanup.
type ExpiredRecord struct {
	ID       string
	External bool // true if payload stored in blob storage
}
