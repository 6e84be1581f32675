// Package filesystem provides a BlobStorage implementation backed by the local
// filesystem. It stores large ciphertext payloads as immutable blob files.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haukened/burnbox/internal/app"
	"github.com/haukened/burnbox/internal/domain"
	"github.com/haukened/burnbox/internal/store"
)

// Ensure BlobStore implements store.BlobStorage
var _ store.BlobStorage = (*BlobStore)(nil)

const blobExt = ".blob"

// BlobStore implements store.BlobStorage using the local filesystem.
// Files are named by the record ID with a fixed suffix.
type BlobStore struct {
	root string
	// MinAge hides blobs younger than this from List so an in-flight write
	// is never reported as an orphan.
	MinAge time.Duration
}

// New returns a filesystem-backed blob store rooted at root. The directory
// must already exist with secure permissions (0700 recommended).
func New(root string) (*BlobStore, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("blob root is not a directory")
	}
	return &BlobStore{root: root, MinAge: time.Second}, nil
}

func (b *BlobStore) path(id string) string { return filepath.Join(b.root, id+blobExt) }

// Write stores exactly size bytes from r into a new file for id. An existing
// blob for id yields app.ErrConflict.
func (b *BlobStore) Write(ctx context.Context, id string, r io.Reader, size int64) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p := b.path(id)
	// #nosec G304: path is a fixed root plus a validated ID with a fixed suffix.
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: blob %s exists", app.ErrConflict, id)
		}
		return err
	}
	if _, err = io.CopyN(f, r, size); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return err
	}
	return f.Close()
}

// Open returns a reader for the blob.
func (b *BlobStore) Open(_ context.Context, id string) (io.ReadCloser, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	f, err := os.Open(b.path(id)) // #nosec G304 path constructed internally
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrBlobNotFound
		}
		return nil, err
	}
	return f, nil
}

// Consume opens a blob file for reading and returns a ReadCloser whose Close
// deletes the underlying file.
func (b *BlobStore) Consume(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := b.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	return &deletingReadCloser{File: rc.(*os.File), path: b.path(id)}, nil
}

// deletingReadCloser wraps an *os.File and deletes its path on Close.
type deletingReadCloser struct {
	*os.File
	path string
}

func (d *deletingReadCloser) Close() error {
	fErr := d.File.Close()
	// remove even if close failed
	rmErr := os.Remove(d.path)
	if fErr != nil {
		return fErr
	}
	return rmErr
}

// Delete removes the blob file for id.
func (b *BlobStore) Delete(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := os.Remove(b.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store.ErrBlobNotFound
		}
		return err
	}
	return nil
}

// List returns blob IDs older than MinAge. Higher layers derive orphans by
// diffing against index-reported external IDs.
func (b *BlobStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != blobExt {
			continue
		}
		id := strings.TrimSuffix(name, blobExt)
		if validateID(id) != nil {
			continue
		}
		if info, err := e.Info(); err == nil && time.Since(info.ModTime()) < b.MinAge {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// validateID requires a canonical record ID, which also rules out path
// traversal.
func validateID(id string) error {
	if _, err := domain.ParseID(id); err != nil {
		return fmt.Errorf("invalid blob id: %w", err)
	}
	return nil
}
