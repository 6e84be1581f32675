package filesystem

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/haukened/burnbox/internal/app"
	"github.com/haukened/burnbox/internal/domain"
	"github.com/haukened/burnbox/internal/store"
)

const (
	idA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	idB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func newStore(t *testing.T) (*BlobStore, string) {
	t.Helper()
	dir := t.TempDir()
	bs, err := New(dir)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return bs, dir
}

func TestWriteOpenDelete(t *testing.T) {
	bs, dir := newStore(t)
	ctx := context.Background()
	data := []byte("ciphertext-bytes")
	if err := bs.Write(ctx, idA, bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	fi, err := os.Stat(filepath.Join(dir, idA+".blob"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 perms, got %v", fi.Mode().Perm())
	}
	rc, err := bs.Open(ctx, idA)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(got, data) {
		t.Fatalf("data mismatch: %q", got)
	}
	if err := bs.Delete(ctx, idA); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := bs.Open(ctx, idA); !errors.Is(err, store.ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound after delete, got %v", err)
	}
	if err := bs.Delete(ctx, idA); !errors.Is(err, store.ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound on second delete, got %v", err)
	}
}

func TestConsumeDeletesOnClose(t *testing.T) {
	bs, dir := newStore(t)
	ctx := context.Background()
	data := []byte("secret-bytes")
	if err := bs.Write(ctx, idA, bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	rc, err := bs.Consume(ctx, idA)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, data) {
		t.Fatalf("data mismatch: %q", got)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("Close(delete) failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, idA+".blob")); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, got stat err=%v", err)
	}
	if _, err := bs.Consume(ctx, idA); !errors.Is(err, store.ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestWriteExistingIsConflict(t *testing.T) {
	bs, _ := newStore(t)
	ctx := context.Background()
	if err := bs.Write(ctx, idA, bytes.NewReader([]byte("one")), 3); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := bs.Write(ctx, idA, bytes.NewReader([]byte("two")), 3)
	if !errors.Is(err, app.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestNewBlobBadRoot(t *testing.T) {
	if _, err := New("/path/does/not/exist"); err == nil {
		t.Fatalf("expected error for non-existent root")
	}
	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(f); err == nil {
		t.Fatalf("expected error for non-directory root")
	}
}

func TestWriteShortReaderRemovesPartial(t *testing.T) {
	bs, dir := newStore(t)
	data := []byte("short")
	err := bs.Write(context.Background(), idB, bytes.NewReader(data), int64(len(data)+10))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF error, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, idB+".blob")); !os.IsNotExist(err) {
		t.Fatalf("expected no blob file, got: %v", err)
	}
}

func TestWriteCanceledContext(t *testing.T) {
	bs, _ := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bs.Write(ctx, idA, bytes.NewReader([]byte("x")), 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestInvalidIDsRejected(t *testing.T) {
	bs, _ := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"", "../etc/passwd", "ABCDEF", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"} {
		if err := bs.Write(ctx, id, bytes.NewReader(nil), 0); !errors.Is(err, domain.ErrInvalidID) {
			t.Fatalf("Write(%q): expected ErrInvalidID, got %v", id, err)
		}
		if _, err := bs.Open(ctx, id); err == nil {
			t.Fatalf("Open(%q): expected error", id)
		}
		if _, err := bs.Consume(ctx, id); err == nil {
			t.Fatalf("Consume(%q): expected error", id)
		}
		if err := bs.Delete(ctx, id); err == nil {
			t.Fatalf("Delete(%q): expected error", id)
		}
	}
}

func TestListSkipsYoungAndForeignFiles(t *testing.T) {
	bs, dir := newStore(t)
	ctx := context.Background()
	for _, id := range []string{idA, idB} {
		if err := bs.Write(ctx, id, bytes.NewReader([]byte("x")), 1); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600)
	_ = os.WriteFile(filepath.Join(dir, "bogus.blob"), []byte("x"), 0o600)
	_ = os.Mkdir(filepath.Join(dir, "sub"), 0o700)

	ids, err := bs.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("fresh blobs must be hidden, got %v", ids)
	}

	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(filepath.Join(dir, idA+".blob"), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	ids, err = bs.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != idA {
		t.Fatalf("expected [%s], got %v", idA, ids)
	}

	bs.MinAge = 0
	ids, _ = bs.List(ctx)
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != idA || ids[1] != idB {
		t.Fatalf("expected both blobs, got %v", ids)
	}
}
