package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haukened/burnbox/internal/app"
	"github.com/haukened/burnbox/internal/domain"
	"github.com/haukened/burnbox/internal/store"
)

// openTestIndex opens a migrated SQLite database in a temp dir.
func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := Open(ctx, DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := Migrate(ctx, db, DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ix, err := New(db, DriverSQLite)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ix
}

var base = time.UnixMilli(1_700_000_000_000).UTC()

func newRow(t *testing.T, policy domain.Policy, deadline time.Time) store.Row {
	t.Helper()
	id, err := domain.NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	return store.Row{
		Record: domain.Record{
			ID:         id,
			Kind:       domain.KindMessage,
			Scheme:     "xor",
			Policy:     policy,
			Ciphertext: "Y2lwaGVydGV4dA==",
			KeyCheck:   domain.KeyCheck(id, "key"),
			CreatedAt:  base,
			Deadline:   deadline,
			OwnerRef:   "alice",
		},
		Size: 16,
	}
}

func cond(row store.Row, now time.Time) app.ViewCondition {
	return app.ViewCondition{KeyCheck: row.KeyCheck, Now: now}
}

func TestIndexInsertGet(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	row := newRow(t, domain.PolicyTimed, base.Add(time.Minute))
	if err := ix.Insert(ctx, row); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := ix.Get(ctx, row.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Ciphertext != "" {
		t.Fatalf("Get must not return ciphertext")
	}
	if got.ID != row.ID || got.Policy != row.Policy || got.Kind != row.Kind || got.Scheme != "xor" {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(base) || !got.Deadline.Equal(base.Add(time.Minute)) {
		t.Fatalf("time mismatch: created=%v deadline=%v", got.CreatedAt, got.Deadline)
	}
	if got.KeyCheck != row.KeyCheck || got.Size != 16 || got.OwnerRef != "alice" || got.External {
		t.Fatalf("row mismatch: %+v", got)
	}

	never := newRow(t, domain.PolicyNever, time.Time{})
	if err := ix.Insert(ctx, never); err != nil {
		t.Fatalf("Insert never: %v", err)
	}
	got, err = ix.Get(ctx, never.ID)
	if err != nil {
		t.Fatalf("Get never: %v", err)
	}
	if got.HasDeadline() {
		t.Fatalf("expected no deadline, got %v", got.Deadline)
	}

	missing, _ := domain.NewID()
	if _, err := ix.Get(ctx, missing); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIndexInsertDuplicateIsConflict(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	row := newRow(t, domain.PolicyNever, time.Time{})
	if err := ix.Insert(ctx, row); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := ix.Insert(ctx, row); !errors.Is(err, app.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestIndexConsume(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	row := newRow(t, domain.PolicyOnView, time.Time{})
	if err := ix.Insert(ctx, row); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	wrong := app.ViewCondition{KeyCheck: domain.KeyCheck(row.ID, "other"), Now: base}
	if _, err := ix.Consume(ctx, row.ID, wrong); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("wrong key: expected ErrNotFound, got %v", err)
	}
	if _, err := ix.Get(ctx, row.ID); err != nil {
		t.Fatalf("row must survive a wrong key: %v", err)
	}

	got, err := ix.Consume(ctx, row.ID, cond(row, base))
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.Ciphertext != row.Ciphertext {
		t.Fatalf("ciphertext mismatch: %q", got.Ciphertext)
	}
	if _, err := ix.Consume(ctx, row.ID, cond(row, base)); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("second consume: expected ErrNotFound, got %v", err)
	}
}

func TestIndexViewGuardHonorsDeadline(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	deadline := base.Add(time.Minute)
	row := newRow(t, domain.PolicyTimed, deadline)
	if err := ix.Insert(ctx, row); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := ix.IncrementViews(ctx, row.ID, cond(row, deadline.Add(-time.Millisecond))); err != nil {
		t.Fatalf("before deadline: %v", err)
	}
	if _, err := ix.IncrementViews(ctx, row.ID, cond(row, deadline)); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("at deadline: expected ErrNotFound, got %v", err)
	}
	if _, err := ix.Consume(ctx, row.ID, cond(row, deadline)); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("consume at deadline: expected ErrNotFound, got %v", err)
	}
}

func TestIndexIncrementViews(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	row := newRow(t, domain.PolicyNever, time.Time{})
	if err := ix.Insert(ctx, row); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		got, err := ix.IncrementViews(ctx, row.ID, cond(row, base))
		if err != nil {
			t.Fatalf("IncrementViews: %v", err)
		}
		if got.ViewCount != i {
			t.Fatalf("expected view_count %d got %d", i, got.ViewCount)
		}
		if got.Ciphertext != row.Ciphertext {
			t.Fatalf("ciphertext mismatch")
		}
	}
}

func TestIndexDelete(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	row := newRow(t, domain.PolicyNever, time.Time{})
	row.External = true
	if err := ix.Insert(ctx, row); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := ix.Delete(ctx, row.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !got.External {
		t.Fatalf("expected external flag on deleted row")
	}
	if _, err := ix.Delete(ctx, row.ID); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIndexListByOwner(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	var ids []domain.RecordID
	for i := 0; i < 3; i++ {
		row := newRow(t, domain.PolicyNever, time.Time{})
		row.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := ix.Insert(ctx, row); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ids = append(ids, row.ID)
	}
	other := newRow(t, domain.PolicyNever, time.Time{})
	other.OwnerRef = "bob"
	if err := ix.Insert(ctx, other); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	rows, err := ix.ListByOwner(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].ID != ids[2] || rows[1].ID != ids[1] {
		t.Fatalf("expected newest first")
	}
	if rows[0].Ciphertext != "" {
		t.Fatalf("listing must not return ciphertext")
	}
}

func TestIndexDeleteExpired(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	past := newRow(t, domain.PolicyTimed, base.Add(-time.Second))
	past.External = true
	atCutoff := newRow(t, domain.PolicyTimed, base)
	future := newRow(t, domain.PolicyTimed, base.Add(time.Second))
	never := newRow(t, domain.PolicyNever, time.Time{})
	for _, r := range []store.Row{past, atCutoff, future, never} {
		if err := ix.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	expired, err := ix.DeleteExpired(ctx, base)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired, got %d", len(expired))
	}
	ext := map[string]bool{}
	for _, e := range expired {
		ext[e.ID] = e.External
	}
	if !ext[past.ID.String()] {
		t.Fatalf("expected external flag for %s", past.ID)
	}
	if _, ok := ext[atCutoff.ID.String()]; !ok {
		t.Fatalf("deadline equal to cutoff must be removed")
	}
	for _, r := range []store.Row{future, never} {
		if _, err := ix.Get(ctx, r.ID); err != nil {
			t.Fatalf("row %s should survive: %v", r.ID, err)
		}
	}
	again, err := ix.DeleteExpired(ctx, base)
	if err != nil || len(again) != 0 {
		t.Fatalf("second sweep: %v %d", err, len(again))
	}
}

func TestIndexListExternalIDs(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	ext := newRow(t, domain.PolicyNever, time.Time{})
	ext.External = true
	inline := newRow(t, domain.PolicyNever, time.Time{})
	for _, r := range []store.Row{ext, inline} {
		if err := ix.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	ids, err := ix.ListExternalIDs(ctx)
	if err != nil {
		t.Fatalf("ListExternalIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != ext.ID.String() {
		t.Fatalf("unexpected ids %v", ids)
	}
	if err := ix.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestIndexConcurrentConsumeSingleWinner(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()
	row := newRow(t, domain.PolicyOnView, time.Time{})
	if err := ix.Insert(ctx, row); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	const workers = 12
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		start = make(chan struct{})
	)
	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := ix.Consume(ctx, row.ID, cond(row, base))
			if err != nil && !errors.Is(err, app.ErrNotFound) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}
