package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/haukened/burnbox/internal/app"
	"github.com/haukened/burnbox/internal/domain"
	"github.com/haukened/burnbox/internal/store"
)

var _ store.Index = (*Index)(nil)

const table = "records"

var (
	metaCols    = []string{"id", "kind", "scheme", "policy", "key_check", "external", "size", "created_at", "deadline", "view_count", "owner_ref"}
	payloadCols = append(append([]string{}, metaCols...), "ciphertext")
)

// Index implements store.Index over database/sql. It is safe for concurrent
// use. The atomic view operations are single DELETE/UPDATE ... RETURNING
// statements, so no transaction is held across round-trips.
type Index struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// New constructs an Index for an already migrated database.
func New(db *sql.DB, driver string) (*Index, error) {
	d, err := parseDriver(driver)
	if err != nil {
		return nil, err
	}
	return &Index{db: db, sb: sq.StatementBuilder.PlaceholderFormat(d.placeholder)}, nil
}

// Insert stores a new record row. A duplicate ID yields app.ErrConflict.
func (i *Index) Insert(ctx context.Context, row store.Row) error {
	var inline any
	if !row.External {
		inline = row.Ciphertext
	}
	q, args, err := i.sb.Insert(table).
		Columns(payloadCols...).
		Values(
			row.ID.String(), string(row.Kind), row.Scheme, string(row.Policy), row.KeyCheck,
			row.External, row.Size, row.CreatedAt.UnixMilli(), deadlineValue(row.Deadline),
			row.ViewCount, row.OwnerRef, inline,
		).ToSql()
	if err != nil {
		return err
	}
	_, err = i.db.ExecContext(ctx, q, args...)
	return classify(err)
}

// Get returns row metadata without ciphertext.
func (i *Index) Get(ctx context.Context, id domain.RecordID) (store.Row, error) {
	q, args, err := i.sb.Select(metaCols...).From(table).Where(sq.Eq{"id": id.String()}).ToSql()
	if err != nil {
		return store.Row{}, err
	}
	return scanRow(i.db.QueryRowContext(ctx, q, args...), false)
}

// Consume deletes the row if it satisfies cond and returns it as it was.
func (i *Index) Consume(ctx context.Context, id domain.RecordID, cond app.ViewCondition) (store.Row, error) {
	q, args, err := i.sb.Delete(table).
		Where(viewable(id, cond)).
		Suffix("RETURNING " + strings.Join(payloadCols, ", ")).
		ToSql()
	if err != nil {
		return store.Row{}, err
	}
	return scanRow(i.db.QueryRowContext(ctx, q, args...), true)
}

// IncrementViews bumps view_count on a row satisfying cond and returns the
// updated row.
func (i *Index) IncrementViews(ctx context.Context, id domain.RecordID, cond app.ViewCondition) (store.Row, error) {
	q, args, err := i.sb.Update(table).
		Set("view_count", sq.Expr("view_count + 1")).
		Where(viewable(id, cond)).
		Suffix("RETURNING " + strings.Join(payloadCols, ", ")).
		ToSql()
	if err != nil {
		return store.Row{}, err
	}
	return scanRow(i.db.QueryRowContext(ctx, q, args...), true)
}

// Delete removes the row unconditionally and returns its metadata.
func (i *Index) Delete(ctx context.Context, id domain.RecordID) (store.Row, error) {
	q, args, err := i.sb.Delete(table).
		Where(sq.Eq{"id": id.String()}).
		Suffix("RETURNING " + strings.Join(metaCols, ", ")).
		ToSql()
	if err != nil {
		return store.Row{}, err
	}
	return scanRow(i.db.QueryRowContext(ctx, q, args...), false)
}

// ListByOwner returns an owner's rows, newest first.
func (i *Index) ListByOwner(ctx context.Context, owner string, limit int) ([]store.Row, error) {
	sel := i.sb.Select(metaCols...).From(table).
		Where(sq.Eq{"owner_ref": owner}).
		OrderBy("created_at DESC", "id")
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}
	q, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := i.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []store.Row
	for rows.Next() {
		r, err := scanRow(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// DeleteExpired removes timed rows whose deadline is <= t in one statement and
// returns them for blob cleanup.
func (i *Index) DeleteExpired(ctx context.Context, t time.Time) ([]store.ExpiredRecord, error) {
	q, args, err := i.sb.Delete(table).
		Where(sq.NotEq{"deadline": nil}).
		Where(sq.LtOrEq{"deadline": t.UnixMilli()}).
		Suffix("RETURNING id, external").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := i.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var recs []store.ExpiredRecord
	for rows.Next() {
		var r store.ExpiredRecord
		if err := rows.Scan(&r.ID, &r.External); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return recs, nil
}

// ListExternalIDs returns IDs of rows with blob payloads.
func (i *Index) ListExternalIDs(ctx context.Context) ([]string, error) {
	q, args, err := i.sb.Select("id").From(table).Where(sq.Eq{"external": true}).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := i.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

// Ping checks database reachability.
func (i *Index) Ping(ctx context.Context) error {
	return classify(i.db.PingContext(ctx))
}

// viewable is the guard shared by Consume and IncrementViews.
func viewable(id domain.RecordID, cond app.ViewCondition) sq.And {
	return sq.And{
		sq.Eq{"id": id.String()},
		sq.Eq{"key_check": cond.KeyCheck},
		sq.Or{sq.Eq{"deadline": nil}, sq.Gt{"deadline": cond.Now.UnixMilli()}},
	}
}

func deadlineValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(s rowScanner, withPayload bool) (store.Row, error) {
	var (
		r          store.Row
		id         string
		kind       string
		policy     string
		createdAt  int64
		deadline   sql.NullInt64
		ciphertext sql.NullString
	)
	dest := []any{&id, &kind, &r.Scheme, &policy, &r.KeyCheck, &r.External, &r.Size, &createdAt, &deadline, &r.ViewCount, &r.OwnerRef}
	if withPayload {
		dest = append(dest, &ciphertext)
	}
	if err := s.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Row{}, app.ErrNotFound
		}
		return store.Row{}, classify(err)
	}
	rid, err := domain.ParseID(id)
	if err != nil {
		return store.Row{}, err
	}
	r.ID = rid
	r.Kind = domain.Kind(kind)
	r.Policy = domain.Policy(policy)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	if deadline.Valid {
		r.Deadline = time.UnixMilli(deadline.Int64).UTC()
	}
	r.Ciphertext = ciphertext.String
	return r, nil
}
