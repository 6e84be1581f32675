// Package sqlstore provides a SQL implementation of the store.Index port for
// persisting record metadata and inline ciphertext. It supports SQLite
// (mattn/go-sqlite3) and Postgres (pgx stdlib) through a small dialect table;
// queries are built with squirrel.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	// database/sql drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names accepted by Open, Migrate and New.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

type dialect struct {
	name         string
	gooseDialect string
	placeholder  sq.PlaceholderFormat
}

var dialects = map[string]dialect{
	DriverSQLite:   {name: DriverSQLite, gooseDialect: "sqlite3", placeholder: sq.Question},
	DriverPostgres: {name: DriverPostgres, gooseDialect: "postgres", placeholder: sq.Dollar},
}

func parseDriver(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
	return d, nil
}

// Open opens and pings a database handle for driver. SQLite handles are
// put in WAL mode and limited to one connection so writers never see
// SQLITE_BUSY from lock upgrades.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if _, err := parseDriver(driver); err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, classify(err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL;"); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
