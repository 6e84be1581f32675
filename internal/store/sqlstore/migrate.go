package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*/*.sql
var embedMigrations embed.FS

// gooseUp is swappable in tests.
var gooseUp = goose.UpContext

// Migrate applies the embedded schema migrations for driver.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	d, err := parseDriver(driver)
	if err != nil {
		return err
	}
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(d.gooseDialect); err != nil {
		return fmt.Errorf("migration error setting dialect for db: %w", err)
	}
	if err := gooseUp(ctx, db, path.Join("migrations", d.name)); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	return nil
}
