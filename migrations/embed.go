// Package migrations holds the goose SQL migrations, embedded so the server,
// the migrate command and integration tests apply the same schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

// FS contains every *.sql migration.
//
//go:embed *.sql
var FS embed.FS

// Setup points goose at the embedded migrations for postgres.
func Setup() error {
	goose.SetBaseFS(FS)
	return goose.SetDialect("postgres")
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	if err := Setup(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
