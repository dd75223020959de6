// Package pgdb is the Postgres backend for the workspace.Store port, used
// by the shared/team deployment profile (spec.md §5).
package pgdb

import (
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/workspace"
	"github.com/handshake-core/handshake/pkg/workspace/dbshared"
)

// Open opens a Postgres database at dsn and returns a workspace.Store
// backed by it, sharing dbshared's dialect-portable query implementation.
func Open(dsn string) (workspace.Store, *sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, nil, apperrors.WrapOpf(err, "open postgres workspace database")
	}
	backend, err := dbshared.Open(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return backend, db, nil
}
