// Package pgdb is the Postgres backend for the jobs.Database port, used by
// the shared/team deployment profile (spec.md §5).
package pgdb

import (
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/jobs"
	"github.com/handshake-core/handshake/pkg/jobs/dbshared"
)

// Open opens a Postgres database at dsn and returns a jobs.Database backed
// by it, sharing dbshared's dialect-portable query implementation.
func Open(dsn string) (jobs.Database, *sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, nil, apperrors.WrapOpf(err, "open postgres jobs database")
	}
	backend, err := dbshared.Open(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return backend, db, nil
}
