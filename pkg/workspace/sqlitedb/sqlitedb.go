// Package sqlitedb is the embedded sqlite backend for the workspace.Store
// port, used by the local-workstation deployment (spec.md §5).
package sqlitedb

import (
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/workspace"
	"github.com/handshake-core/handshake/pkg/workspace/dbshared"
)

// Open opens a sqlite database at dsn and returns a workspace.Store backed
// by it, sharing dbshared's dialect-portable query implementation.
func Open(dsn string) (workspace.Store, *sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, apperrors.WrapOpf(err, "open sqlite workspace database")
	}
	// sqlite tolerates only one writer; serialize all access on a single
	// connection rather than risking SQLITE_BUSY under concurrent tasks.
	db.SetMaxOpenConns(1)
	backend, err := dbshared.Open(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return backend, db, nil
}
