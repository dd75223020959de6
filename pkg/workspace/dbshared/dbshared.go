// Package dbshared implements the workspace.Store port once, against a
// *sqlx.DB, using sqlx.Rebind so the same query text runs unmodified
// against both the sqlite and Postgres backends (pkg/workspace/sqlitedb,
// pkg/workspace/pgdb), mirroring pkg/jobs/dbshared's trait-object-over-
// storage-backends approach.
package dbshared

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/workspace"
)

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	title TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS blocks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	raw_text TEXT,
	display_text TEXT,
	derived_text TEXT,
	sensitivity TEXT NOT NULL,
	exportable INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

type workspaceRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

type documentRow struct {
	ID          string `db:"id"`
	WorkspaceID string `db:"workspace_id"`
	Title       string `db:"title"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

type blockRow struct {
	ID          string         `db:"id"`
	DocumentID  string         `db:"document_id"`
	Kind        string         `db:"kind"`
	Sequence    int            `db:"sequence"`
	RawText     sql.NullString `db:"raw_text"`
	DisplayText sql.NullString `db:"display_text"`
	DerivedText sql.NullString `db:"derived_text"`
	Sensitivity string         `db:"sensitivity"`
	Exportable  bool           `db:"exportable"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
}

// DB implements workspace.Store over a *sqlx.DB.
type DB struct {
	db *sqlx.DB
}

// Open ensures the schema exists and wraps db.
func Open(db *sqlx.DB) (*DB, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, apperrors.WrapOpf(err, "create workspace schema")
	}
	return &DB{db: db}, nil
}

func (d *DB) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.db.Rebind(query), args...)
}

// CreateWorkspace inserts ws.
func (d *DB) CreateWorkspace(ctx context.Context, ws *workspace.Workspace) error {
	_, err := d.exec(ctx, `INSERT INTO workspaces (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		ws.ID.String(), ws.Name, ws.CreatedAt.Format(time.RFC3339Nano), ws.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.NewDatabaseError("insert workspace", err)
	}
	return nil
}

// GetWorkspace fetches one workspace by ID.
func (d *DB) GetWorkspace(ctx context.Context, id uuid.UUID) (*workspace.Workspace, error) {
	var r workspaceRow
	err := d.db.GetContext(ctx, &r, d.db.Rebind(`SELECT * FROM workspaces WHERE id = ?`), id.String())
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("workspace")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get workspace", err)
	}
	ws, err := r.toWorkspace()
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// ListWorkspaces returns all workspaces ordered by creation time.
func (d *DB) ListWorkspaces(ctx context.Context) ([]workspace.Workspace, error) {
	var rows []workspaceRow
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(`SELECT * FROM workspaces ORDER BY created_at ASC`)); err != nil {
		return nil, apperrors.NewDatabaseError("list workspaces", err)
	}
	out := make([]workspace.Workspace, 0, len(rows))
	for _, r := range rows {
		ws, err := r.toWorkspace()
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, nil
}

// CreateDocument inserts doc.
func (d *DB) CreateDocument(ctx context.Context, doc *workspace.Document) error {
	_, err := d.exec(ctx, `INSERT INTO documents (id, workspace_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		doc.ID.String(), doc.WorkspaceID.String(), doc.Title,
		doc.CreatedAt.Format(time.RFC3339Nano), doc.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.NewDatabaseError("insert document", err)
	}
	return nil
}

// GetDocument fetches one document by ID.
func (d *DB) GetDocument(ctx context.Context, id uuid.UUID) (*workspace.Document, error) {
	var r documentRow
	err := d.db.GetContext(ctx, &r, d.db.Rebind(`SELECT * FROM documents WHERE id = ?`), id.String())
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("document")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get document", err)
	}
	doc, err := r.toDocument()
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListDocuments returns a workspace's documents ordered by creation time.
func (d *DB) ListDocuments(ctx context.Context, workspaceID uuid.UUID) ([]workspace.Document, error) {
	var rows []documentRow
	err := d.db.SelectContext(ctx, &rows,
		d.db.Rebind(`SELECT * FROM documents WHERE workspace_id = ? ORDER BY created_at ASC`), workspaceID.String())
	if err != nil {
		return nil, apperrors.NewDatabaseError("list documents", err)
	}
	out := make([]workspace.Document, 0, len(rows))
	for _, r := range rows {
		doc, err := r.toDocument()
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// ReplaceBlocks deletes a document's existing blocks and inserts the given
// set in one transaction, since renumbering Sequence requires all-or-
// nothing semantics.
func (d *DB) ReplaceBlocks(ctx context.Context, documentID uuid.UUID, blocks []workspace.Block) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.NewDatabaseError("begin replace blocks transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM blocks WHERE document_id = ?`), documentID.String()); err != nil {
		return apperrors.NewDatabaseError("delete existing blocks", err)
	}
	for _, b := range blocks {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO blocks
				(id, document_id, kind, sequence, raw_text, display_text, derived_text, sensitivity, exportable, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			b.ID.String(), documentID.String(), b.Kind, b.Sequence,
			nullStr(b.RawText), nullStr(b.DisplayText), nullStr(b.DerivedText),
			string(b.Sensitivity), boolToInt(b.Exportable),
			b.CreatedAt.Format(time.RFC3339Nano), b.UpdatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return apperrors.NewDatabaseError("insert block", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.NewDatabaseError("commit replace blocks transaction", err)
	}
	return nil
}

// ListBlocks returns a document's blocks in ascending Sequence order.
func (d *DB) ListBlocks(ctx context.Context, documentID uuid.UUID) ([]workspace.Block, error) {
	var rows []blockRow
	err := d.db.SelectContext(ctx, &rows,
		d.db.Rebind(`SELECT * FROM blocks WHERE document_id = ? ORDER BY sequence ASC`), documentID.String())
	if err != nil {
		return nil, apperrors.NewDatabaseError("list blocks", err)
	}
	out := make([]workspace.Block, 0, len(rows))
	for _, r := range rows {
		b, err := r.toBlock()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r workspaceRow) toWorkspace() (workspace.Workspace, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return workspace.Workspace{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse workspace id")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return workspace.Workspace{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse workspace created_at")
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return workspace.Workspace{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse workspace updated_at")
	}
	return workspace.Workspace{ID: id, Name: r.Name, CreatedAt: createdAt, UpdatedAt: updatedAt}, nil
}

func (r documentRow) toDocument() (workspace.Document, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return workspace.Document{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse document id")
	}
	wsID, err := uuid.Parse(r.WorkspaceID)
	if err != nil {
		return workspace.Document{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse document workspace_id")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return workspace.Document{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse document created_at")
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return workspace.Document{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse document updated_at")
	}
	return workspace.Document{ID: id, WorkspaceID: wsID, Title: r.Title, CreatedAt: createdAt, UpdatedAt: updatedAt}, nil
}

func (r blockRow) toBlock() (workspace.Block, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return workspace.Block{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse block id")
	}
	docID, err := uuid.Parse(r.DocumentID)
	if err != nil {
		return workspace.Block{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse block document_id")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return workspace.Block{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse block created_at")
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return workspace.Block{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse block updated_at")
	}
	return workspace.Block{
		ID: id, DocumentID: docID, Kind: r.Kind, Sequence: r.Sequence,
		RawText: r.RawText.String, DisplayText: r.DisplayText.String, DerivedText: r.DerivedText.String,
		Sensitivity: workspace.Sensitivity(r.Sensitivity), Exportable: r.Exportable,
		CreatedAt: createdAt, UpdatedAt: updatedAt,
	}, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
