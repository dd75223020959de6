// Package store is the embedded-DB backend for the Embedding Model
// Store port, running over a caller-supplied *sqlx.DB the way
// pkg/jobs/dbshared and pkg/diagnostics/store do.
package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/embedmodel"
)

const schema = `
CREATE TABLE IF NOT EXISTS embedding_models (
	model_id TEXT NOT NULL,
	model_version TEXT NOT NULL,
	dimensions INTEGER NOT NULL,
	max_input_tokens INTEGER NOT NULL,
	content_types TEXT,
	status TEXT NOT NULL,
	compatible_with TEXT,
	PRIMARY KEY (model_id, model_version)
);
CREATE TABLE IF NOT EXISTS embedding_registry (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	current_default_model_id TEXT NOT NULL,
	current_default_model_version TEXT NOT NULL
);
`

type modelRow struct {
	ModelID         string         `db:"model_id"`
	ModelVersion    string         `db:"model_version"`
	Dimensions      int            `db:"dimensions"`
	MaxInputTokens  int            `db:"max_input_tokens"`
	ContentTypes    sql.NullString `db:"content_types"`
	Status          string         `db:"status"`
	CompatibleWith  sql.NullString `db:"compatible_with"`
}

// Store implements embedmodel.Store over a *sqlx.DB.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open *sqlx.DB and ensures the schema exists.
func New(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, apperrors.WrapOpf(err, "create embedding model schema")
	}
	return &Store{db: db}, nil
}

// EnsureModel upserts m's catalog row, validating it first.
func (s *Store) EnsureModel(ctx context.Context, m embedmodel.Model) error {
	if err := embedmodel.Validate(m); err != nil {
		return err
	}
	if m.Status == "" {
		m.Status = embedmodel.StatusActive
	}
	contentTypes, _ := json.Marshal(m.ContentTypes)
	compatibleWith, _ := json.Marshal(m.CompatibleWith)

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO embedding_models (model_id, model_version, dimensions, max_input_tokens, content_types, status, compatible_with)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (model_id, model_version) DO UPDATE SET
			dimensions=excluded.dimensions, max_input_tokens=excluded.max_input_tokens,
			content_types=excluded.content_types, status=excluded.status, compatible_with=excluded.compatible_with`),
		m.ModelID, m.ModelVersion, m.Dimensions, m.MaxInputTokens, string(contentTypes), string(m.Status), string(compatibleWith))
	if err != nil {
		return apperrors.NewDatabaseError("ensure embedding model", err)
	}
	return nil
}

// GetModel fetches a single catalog row.
func (s *Store) GetModel(ctx context.Context, modelID, modelVersion string) (*embedmodel.Model, error) {
	var r modelRow
	err := s.db.GetContext(ctx, &r,
		s.db.Rebind(`SELECT * FROM embedding_models WHERE model_id = ? AND model_version = ?`), modelID, modelVersion)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("embedding model")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get embedding model", err)
	}
	m := r.toModel()
	return &m, nil
}

// ListModels returns the full catalog.
func (s *Store) ListModels(ctx context.Context) ([]embedmodel.Model, error) {
	var rows []modelRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM embedding_models ORDER BY model_id, model_version`); err != nil {
		return nil, apperrors.NewDatabaseError("list embedding models", err)
	}
	out := make([]embedmodel.Model, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// GetRegistry fetches the singleton default-model pointer, or nil if
// no default has been set yet.
func (s *Store) GetRegistry(ctx context.Context) (*embedmodel.Registry, error) {
	var reg embedmodel.Registry
	err := s.db.GetContext(ctx, &reg,
		`SELECT current_default_model_id, current_default_model_version FROM embedding_registry WHERE id = 1`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get embedding registry", err)
	}
	return &reg, nil
}

// SetDefault points the registry at (modelID, modelVersion), which must
// already be a catalog entry.
func (s *Store) SetDefault(ctx context.Context, modelID, modelVersion string) error {
	if _, err := s.GetModel(ctx, modelID, modelVersion); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO embedding_registry (id, current_default_model_id, current_default_model_version)
		VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			current_default_model_id=excluded.current_default_model_id,
			current_default_model_version=excluded.current_default_model_version`),
		modelID, modelVersion)
	if err != nil {
		return apperrors.NewDatabaseError("set default embedding model", err)
	}
	return nil
}

func (r modelRow) toModel() embedmodel.Model {
	var contentTypes, compatibleWith []string
	if r.ContentTypes.Valid {
		_ = json.Unmarshal([]byte(r.ContentTypes.String), &contentTypes)
	}
	if r.CompatibleWith.Valid {
		_ = json.Unmarshal([]byte(r.CompatibleWith.String), &compatibleWith)
	}
	return embedmodel.Model{
		ModelID: r.ModelID, ModelVersion: r.ModelVersion, Dimensions: r.Dimensions,
		MaxInputTokens: r.MaxInputTokens, ContentTypes: contentTypes,
		Status: embedmodel.Status(r.Status), CompatibleWith: compatibleWith,
	}
}
