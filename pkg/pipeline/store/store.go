// Package store is the embedded-DB backend for the pipeline.Repository
// port, sharing its *sqlx.DB handle with the other relational stores.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS bronze_records (
	bronze_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	rel_path TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	content_type TEXT NOT NULL,
	encoding TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	artifact_path TEXT NOT NULL,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	retention_policy TEXT,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS silver_records (
	silver_id TEXT PRIMARY KEY,
	bronze_ref TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	total_chunks INTEGER NOT NULL,
	token_count INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	byte_start INTEGER NOT NULL,
	byte_end INTEGER NOT NULL,
	line_start INTEGER NOT NULL,
	line_end INTEGER NOT NULL,
	chunk_artifact_path TEXT NOT NULL,
	embedding_artifact_path TEXT NOT NULL,
	model_id TEXT NOT NULL,
	model_version TEXT NOT NULL,
	chunking_strategy TEXT NOT NULL,
	pipeline_version TEXT NOT NULL,
	validation_status TEXT NOT NULL,
	is_current INTEGER NOT NULL DEFAULT 1,
	superseded_by TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_silver_bronze_chunk ON silver_records(bronze_ref, chunk_index, model_id, model_version);
CREATE TABLE IF NOT EXISTS import_edges (
	relationship_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	imported TEXT NOT NULL,
	PRIMARY KEY (relationship_type, source_id, target_id)
);
`

type bronzeRow struct {
	BronzeID        string         `db:"bronze_id"`
	WorkspaceID     string         `db:"workspace_id"`
	RelPath         string         `db:"rel_path"`
	ContentHash     string         `db:"content_hash"`
	ContentType     string         `db:"content_type"`
	Encoding        string         `db:"encoding"`
	SizeBytes       int64          `db:"size_bytes"`
	ArtifactPath    string         `db:"artifact_path"`
	IsDeleted       bool           `db:"is_deleted"`
	RetentionPolicy sql.NullString `db:"retention_policy"`
	CreatedAt       string         `db:"created_at"`
}

type silverRow struct {
	SilverID              string         `db:"silver_id"`
	BronzeRef             string         `db:"bronze_ref"`
	ChunkIndex            int            `db:"chunk_index"`
	TotalChunks           int            `db:"total_chunks"`
	TokenCount            int            `db:"token_count"`
	ContentHash           string         `db:"content_hash"`
	ByteStart             int            `db:"byte_start"`
	ByteEnd               int            `db:"byte_end"`
	LineStart             int            `db:"line_start"`
	LineEnd               int            `db:"line_end"`
	ChunkArtifactPath     string         `db:"chunk_artifact_path"`
	EmbeddingArtifactPath string         `db:"embedding_artifact_path"`
	ModelID               string         `db:"model_id"`
	ModelVersion          string         `db:"model_version"`
	ChunkingStrategy      string         `db:"chunking_strategy"`
	PipelineVersion       string         `db:"pipeline_version"`
	ValidationStatus      string         `db:"validation_status"`
	IsCurrent             bool           `db:"is_current"`
	SupersededBy          sql.NullString `db:"superseded_by"`
	CreatedAt             string         `db:"created_at"`
}

// Store implements pipeline.Repository over a *sqlx.DB.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open *sqlx.DB and ensures the schema exists.
func New(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, apperrors.WrapOpf(err, "create pipeline schema")
	}
	return &Store{db: db}, nil
}

// GetBronze fetches a single Bronze row by ID.
func (s *Store) GetBronze(ctx context.Context, bronzeID string) (*pipeline.Bronze, error) {
	var r bronzeRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT * FROM bronze_records WHERE bronze_id = ?`), bronzeID)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("bronze record")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get bronze record", err)
	}
	b := r.toBronze()
	return &b, nil
}

// InsertBronze inserts a fresh Bronze row.
func (s *Store) InsertBronze(ctx context.Context, b *pipeline.Bronze) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO bronze_records
			(bronze_id, workspace_id, rel_path, content_hash, content_type, encoding,
			 size_bytes, artifact_path, is_deleted, retention_policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		b.BronzeID, b.WorkspaceID, b.RelPath, b.ContentHash, b.ContentType, b.Encoding,
		b.SizeBytes, b.ArtifactPath, boolToInt(b.IsDeleted), nullStr(b.RetentionPolicy), b.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.NewDatabaseError("insert bronze record", err)
	}
	return nil
}

// GetCurrentSilver fetches the current Silver row for (bronzeRef, chunkIndex,
// modelID, modelVersion), or nil if none exists yet.
func (s *Store) GetCurrentSilver(ctx context.Context, bronzeRef string, chunkIndex int, modelID, modelVersion string) (*pipeline.Silver, error) {
	var r silverRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`
		SELECT * FROM silver_records
		WHERE bronze_ref = ? AND chunk_index = ? AND model_id = ? AND model_version = ? AND is_current = 1`),
		bronzeRef, chunkIndex, modelID, modelVersion)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("silver record")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get current silver record", err)
	}
	silv := r.toSilver()
	return &silv, nil
}

// GetSilverByID fetches a single Silver row by its ID, current or not.
func (s *Store) GetSilverByID(ctx context.Context, silverID string) (*pipeline.Silver, error) {
	var r silverRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT * FROM silver_records WHERE silver_id = ?`), silverID)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("silver record")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get silver record by id", err)
	}
	silv := r.toSilver()
	return &silv, nil
}

// ListCurrentSilverByWorkspace lists every current Silver row belonging to
// Bronze rows under workspaceID.
func (s *Store) ListCurrentSilverByWorkspace(ctx context.Context, workspaceID string) ([]pipeline.Silver, error) {
	var rows []silverRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT sr.* FROM silver_records sr
		JOIN bronze_records br ON br.bronze_id = sr.bronze_ref
		WHERE br.workspace_id = ? AND sr.is_current = 1
		ORDER BY sr.bronze_ref, sr.chunk_index`), workspaceID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list current silver records", err)
	}
	out := make([]pipeline.Silver, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSilver())
	}
	return out, nil
}

// InsertSilver inserts a fresh, current Silver row.
func (s *Store) InsertSilver(ctx context.Context, silv *pipeline.Silver) error {
	if silv.CreatedAt.IsZero() {
		silv.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO silver_records
			(silver_id, bronze_ref, chunk_index, total_chunks, token_count, content_hash,
			 byte_start, byte_end, line_start, line_end, chunk_artifact_path, embedding_artifact_path,
			 model_id, model_version, chunking_strategy, pipeline_version, validation_status,
			 is_current, superseded_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		silv.SilverID, silv.BronzeRef, silv.ChunkIndex, silv.TotalChunks, silv.TokenCount, silv.ContentHash,
		silv.ByteStart, silv.ByteEnd, silv.LineStart, silv.LineEnd, silv.ChunkArtifactPath, silv.EmbeddingArtifactPath,
		silv.ModelID, silv.ModelVersion, silv.ChunkingStrategy, silv.PipelineVersion, silv.ValidationStatus,
		boolToInt(silv.IsCurrent), nullStr(silv.SupersededBy), silv.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.NewDatabaseError("insert silver record", err)
	}
	return nil
}

// SupersedeSilver marks oldSilverID as no-longer-current and points it at
// newSilverID, per §3's one-way supersession DAG.
func (s *Store) SupersedeSilver(ctx context.Context, oldSilverID, newSilverID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE silver_records SET is_current = 0, superseded_by = ? WHERE silver_id = ?`),
		newSilverID, oldSilverID)
	if err != nil {
		return apperrors.NewDatabaseError("supersede silver record", err)
	}
	return nil
}

// InsertEdgeIfNew inserts e if its (relationship_type, source_id, target_id)
// triple hasn't been seen, reporting whether the insert happened.
func (s *Store) InsertEdgeIfNew(ctx context.Context, e pipeline.Edge) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO import_edges (relationship_type, source_id, target_id, imported)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (relationship_type, source_id, target_id) DO NOTHING`),
		e.RelationshipType, e.SourceID, e.TargetID, e.Imported)
	if err != nil {
		return false, apperrors.NewDatabaseError("insert import edge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewDatabaseError("read import edge insert result", err)
	}
	return n > 0, nil
}

// ListEdges returns every extracted import edge, sorted by
// (relationship_type, source_id, target_id) so callers get stable graph
// artifact ordering for free.
func (s *Store) ListEdges(ctx context.Context) ([]pipeline.Edge, error) {
	var rows []struct {
		RelationshipType string `db:"relationship_type"`
		SourceID         string `db:"source_id"`
		TargetID         string `db:"target_id"`
		Imported         string `db:"imported"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT relationship_type, source_id, target_id, imported FROM import_edges
		ORDER BY relationship_type, source_id, target_id`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list import edges", err)
	}
	out := make([]pipeline.Edge, 0, len(rows))
	for _, r := range rows {
		out = append(out, pipeline.Edge{
			RelationshipType: r.RelationshipType, SourceID: r.SourceID, TargetID: r.TargetID, Imported: r.Imported,
		})
	}
	return out, nil
}

func (r bronzeRow) toBronze() pipeline.Bronze {
	createdAt, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	return pipeline.Bronze{
		BronzeID: r.BronzeID, WorkspaceID: r.WorkspaceID, RelPath: r.RelPath, ContentHash: r.ContentHash,
		ContentType: r.ContentType, Encoding: r.Encoding, SizeBytes: r.SizeBytes, ArtifactPath: r.ArtifactPath,
		IsDeleted: r.IsDeleted, RetentionPolicy: r.RetentionPolicy.String, CreatedAt: createdAt,
	}
}

func (r silverRow) toSilver() pipeline.Silver {
	createdAt, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	return pipeline.Silver{
		SilverID: r.SilverID, BronzeRef: r.BronzeRef, ChunkIndex: r.ChunkIndex, TotalChunks: r.TotalChunks,
		TokenCount: r.TokenCount, ContentHash: r.ContentHash, ByteStart: r.ByteStart, ByteEnd: r.ByteEnd,
		LineStart: r.LineStart, LineEnd: r.LineEnd, ChunkArtifactPath: r.ChunkArtifactPath,
		EmbeddingArtifactPath: r.EmbeddingArtifactPath, ModelID: r.ModelID, ModelVersion: r.ModelVersion,
		ChunkingStrategy: r.ChunkingStrategy, PipelineVersion: r.PipelineVersion, ValidationStatus: r.ValidationStatus,
		IsCurrent: r.IsCurrent, SupersededBy: r.SupersededBy.String, CreatedAt: createdAt,
	}
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
