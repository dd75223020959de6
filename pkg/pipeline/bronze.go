package pipeline

import (
	"time"

	"github.com/handshake-core/handshake/pkg/idgen"
)

// Bronze is the §3 Bronze Record: the raw-ingest layer of the medallion
// pipeline, one row per (workspace, rel_path, content_hash).
type Bronze struct {
	BronzeID        string            `json:"bronze_id" db:"bronze_id"`
	WorkspaceID     string            `json:"workspace_id" db:"workspace_id"`
	RelPath         string            `json:"rel_path" db:"rel_path"`
	ContentHash     string            `json:"content_hash" db:"content_hash"`
	ContentType     string            `json:"content_type" db:"content_type"`
	Encoding        string            `json:"encoding" db:"encoding"`
	SizeBytes       int64             `json:"size_bytes" db:"size_bytes"`
	ArtifactPath    string            `json:"artifact_path" db:"artifact_path"`
	IngestMetadata  map[string]string `json:"ingestion_metadata,omitempty" db:"-"`
	IsDeleted       bool              `json:"is_deleted" db:"is_deleted"`
	RetentionPolicy string            `json:"retention_policy,omitempty" db:"retention_policy"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
}

// BronzeID computes the §3 deterministic identifier: a pure function of
// (workspace_id, rel_path, content_hash), so re-ingesting identical bytes
// at the same path is idempotent.
func BronzeID(workspaceID, relPath, contentHash string) string {
	return "brz_" + idgen.DeterministicUUIDFrom(workspaceID, relPath, contentHash).String()
}
