package pipeline

import (
	"strconv"
	"time"

	"github.com/handshake-core/handshake/pkg/idgen"
)

// PipelineVersion is the processing pipeline version folded into every
// silver_id, so a future chunking/embedding rewrite naturally mints new
// Silver rows instead of colliding with old ones.
const PipelineVersion = "pipeline_v1"

// Silver is the §3 Silver Record: one chunk of a Bronze document, with its
// embedding artifact, superseded in place (never mutated) when the
// embedding model or chunking strategy changes.
type Silver struct {
	SilverID              string         `json:"silver_id" db:"silver_id"`
	BronzeRef             string         `json:"bronze_ref" db:"bronze_ref"`
	ChunkIndex            int            `json:"chunk_index" db:"chunk_index"`
	TotalChunks           int            `json:"total_chunks" db:"total_chunks"`
	TokenCount            int            `json:"token_count" db:"token_count"`
	ContentHash           string         `json:"content_hash" db:"content_hash"`
	ByteStart             int            `json:"byte_start" db:"byte_start"`
	ByteEnd               int            `json:"byte_end" db:"byte_end"`
	LineStart             int            `json:"line_start" db:"line_start"`
	LineEnd               int            `json:"line_end" db:"line_end"`
	ChunkArtifactPath     string         `json:"chunk_artifact_path" db:"chunk_artifact_path"`
	EmbeddingArtifactPath string         `json:"embedding_artifact_path" db:"embedding_artifact_path"`
	ModelID               string         `json:"model_id" db:"model_id"`
	ModelVersion          string         `json:"model_version" db:"model_version"`
	ChunkingStrategy      string         `json:"chunking_strategy" db:"chunking_strategy"`
	PipelineVersion       string         `json:"pipeline_version" db:"pipeline_version"`
	Metadata              map[string]any `json:"metadata,omitempty" db:"-"`
	ValidationStatus      string         `json:"validation_status" db:"validation_status"`
	IsCurrent             bool           `json:"is_current" db:"is_current"`
	SupersededBy          string         `json:"superseded_by,omitempty" db:"superseded_by"`
	CreatedAt             time.Time      `json:"created_at" db:"created_at"`
}

// SilverID computes the §3 deterministic identifier over every input that
// changes a chunk's identity: bronze_ref, strategy, chunk_index, byte
// range, content_hash, pipeline version, model id+version.
func SilverID(bronzeRef, strategy string, chunkIndex, byteStart, byteEnd int, contentHash, pipelineVersion, modelID, modelVersion string) string {
	return "slv_" + idgen.DeterministicUUIDFrom(
		bronzeRef, strategy, strconv.Itoa(chunkIndex),
		strconv.Itoa(byteStart)+"-"+strconv.Itoa(byteEnd),
		contentHash, pipelineVersion, modelID, modelVersion,
	).String()
}
