// Package pipeline implements the medallion ingest pipeline (C9): raw bytes
// become a Bronze record, Bronze becomes language-aware Silver chunks, and
// each chunk gets a deterministic embedding artifact — all content-addressed
// so re-ingesting unchanged input is a no-op.
package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/artifact/atomic"
	"github.com/handshake-core/handshake/pkg/flightrecorder"
	"github.com/handshake-core/handshake/pkg/idgen"
	"github.com/handshake-core/handshake/pkg/shared/logging"
	"github.com/handshake-core/handshake/pkg/storageguard"
)

const shadowDir = ".handshake"

// tracerName is the OTel tracer name for the ingest pipeline.
const tracerName = "handshake.pipeline"

// Repository is the Bronze/Silver/edge persistence port, backed alongside
// the relational Database port (§6) by the same embedded store.
type Repository interface {
	GetBronze(ctx context.Context, bronzeID string) (*Bronze, error)
	InsertBronze(ctx context.Context, b *Bronze) error

	GetCurrentSilver(ctx context.Context, bronzeRef string, chunkIndex int, modelID, modelVersion string) (*Silver, error)
	GetSilverByID(ctx context.Context, silverID string) (*Silver, error)
	ListCurrentSilverByWorkspace(ctx context.Context, workspaceID string) ([]Silver, error)
	InsertSilver(ctx context.Context, s *Silver) error
	SupersedeSilver(ctx context.Context, oldSilverID, newSilverID string) error

	InsertEdgeIfNew(ctx context.Context, e Edge) (bool, error)
	ListEdges(ctx context.Context) ([]Edge, error)
}

// IngestSpec names the paths to ingest in submission order and the model
// new embeddings are computed under.
type IngestSpec struct {
	WorkspaceID    string
	Root           string
	Paths          []string
	ModelID        string
	ModelVersion   string
	Dimensions     int
	MaxInputTokens int
	WriteCtx       storageguard.WriteContext
}

// PathReport summarizes one path's ingest outcome.
type PathReport struct {
	RelPath          string
	BronzeID         string
	BronzeCreated    bool
	SilverCreated    int
	EmbeddingsComputed int
	EdgesExtracted   int
	Skipped          bool
	SkipReason       string
}

// Pipeline wires Repository + Flight Recorder + on-disk artifact writes
// into the C9 ingest operation.
type Pipeline struct {
	repo     Repository
	recorder flightrecorder.Recorder

	// Tracer is the OTel tracer for per-path ingest spans. When nil, falls
	// back to otel.Tracer(tracerName).
	Tracer trace.Tracer
}

// New constructs a Pipeline over repo, mirroring every stage into recorder.
func New(repo Repository, recorder flightrecorder.Recorder) *Pipeline {
	return &Pipeline{repo: repo, recorder: recorder}
}

func (p *Pipeline) tracer() trace.Tracer {
	if p.Tracer != nil {
		return p.Tracer
	}
	return otel.Tracer(tracerName)
}

// RunDocIngest processes spec.Paths in submission order, appending events
// per path in pipeline order (bronze → chunks → embeddings → relationships),
// per §4.9 / §5.
func (p *Pipeline) RunDocIngest(ctx context.Context, spec IngestSpec) ([]PathReport, error) {
	reports := make([]PathReport, 0, len(spec.Paths))
	for _, path := range spec.Paths {
		report, err := p.ingestPath(ctx, spec, path)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (p *Pipeline) ingestPath(ctx context.Context, spec IngestSpec, rawPath string) (PathReport, error) {
	ctx, span := p.tracer().Start(ctx, "pipeline.ingestPath", trace.WithAttributes(
		attribute.String("workspace_id", spec.WorkspaceID),
		attribute.String("rel_path", rawPath),
	))
	defer span.End()

	traceID := uuid.New()
	relPath, err := idgen.NormalizeRelPath(rawPath)
	if err != nil {
		return PathReport{RelPath: rawPath}, err
	}
	report := PathReport{RelPath: relPath}

	data, err := os.ReadFile(filepath.Join(spec.Root, relPath))
	if err != nil {
		return report, apperrors.WrapOpf(err, "read ingest path %q", relPath)
	}
	contentHash := idgen.SHA256Hex(data)

	bronzeID := BronzeID(spec.WorkspaceID, relPath, contentHash)
	report.BronzeID = bronzeID

	existing, err := p.repo.GetBronze(ctx, bronzeID)
	if err != nil && apperrors.GetType(err) != apperrors.ErrorTypeNotFound {
		return report, err
	}
	if existing == nil {
		artifactPath := filepath.Join(shadowDir, "bronze", bronzeID)
		if _, statErr := os.Stat(filepath.Join(spec.Root, artifactPath)); os.IsNotExist(statErr) {
			if err := atomic.Write(spec.Root, artifactPath, data, false); err != nil {
				return report, apperrors.WrapOpf(err, "write bronze artifact %s", bronzeID)
			}
		}

		if _, err := storageguard.ValidateWrite(spec.WriteCtx, bronzeID, time.Now().UTC()); err != nil {
			return report, err
		}
		b := &Bronze{
			BronzeID: bronzeID, WorkspaceID: spec.WorkspaceID, RelPath: relPath,
			ContentHash: contentHash, ContentType: string(Classify(relPath)), Encoding: "utf-8",
			SizeBytes: int64(len(data)), ArtifactPath: artifactPath, CreatedAt: time.Now().UTC(),
		}
		if err := p.repo.InsertBronze(ctx, b); err != nil {
			return report, err
		}
		report.BronzeCreated = true
		logrus.WithFields(logging.BronzeFields("ingest", bronzeID, relPath).ToLogrus()).Debug("bronze record created")
		if err := p.emit(ctx, traceID, flightrecorder.EventDataBronzeCreated, map[string]interface{}{
			"bronze_id": bronzeID, "rel_path": relPath, "content_hash": contentHash, "size_bytes": len(data),
		}); err != nil {
			return report, err
		}
	}

	class := Classify(relPath)
	var chunks []RawChunk
	strategy := StrategyDocHeaderRecursiveV1
	source := string(data)

	switch {
	case class.IsSupportedCode():
		strategy = StrategyCodeASTTreesitterV1
		chunks, err = ChunkCode(source)
		if err != nil {
			report.Skipped = true
			report.SkipReason = err.Error()
			if emitErr := p.emit(ctx, traceID, flightrecorder.EventDataValidationFailed, map[string]interface{}{
				"rel_path": relPath, "failed_checks": []string{"chunking:" + err.Error()},
			}); emitErr != nil {
				return report, emitErr
			}
			return report, nil
		}
	case class == ClassUnsupportedCode:
		report.Skipped = true
		report.SkipReason = "unsupported_code_language"
		if err := p.emit(ctx, traceID, flightrecorder.EventDataValidationFailed, map[string]interface{}{
			"rel_path": relPath, "failed_checks": []string{"unsupported_code_language"},
		}); err != nil {
			return report, err
		}
		return report, nil
	default:
		chunks, err = ChunkDoc(source)
		if err != nil {
			report.Skipped = true
			report.SkipReason = err.Error()
			if emitErr := p.emit(ctx, traceID, flightrecorder.EventDataValidationFailed, map[string]interface{}{
				"rel_path": relPath, "failed_checks": []string{"chunking:" + err.Error()},
			}); emitErr != nil {
				return report, emitErr
			}
			return report, nil
		}
	}

	for idx, chunk := range chunks {
		chunkHash := idgen.SHA256Hex([]byte(chunk.Text))
		silverID := SilverID(bronzeID, strategy, idx, chunk.ByteStart, chunk.ByteEnd, chunkHash, PipelineVersion, spec.ModelID, spec.ModelVersion)

		embedding, wasTruncated := ComputeEmbedding(chunk.Text, spec.ModelID, spec.ModelVersion, spec.Dimensions, spec.MaxInputTokens)

		chunkArtifactPath := filepath.Join(shadowDir, "silver", silverID)
		embeddingArtifactPath := filepath.Join(shadowDir, "silver", silverID+"."+spec.ModelID+"."+spec.ModelVersion+".json")

		if err := atomic.Write(spec.Root, chunkArtifactPath, []byte(chunk.Text), true); err != nil {
			return report, apperrors.WrapOpf(err, "write silver chunk artifact %s", silverID)
		}
		embeddingJSON, err := json.Marshal(embedding)
		if err != nil {
			return report, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal embedding artifact %s", silverID)
		}
		if err := atomic.Write(spec.Root, embeddingArtifactPath, embeddingJSON, true); err != nil {
			return report, apperrors.WrapOpf(err, "write embedding artifact %s", silverID)
		}

		existingSilver, err := p.repo.GetCurrentSilver(ctx, bronzeID, idx, spec.ModelID, spec.ModelVersion)
		if err != nil && apperrors.GetType(err) != apperrors.ErrorTypeNotFound {
			return report, err
		}
		if existingSilver == nil {
			if _, err := storageguard.ValidateWrite(spec.WriteCtx, silverID, time.Now().UTC()); err != nil {
				return report, err
			}
			s := &Silver{
				SilverID: silverID, BronzeRef: bronzeID, ChunkIndex: idx, TotalChunks: len(chunks),
				TokenCount: chunk.TokenCount, ContentHash: chunkHash,
				ByteStart: chunk.ByteStart, ByteEnd: chunk.ByteEnd, LineStart: chunk.LineStart, LineEnd: chunk.LineEnd,
				ChunkArtifactPath: chunkArtifactPath, EmbeddingArtifactPath: embeddingArtifactPath,
				ModelID: spec.ModelID, ModelVersion: spec.ModelVersion, ChunkingStrategy: strategy,
				PipelineVersion: PipelineVersion, ValidationStatus: "valid", IsCurrent: true,
				CreatedAt: time.Now().UTC(),
			}
			if err := p.repo.InsertSilver(ctx, s); err != nil {
				return report, err
			}
			report.SilverCreated++
			logrus.WithFields(logging.SilverFields("chunk", silverID, bronzeID).ToLogrus()).Debug("silver chunk created")
			if err := p.emit(ctx, traceID, flightrecorder.EventDataSilverCreated, map[string]interface{}{
				"silver_id": silverID, "bronze_ref": bronzeID, "chunk_index": idx, "strategy": strategy,
			}); err != nil {
				return report, err
			}
		}

		report.EmbeddingsComputed++
		if err := p.emit(ctx, traceID, flightrecorder.EventDataEmbeddingComputed, map[string]interface{}{
			"silver_id": silverID, "model_id": spec.ModelID, "model_version": spec.ModelVersion, "was_truncated": wasTruncated,
		}); err != nil {
			return report, err
		}
	}

	for _, edge := range ExtractImportEdges(source, bronzeID) {
		isNew, err := p.repo.InsertEdgeIfNew(ctx, edge)
		if err != nil {
			return report, err
		}
		if isNew {
			report.EdgesExtracted++
			if err := p.emit(ctx, traceID, flightrecorder.EventDataRelationshipExtracted, map[string]interface{}{
				"relationship_type": edge.RelationshipType, "source_id": edge.SourceID, "target_id": edge.TargetID,
			}); err != nil {
				return report, err
			}
		}
	}

	return report, nil
}

func (p *Pipeline) emit(ctx context.Context, traceID uuid.UUID, eventType flightrecorder.EventType, payload map[string]interface{}) error {
	if p.recorder == nil {
		return nil
	}
	return p.recorder.RecordEvent(ctx, &flightrecorder.Envelope{
		EventID: uuid.New(), TraceID: traceID, Timestamp: time.Now().UTC(),
		Actor: flightrecorder.ActorSystem, ActorID: "ingest_pipeline",
		EventType: eventType, Payload: payload,
	})
}
