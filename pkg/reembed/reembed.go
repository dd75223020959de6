// Package reembed implements the Re-embed Controller (C12): when the
// workspace's default embedding model changes, every current Silver row is
// non-destructively superseded by a freshly embedded row under the new
// model, resumable across crashes since every write is atomic and every
// insert idempotent, per §4.12.
package reembed

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/artifact/atomic"
	"github.com/handshake-core/handshake/pkg/embedmodel"
	"github.com/handshake-core/handshake/pkg/flightrecorder"
	"github.com/handshake-core/handshake/pkg/pipeline"
	"github.com/handshake-core/handshake/pkg/storageguard"
)

const shadowDir = ".handshake"

// Controller wires the embedding registry, the Bronze/Silver repository,
// and the Flight Recorder into the C12 operation.
type Controller struct {
	repo     pipeline.Repository
	models   embedmodel.Store
	recorder flightrecorder.Recorder
	root     string
}

// New constructs a Controller rooted at root, re-embedding workspaces'
// Silver rows through repo under the model catalog models.
func New(repo pipeline.Repository, models embedmodel.Store, recorder flightrecorder.Recorder, root string) *Controller {
	return &Controller{repo: repo, models: models, recorder: recorder, root: root}
}

// EnsureModel registers m in the catalog, validating its required fields
// first.
func (c *Controller) EnsureModel(ctx context.Context, m embedmodel.Model) error {
	if err := embedmodel.Validate(m); err != nil {
		return err
	}
	return c.models.EnsureModel(ctx, m)
}

// Report summarizes one MaybeChangeDefault call.
type Report struct {
	Changed                bool
	PreviousModelID        string
	PreviousModelVersion   string
	NewModelID             string
	NewModelVersion        string
	AffectedRows           int
	SupersededToSilverIDs  []string
}

// MaybeChangeDefault sets the registry's default model to (modelID,
// modelVersion) if it differs from the current default, then re-embeds
// every current Silver row in workspaceID. Calling it again with an
// unchanged default model is a no-op — zero new Silver rows, zero
// superseded — per Testable Property 11.
func (c *Controller) MaybeChangeDefault(ctx context.Context, workspaceID, modelID, modelVersion string, writeCtx storageguard.WriteContext) (Report, error) {
	traceID := uuid.New()

	current, err := c.models.GetRegistry(ctx)
	if err != nil && apperrors.GetType(err) != apperrors.ErrorTypeNotFound {
		return Report{}, err
	}
	if current != nil && current.CurrentDefaultModelID == modelID && current.CurrentDefaultModelVersion == modelVersion {
		return Report{Changed: false, NewModelID: modelID, NewModelVersion: modelVersion}, nil
	}

	newModel, err := c.models.GetModel(ctx, modelID, modelVersion)
	if err != nil {
		return Report{}, err
	}

	silvers, err := c.repo.ListCurrentSilverByWorkspace(ctx, workspaceID)
	if err != nil {
		return Report{}, err
	}

	report := Report{Changed: true, NewModelID: modelID, NewModelVersion: modelVersion, AffectedRows: len(silvers)}
	if current != nil {
		report.PreviousModelID = current.CurrentDefaultModelID
		report.PreviousModelVersion = current.CurrentDefaultModelVersion
	}

	if err := c.models.SetDefault(ctx, modelID, modelVersion); err != nil {
		return Report{}, err
	}

	// A first-ever default assignment has no previous model; the payload
	// contract requires a non-empty from_model_id, so record "none".
	fromID, fromVersion := report.PreviousModelID, report.PreviousModelVersion
	if fromID == "" {
		fromID, fromVersion = "none", "none"
	}
	if err := c.emit(ctx, traceID, flightrecorder.EventDataEmbeddingModelChanged, map[string]interface{}{
		"from_model_id": fromID, "from_model_version": fromVersion,
		"to_model_id": modelID, "to_model_version": modelVersion, "affected_count": len(silvers),
	}); err != nil {
		return Report{}, err
	}
	if err := c.emit(ctx, traceID, flightrecorder.EventDataReembeddingTriggered, map[string]interface{}{
		"workspace_id": workspaceID, "model_id": modelID, "model_version": modelVersion, "row_count": len(silvers),
	}); err != nil {
		return Report{}, err
	}

	for _, old := range silvers {
		newID, err := c.reembedOne(ctx, old, newModel, writeCtx, traceID)
		if err != nil {
			return report, err
		}
		report.SupersededToSilverIDs = append(report.SupersededToSilverIDs, newID)
	}

	return report, nil
}

// reembedOne recomputes old's silver_id under model, re-embeds its
// existing chunk text (chunking itself is unchanged), and supersedes old
// with the freshly inserted row. If the new row already exists — e.g. a
// prior run crashed after insert but before supersede — the insert is
// skipped and supersession proceeds, making the whole call resumable.
func (c *Controller) reembedOne(ctx context.Context, old pipeline.Silver, model *embedmodel.Model, writeCtx storageguard.WriteContext, traceID uuid.UUID) (string, error) {
	chunkText, err := os.ReadFile(filepath.Join(c.root, old.ChunkArtifactPath))
	if err != nil {
		return "", apperrors.WrapOpf(err, "read chunk artifact for re-embed %s", old.SilverID)
	}

	newSilverID := pipeline.SilverID(old.BronzeRef, old.ChunkingStrategy, old.ChunkIndex, old.ByteStart, old.ByteEnd,
		old.ContentHash, old.PipelineVersion, model.ModelID, model.ModelVersion)

	embedding, wasTruncated := pipeline.ComputeEmbedding(string(chunkText), model.ModelID, model.ModelVersion, model.Dimensions, model.MaxInputTokens)

	chunkArtifactPath := filepath.Join(shadowDir, "silver", newSilverID)
	embeddingArtifactPath := filepath.Join(shadowDir, "silver", newSilverID+"."+model.ModelID+"."+model.ModelVersion+".json")

	if err := atomic.Write(c.root, chunkArtifactPath, chunkText, true); err != nil {
		return "", apperrors.WrapOpf(err, "write re-embedded chunk artifact %s", newSilverID)
	}
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal re-embedded artifact %s", newSilverID)
	}
	if err := atomic.Write(c.root, embeddingArtifactPath, embeddingJSON, true); err != nil {
		return "", apperrors.WrapOpf(err, "write re-embedded embedding artifact %s", newSilverID)
	}

	existing, err := c.repo.GetCurrentSilver(ctx, old.BronzeRef, old.ChunkIndex, model.ModelID, model.ModelVersion)
	if err != nil && apperrors.GetType(err) != apperrors.ErrorTypeNotFound {
		return "", err
	}
	if existing == nil {
		if _, err := storageguard.ValidateWrite(writeCtx, newSilverID, time.Now().UTC()); err != nil {
			return "", err
		}
		newSilver := &pipeline.Silver{
			SilverID: newSilverID, BronzeRef: old.BronzeRef, ChunkIndex: old.ChunkIndex, TotalChunks: old.TotalChunks,
			TokenCount: old.TokenCount, ContentHash: old.ContentHash,
			ByteStart: old.ByteStart, ByteEnd: old.ByteEnd, LineStart: old.LineStart, LineEnd: old.LineEnd,
			ChunkArtifactPath: chunkArtifactPath, EmbeddingArtifactPath: embeddingArtifactPath,
			ModelID: model.ModelID, ModelVersion: model.ModelVersion, ChunkingStrategy: old.ChunkingStrategy,
			PipelineVersion: old.PipelineVersion, ValidationStatus: "valid", IsCurrent: true,
			CreatedAt: time.Now().UTC(),
		}
		if err := c.repo.InsertSilver(ctx, newSilver); err != nil {
			return "", err
		}
	}

	if err := c.repo.SupersedeSilver(ctx, old.SilverID, newSilverID); err != nil {
		return "", err
	}

	if err := c.emit(ctx, traceID, flightrecorder.EventDataSilverUpdated, map[string]interface{}{
		"silver_id": newSilverID, "superseded_id": old.SilverID,
	}); err != nil {
		return "", err
	}
	if err := c.emit(ctx, traceID, flightrecorder.EventDataEmbeddingComputed, map[string]interface{}{
		"silver_id": newSilverID, "model_id": model.ModelID, "model_version": model.ModelVersion, "was_truncated": wasTruncated,
	}); err != nil {
		return "", err
	}

	return newSilverID, nil
}

func (c *Controller) emit(ctx context.Context, traceID uuid.UUID, eventType flightrecorder.EventType, payload map[string]interface{}) error {
	if c.recorder == nil {
		return nil
	}
	return c.recorder.RecordEvent(ctx, &flightrecorder.Envelope{
		EventID: uuid.New(), TraceID: traceID, Timestamp: time.Now().UTC(),
		Actor: flightrecorder.ActorSystem, ActorID: "reembed_controller",
		EventType: eventType, Payload: payload,
	})
}
