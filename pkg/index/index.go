// Package index builds the three per-workspace indexes C9's Silver rows
// feed the hybrid retriever (C11): a keyword posting list, a per-model/
// version vector index, and a sorted graph artifact.
package index

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/artifact/atomic"
	"github.com/handshake-core/handshake/pkg/flightrecorder"
	"github.com/handshake-core/handshake/pkg/pipeline"
)

const indexDir = ".handshake/index"

// Posting is one term's occurrence within a single Silver chunk.
type Posting struct {
	SilverID string `json:"silver_id"`
	TermFreq int    `json:"term_freq"`
}

// KeywordIndex is the tokenized posting-list index over a workspace's
// current Silver chunks, per §4.10.
type KeywordIndex struct {
	WorkspaceID string               `json:"workspace_id"`
	TotalDocs   int                  `json:"total_docs"`
	DocFreq     map[string]int       `json:"doc_freq"`
	Postings    map[string][]Posting `json:"postings"`
	BuiltAt     time.Time            `json:"built_at"`
}

// VectorEntry is one chunk's embedding within a VectorIndex.
type VectorEntry struct {
	SilverID string    `json:"silver_id"`
	Vector   []float64 `json:"vector"`
}

// VectorIndex collects every current Silver chunk's embedding under a
// single model/version, per §4.10.
type VectorIndex struct {
	WorkspaceID  string        `json:"workspace_id"`
	ModelID      string        `json:"model_id"`
	ModelVersion string        `json:"model_version"`
	Dimensions   int           `json:"dimensions"`
	Entries      []VectorEntry `json:"entries"`
	BuiltAt      time.Time     `json:"built_at"`
}

// GraphIndex is the import-relationship graph, sorted by
// (relationship_type, source_id, target_id), per §4.10.
type GraphIndex struct {
	WorkspaceID string          `json:"workspace_id"`
	Edges       []pipeline.Edge `json:"edges"`
	BuiltAt     time.Time       `json:"built_at"`
}

// Report summarizes one index kind's rebuild/update outcome.
type Report struct {
	IndexKind       string
	Rebuilt         bool
	RecordsIndexed  int
	RecordsAffected int
}

// tokenize lowercases s and splits on runs of non-alphanumeric runes,
// matching §4.10's "lowercase/alnum tokenizer".
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
			continue
		}
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// Builder assembles and atomically persists the three index kinds for a
// workspace, reading chunk text and embedding artifacts off disk via the
// Silver rows recorded by pkg/pipeline.
type Builder struct {
	repo     pipeline.Repository
	recorder flightrecorder.Recorder
	root     string
}

// New constructs a Builder rooted at root, reading Silver rows from repo
// and mirroring rebuild/update events into recorder.
func New(repo pipeline.Repository, recorder flightrecorder.Recorder, root string) *Builder {
	return &Builder{repo: repo, recorder: recorder, root: root}
}

// BuildKeywordIndex tokenizes every current Silver chunk's text in
// workspaceID and persists the posting list atomically.
func (b *Builder) BuildKeywordIndex(ctx context.Context, workspaceID string) (Report, error) {
	silvers, err := b.repo.ListCurrentSilverByWorkspace(ctx, workspaceID)
	if err != nil {
		return Report{}, err
	}

	idx := KeywordIndex{
		WorkspaceID: workspaceID,
		DocFreq:     map[string]int{},
		Postings:    map[string][]Posting{},
		BuiltAt:     time.Now().UTC(),
	}
	for _, s := range silvers {
		text, err := b.readArtifact(s.ChunkArtifactPath)
		if err != nil {
			return Report{}, err
		}
		freqs := map[string]int{}
		for _, tok := range tokenize(text) {
			freqs[tok]++
		}
		for term, freq := range freqs {
			idx.Postings[term] = append(idx.Postings[term], Posting{SilverID: s.SilverID, TermFreq: freq})
			idx.DocFreq[term]++
		}
	}
	idx.TotalDocs = len(silvers)

	path := filepath.Join(indexDir, workspaceID, "keyword.json")
	return b.persist(ctx, "keyword", path, idx, len(silvers))
}

// BuildVectorIndex collects {silver_id, vector} pairs for workspaceID
// under (modelID, modelVersion) and persists the collection atomically.
func (b *Builder) BuildVectorIndex(ctx context.Context, workspaceID, modelID, modelVersion string, dimensions int) (Report, error) {
	silvers, err := b.repo.ListCurrentSilverByWorkspace(ctx, workspaceID)
	if err != nil {
		return Report{}, err
	}

	idx := VectorIndex{
		WorkspaceID: workspaceID, ModelID: modelID, ModelVersion: modelVersion,
		Dimensions: dimensions, BuiltAt: time.Now().UTC(),
	}
	for _, s := range silvers {
		if s.ModelID != modelID || s.ModelVersion != modelVersion {
			continue
		}
		raw, err := b.readArtifact(s.EmbeddingArtifactPath)
		if err != nil {
			return Report{}, err
		}
		var emb pipeline.Embedding
		if err := json.Unmarshal([]byte(raw), &emb); err != nil {
			return Report{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "unmarshal embedding artifact for %s", s.SilverID)
		}
		idx.Entries = append(idx.Entries, VectorEntry{SilverID: s.SilverID, Vector: emb.Vector})
	}

	path := filepath.Join(indexDir, workspaceID, modelID+"."+modelVersion+".vector.json")
	return b.persist(ctx, "vector", path, idx, len(idx.Entries))
}

// BuildGraphIndex sorts every extracted import edge by
// (relationship_type, source_id, target_id) and persists it atomically.
func (b *Builder) BuildGraphIndex(ctx context.Context, workspaceID string) (Report, error) {
	edges, err := b.repo.ListEdges(ctx)
	if err != nil {
		return Report{}, err
	}
	sorted := make([]pipeline.Edge, len(edges))
	copy(sorted, edges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].RelationshipType != sorted[j].RelationshipType {
			return sorted[i].RelationshipType < sorted[j].RelationshipType
		}
		if sorted[i].SourceID != sorted[j].SourceID {
			return sorted[i].SourceID < sorted[j].SourceID
		}
		return sorted[i].TargetID < sorted[j].TargetID
	})

	idx := GraphIndex{WorkspaceID: workspaceID, Edges: sorted, BuiltAt: time.Now().UTC()}
	path := filepath.Join(indexDir, workspaceID, "graph.json")
	return b.persist(ctx, "graph", path, idx, len(sorted))
}

// QualityReport summarizes a workspace's ingest quality after an index
// build: how many current Silver rows exist, their token volume, and what
// fraction carry an embedding artifact.
type QualityReport struct {
	WorkspaceID       string  `json:"workspace_id"`
	SilverCount       int     `json:"silver_count"`
	TokenCountTotal   int     `json:"token_count_total"`
	EmbeddingCoverage float64 `json:"embedding_coverage"`
}

// BuildAll rebuilds the three index kinds for workspaceID and then computes
// and emits the workspace's quality metrics, in pipeline order (indexes
// before quality).
func (b *Builder) BuildAll(ctx context.Context, workspaceID, modelID, modelVersion string, dimensions int) ([]Report, QualityReport, error) {
	var reports []Report

	r, err := b.BuildKeywordIndex(ctx, workspaceID)
	if err != nil {
		return reports, QualityReport{}, err
	}
	reports = append(reports, r)

	r, err = b.BuildVectorIndex(ctx, workspaceID, modelID, modelVersion, dimensions)
	if err != nil {
		return reports, QualityReport{}, err
	}
	reports = append(reports, r)

	r, err = b.BuildGraphIndex(ctx, workspaceID)
	if err != nil {
		return reports, QualityReport{}, err
	}
	reports = append(reports, r)

	quality, err := b.ComputeQualityMetrics(ctx, workspaceID)
	if err != nil {
		return reports, QualityReport{}, err
	}
	return reports, quality, nil
}

// ComputeQualityMetrics derives the QualityReport for workspaceID's current
// Silver rows and emits it as a data_quality_metrics event.
func (b *Builder) ComputeQualityMetrics(ctx context.Context, workspaceID string) (QualityReport, error) {
	silvers, err := b.repo.ListCurrentSilverByWorkspace(ctx, workspaceID)
	if err != nil {
		return QualityReport{}, err
	}

	report := QualityReport{WorkspaceID: workspaceID, SilverCount: len(silvers), EmbeddingCoverage: 1}
	embedded := 0
	for _, s := range silvers {
		report.TokenCountTotal += s.TokenCount
		if s.EmbeddingArtifactPath != "" {
			embedded++
		}
	}
	if len(silvers) > 0 {
		report.EmbeddingCoverage = float64(embedded) / float64(len(silvers))
	}

	if b.recorder != nil {
		env := &flightrecorder.Envelope{
			EventID: uuid.New(), TraceID: uuid.New(), Timestamp: time.Now().UTC(),
			Actor: flightrecorder.ActorSystem, ActorID: "index_builder",
			EventType: flightrecorder.EventDataQualityMetrics, Payload: map[string]interface{}{
				"workspace_id":       workspaceID,
				"silver_count":       report.SilverCount,
				"token_count_total":  report.TokenCountTotal,
				"embedding_coverage": report.EmbeddingCoverage,
			},
		}
		if err := b.recorder.RecordEvent(ctx, env); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (b *Builder) readArtifact(relPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(b.root, relPath))
	if err != nil {
		return "", apperrors.WrapOpf(err, "read artifact %q", relPath)
	}
	return string(data), nil
}

// persist writes payload to relPath under b.root, overwriting any prior
// version, then emits data_index_rebuilt (path was absent) or
// data_index_updated (path already existed).
func (b *Builder) persist(ctx context.Context, kind, relPath string, payload interface{}, recordCount int) (Report, error) {
	existed := true
	if _, err := os.Stat(filepath.Join(b.root, relPath)); os.IsNotExist(err) {
		existed = false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Report{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal %s index", kind)
	}
	if err := atomic.Write(b.root, relPath, data, true); err != nil {
		return Report{}, apperrors.WrapOpf(err, "write %s index", kind)
	}

	report := Report{IndexKind: kind, Rebuilt: !existed, RecordsIndexed: recordCount, RecordsAffected: recordCount}
	eventType := flightrecorder.EventDataIndexUpdated
	payloadMap := map[string]interface{}{"index_kind": kind, "records_affected": recordCount}
	if !existed {
		eventType = flightrecorder.EventDataIndexRebuilt
		payloadMap = map[string]interface{}{"index_kind": kind, "records_indexed": recordCount}
	}
	if b.recorder != nil {
		env := &flightrecorder.Envelope{
			EventID: uuid.New(), TraceID: uuid.New(), Timestamp: time.Now().UTC(),
			Actor: flightrecorder.ActorSystem, ActorID: "index_builder",
			EventType: eventType, Payload: payloadMap,
		}
		if err := b.recorder.RecordEvent(ctx, env); err != nil {
			return report, err
		}
	}
	return report, nil
}
