// Package manifest implements the per-artifact directory store: each
// artifact lives at <workspace>/.handshake/artifacts/<layer>/<uuid>/, with
// either a single payload file or a payload/ tree, alongside an
// artifact.json manifest whose content_hash is validated against the
// payload on read.
package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/artifact/atomic"
	"github.com/handshake-core/handshake/pkg/artifact/bundleindex"
	"github.com/handshake-core/handshake/pkg/idgen"
	"github.com/handshake-core/handshake/pkg/policy"
)

type Layer string

const (
	LayerL1 Layer = "L1"
	LayerL2 Layer = "L2"
	LayerL3 Layer = "L3"
	LayerL4 Layer = "L4"
)

type Kind string

const (
	KindFile          Kind = "file"
	KindToolOutput    Kind = "tool_output"
	KindTranscript    Kind = "transcript"
	KindDatasetSlice  Kind = "dataset_slice"
	KindPromptPayload Kind = "prompt_payload"
	KindReport        Kind = "report"
	KindBundle        Kind = "bundle"
)

type Classification string

const (
	ClassificationLow    Classification = "low"
	ClassificationMedium Classification = "medium"
	ClassificationHigh   Classification = "high"
)

// Manifest is the §3 Artifact Manifest entity.
type Manifest struct {
	ArtifactID       uuid.UUID      `json:"artifact_id"`
	Layer            Layer          `json:"layer"`
	Kind             Kind           `json:"kind"`
	MIME             string         `json:"mime"`
	FilenameHint     string         `json:"filename_hint,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	CreatedByJobID   string         `json:"created_by_job_id,omitempty"`
	SourceRefs       []string       `json:"source_refs,omitempty"`
	ContentHash      string         `json:"content_hash"`
	SizeBytes        int64          `json:"size_bytes"`
	Classification   Classification `json:"classification"`
	Exportable       bool           `json:"exportable"`
	RetentionTTLDays *int           `json:"retention_ttl_days,omitempty"`
	Pinned           bool           `json:"pinned,omitempty"`
	HashBasis        string         `json:"hash_basis,omitempty"`
	HashExcludePaths []string       `json:"hash_exclude_paths,omitempty"`
}

// Store manages artifact directories under a workspace root.
type Store struct {
	root string
	pol  *policy.Evaluator
}

func New(root string, pol *policy.Evaluator) *Store {
	return &Store{root: root, pol: pol}
}

func (s *Store) artifactDir(m *Manifest) string {
	return filepath.Join(".handshake", "artifacts", string(m.Layer), m.ArtifactID.String())
}

// WriteFile persists a single-file-payload artifact: the payload bytes plus
// its manifest, atomically. The retention-TTL policy gate runs before any
// bytes touch disk.
func (s *Store) WriteFile(ctx context.Context, m *Manifest, payload []byte) error {
	if err := s.checkRetentionPolicy(ctx, m); err != nil {
		return err
	}

	m.ContentHash = idgen.SHA256Hex(payload)
	m.SizeBytes = int64(len(payload))

	dir := s.artifactDir(m)
	if err := atomic.Write(s.root, filepath.Join(dir, "payload"), payload, false); err != nil {
		return apperrors.WrapOpf(err, "write artifact payload %s", m.ArtifactID)
	}

	return s.writeManifestFile(dir, m)
}

// WriteTree persists a directory-payload artifact (a tree of relative
// paths to bytes) plus its manifest.
func (s *Store) WriteTree(ctx context.Context, m *Manifest, tree map[string][]byte, excludePaths []string) error {
	if err := s.checkRetentionPolicy(ctx, m); err != nil {
		return err
	}

	exclude := make(map[string]bool, len(excludePaths))
	for _, p := range excludePaths {
		exclude[p] = true
	}
	raw := make([]bundleindex.RawEntry, 0, len(tree))
	for p, b := range tree {
		raw = append(raw, bundleindex.RawEntry{RelPath: p, Bytes: b})
	}
	entries, _, err := bundleindex.Build(raw, exclude)
	if err != nil {
		return err
	}
	hash, err := bundleindex.Hash(entries)
	if err != nil {
		return err
	}

	m.ContentHash = hash
	m.HashBasis = "bundle_index_v1"
	m.HashExcludePaths = excludePaths
	var total int64
	for _, b := range tree {
		total += int64(len(b))
	}
	m.SizeBytes = total

	dir := s.artifactDir(m)
	if err := atomic.WriteTree(s.root, filepath.Join(dir, "payload"), tree, false); err != nil {
		return apperrors.WrapOpf(err, "write artifact tree %s", m.ArtifactID)
	}

	return s.writeManifestFile(dir, m)
}

func (s *Store) checkRetentionPolicy(ctx context.Context, m *Manifest) error {
	required, err := s.pol.RetentionTTLRequired(ctx, string(m.Kind), string(m.Classification))
	if err != nil {
		return err
	}
	if required && m.RetentionTTLDays == nil {
		return apperrors.NewPolicyError(
			"retention_ttl_days is required for prompt_payload or high-classification artifacts").
			WithCode(apperrors.CodePolicy)
	}
	return nil
}

func (s *Store) writeManifestFile(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return apperrors.WrapOpf(err, "marshal manifest %s", m.ArtifactID)
	}
	if err := atomic.Write(s.root, filepath.Join(dir, "artifact.json"), data, false); err != nil {
		return apperrors.WrapOpf(err, "write manifest %s", m.ArtifactID)
	}
	return nil
}

// ReadManifest loads and unmarshals artifact.json for an artifact.
func (s *Store) ReadManifest(layer Layer, artifactID uuid.UUID) (*Manifest, error) {
	dir := filepath.Join(s.root, ".handshake", "artifacts", string(layer), artifactID.String())
	data, err := os.ReadFile(filepath.Join(dir, "artifact.json"))
	if err != nil {
		return nil, apperrors.NewNotFoundError("artifact manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse artifact manifest %s", artifactID)
	}
	return &m, nil
}

// ValidateContentHash recomputes the payload's hash and compares it against
// the manifest, for both single-file and directory payloads.
func (s *Store) ValidateContentHash(m *Manifest) error {
	dir := filepath.Join(s.root, ".handshake", "artifacts", string(m.Layer), m.ArtifactID.String())
	payloadPath := filepath.Join(dir, "payload")

	info, err := os.Lstat(payloadPath)
	if err != nil {
		return apperrors.NewNotFoundError("artifact payload")
	}

	if !info.IsDir() {
		data, err := os.ReadFile(payloadPath)
		if err != nil {
			return apperrors.WrapOpf(err, "read artifact payload %s", m.ArtifactID)
		}
		if idgen.SHA256Hex(data) != m.ContentHash || int64(len(data)) != m.SizeBytes {
			return apperrors.NewValidationError("artifact content hash mismatch").WithCode(apperrors.CodeValidation)
		}
		return nil
	}

	exclude := make(map[string]bool, len(m.HashExcludePaths))
	for _, p := range m.HashExcludePaths {
		exclude[p] = true
	}

	var raw []bundleindex.RawEntry
	err = filepath.Walk(payloadPath, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return apperrors.NewGuardError(apperrors.CodeInvalidScope, "symlinks are not permitted in artifact payloads")
		}
		if fi.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(payloadPath, path)
		if relErr != nil {
			return relErr
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		raw = append(raw, bundleindex.RawEntry{RelPath: filepath.ToSlash(rel), Bytes: data})
		return nil
	})
	if err != nil {
		return apperrors.WrapOpf(err, "enumerate artifact payload %s", m.ArtifactID)
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].RelPath < raw[j].RelPath })

	entries, _, err := bundleindex.Build(raw, exclude)
	if err != nil {
		return err
	}
	hash, err := bundleindex.Hash(entries)
	if err != nil {
		return err
	}
	if hash != m.ContentHash {
		return apperrors.NewValidationError("artifact directory content hash mismatch").WithCode(apperrors.CodeValidation)
	}

	return nil
}
