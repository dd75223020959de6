// Package embedmodel holds the Embedding Model Record and the singleton
// Embedding Registry that C9 (ingest), C11 (retrieval), and C12
// (re-embed controller) share to agree on which model/version produces
// the vectors backing a workspace's current Silver rows.
package embedmodel

import (
	"context"

	"github.com/handshake-core/handshake/internal/apperrors"
)

// Status is the lifecycle of a registered embedding model.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusRetired    Status = "retired"
)

// Model is the §3 Embedding Model Record.
type Model struct {
	ModelID         string   `json:"model_id" db:"model_id"`
	ModelVersion    string   `json:"model_version" db:"model_version"`
	Dimensions      int      `json:"dimensions" db:"dimensions"`
	MaxInputTokens  int      `json:"max_input_tokens" db:"max_input_tokens"`
	ContentTypes    []string `json:"content_types" db:"-"`
	Status          Status   `json:"status" db:"status"`
	CompatibleWith  []string `json:"compatible_with,omitempty" db:"-"`
}

// Key uniquely identifies a registered model.
func (m Model) Key() string { return m.ModelID + "@" + m.ModelVersion }

// Registry is the §3 singleton Embedding Registry: the model/version
// every new Silver row is produced under until changed.
type Registry struct {
	CurrentDefaultModelID      string `json:"current_default_model_id" db:"current_default_model_id"`
	CurrentDefaultModelVersion string `json:"current_default_model_version" db:"current_default_model_version"`
}

// Store is the port backing the registry and model catalog, implemented
// alongside the C13 relational Database (same embedded engine, §5).
type Store interface {
	EnsureModel(ctx context.Context, m Model) error
	GetModel(ctx context.Context, modelID, modelVersion string) (*Model, error)
	ListModels(ctx context.Context) ([]Model, error)

	GetRegistry(ctx context.Context) (*Registry, error)
	SetDefault(ctx context.Context, modelID, modelVersion string) error
}

// Validate checks the fields a registered model must carry.
func Validate(m Model) error {
	if m.ModelID == "" || m.ModelVersion == "" {
		return apperrors.NewValidationError("embedding model requires model_id and model_version").
			WithCode(apperrors.CodeValidation)
	}
	if m.Dimensions <= 0 {
		return apperrors.NewValidationError("embedding model dimensions must be positive").
			WithCode(apperrors.CodeValidation)
	}
	if m.MaxInputTokens <= 0 {
		return apperrors.NewValidationError("embedding model max_input_tokens must be positive").
			WithCode(apperrors.CodeValidation)
	}
	switch m.Status {
	case StatusActive, StatusDeprecated, StatusRetired, "":
	default:
		return apperrors.NewValidationError("embedding model status is not recognized").
			WithCode(apperrors.CodeValidation)
	}
	return nil
}
