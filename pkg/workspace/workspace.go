// Package workspace implements the Database port's CRUD surface for the
// containment entities from spec.md §3: Workspace is the root, Document
// belongs to a Workspace, Block belongs to a Document and carries a total
// order within it.
package workspace

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/storageguard"
)

// Sensitivity classifies a Block's content for export/redaction decisions.
type Sensitivity string

const (
	SensitivityLow     Sensitivity = "low"
	SensitivityMedium  Sensitivity = "medium"
	SensitivityHigh    Sensitivity = "high"
	SensitivityUnknown Sensitivity = "unknown"
)

// Workspace is the root of containment; every Document lives beneath one.
type Workspace struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Document belongs to exactly one Workspace.
type Document struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Title       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Block is an ordered unit of content within a Document. RawText is the
// unmodified source; DisplayText and DerivedText are optional rendered/
// computed views over it.
type Block struct {
	ID           uuid.UUID
	DocumentID   uuid.UUID
	Kind         string
	Sequence     int
	RawText      string
	DisplayText  string
	DerivedText  string
	Sensitivity  Sensitivity
	Exportable   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the persistence port pkg/workspace's backends (sqlitedb, pgdb)
// implement. ReplaceBlocks replaces a document's entire block set under one
// transaction, since renumbering sequence requires all-or-nothing semantics.
type Store interface {
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id uuid.UUID) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]Workspace, error)

	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*Document, error)
	ListDocuments(ctx context.Context, workspaceID uuid.UUID) ([]Document, error)

	ReplaceBlocks(ctx context.Context, documentID uuid.UUID, blocks []Block) error
	ListBlocks(ctx context.Context, documentID uuid.UUID) ([]Block, error)
}

// Repository wraps a Store with the No Silent Edits guard (spec.md §4.5):
// every mutating method validates its storageguard.WriteContext exactly
// once before the underlying Store call.
type Repository struct {
	store Store
	now   func() time.Time
}

// New constructs a Repository over store. now defaults to time.Now when nil,
// overridable so tests control timestamps.
func New(store Store, now func() time.Time) *Repository {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Repository{store: store, now: now}
}

// CreateWorkspace validates wctx, then creates ws.
func (r *Repository) CreateWorkspace(ctx context.Context, wctx storageguard.WriteContext, ws *Workspace) error {
	if _, err := storageguard.ValidateWrite(wctx, ws.ID.String(), r.now()); err != nil {
		return err
	}
	if ws.ID == uuid.Nil {
		ws.ID = uuid.New()
	}
	if ws.Name == "" {
		return apperrors.NewValidationError("workspace name is required")
	}
	now := r.now()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now
	return r.store.CreateWorkspace(ctx, ws)
}

// GetWorkspace is a read; reads are not gated by storageguard.
func (r *Repository) GetWorkspace(ctx context.Context, id uuid.UUID) (*Workspace, error) {
	return r.store.GetWorkspace(ctx, id)
}

// ListWorkspaces is a read.
func (r *Repository) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	return r.store.ListWorkspaces(ctx)
}

// CreateDocument validates wctx, then creates doc under its workspace.
func (r *Repository) CreateDocument(ctx context.Context, wctx storageguard.WriteContext, doc *Document) error {
	if _, err := storageguard.ValidateWrite(wctx, doc.ID.String(), r.now()); err != nil {
		return err
	}
	if doc.WorkspaceID == uuid.Nil {
		return apperrors.NewValidationError("document requires a workspace_id")
	}
	if _, err := r.store.GetWorkspace(ctx, doc.WorkspaceID); err != nil {
		return err
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := r.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	return r.store.CreateDocument(ctx, doc)
}

// GetDocument is a read.
func (r *Repository) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	return r.store.GetDocument(ctx, id)
}

// ListDocuments is a read.
func (r *Repository) ListDocuments(ctx context.Context, workspaceID uuid.UUID) ([]Document, error) {
	return r.store.ListDocuments(ctx, workspaceID)
}

// ReplaceBlocks validates wctx once for the whole batch, normalizes
// Sequence to the slice's index order (spec.md §3's total-order invariant),
// and stamps IDs/timestamps for any block missing one, then replaces the
// document's full block set atomically.
func (r *Repository) ReplaceBlocks(ctx context.Context, wctx storageguard.WriteContext, documentID uuid.UUID, blocks []Block) error {
	if _, err := storageguard.ValidateWrite(wctx, documentID.String(), r.now()); err != nil {
		return err
	}
	if _, err := r.store.GetDocument(ctx, documentID); err != nil {
		return err
	}
	now := r.now()
	for i := range blocks {
		blocks[i].DocumentID = documentID
		blocks[i].Sequence = i
		if blocks[i].ID == uuid.Nil {
			blocks[i].ID = uuid.New()
		}
		if blocks[i].Sensitivity == "" {
			blocks[i].Sensitivity = SensitivityUnknown
		}
		if blocks[i].CreatedAt.IsZero() {
			blocks[i].CreatedAt = now
		}
		blocks[i].UpdatedAt = now
	}
	return r.store.ReplaceBlocks(ctx, documentID, blocks)
}

// ListBlocks is a read, returned in ascending Sequence order.
func (r *Repository) ListBlocks(ctx context.Context, documentID uuid.UUID) ([]Block, error) {
	return r.store.ListBlocks(ctx, documentID)
}
