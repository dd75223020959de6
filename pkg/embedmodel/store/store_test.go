package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/handshake-core/handshake/pkg/embedmodel"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite", "file:"+uuid.New().String()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestEnsureAndGetModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := embedmodel.Model{ModelID: "local-minilm", ModelVersion: "v1", Dimensions: 384, MaxInputTokens: 512,
		ContentTypes: []string{"code", "doc"}}
	if err := s.EnsureModel(ctx, m); err != nil {
		t.Fatalf("ensure model: %v", err)
	}
	got, err := s.GetModel(ctx, "local-minilm", "v1")
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if got.Dimensions != 384 || got.Status != embedmodel.StatusActive {
		t.Fatalf("unexpected model: %+v", got)
	}

	m.Dimensions = 768
	if err := s.EnsureModel(ctx, m); err != nil {
		t.Fatalf("re-ensure model: %v", err)
	}
	got, err = s.GetModel(ctx, "local-minilm", "v1")
	if err != nil {
		t.Fatalf("get model after update: %v", err)
	}
	if got.Dimensions != 768 {
		t.Fatalf("expected upsert to update dimensions, got %d", got.Dimensions)
	}
}

func TestSetDefault_RequiresExistingModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SetDefault(ctx, "ghost", "v1"); err == nil {
		t.Fatal("expected error setting default to unregistered model")
	}

	m := embedmodel.Model{ModelID: "m1", ModelVersion: "v1", Dimensions: 128, MaxInputTokens: 256}
	if err := s.EnsureModel(ctx, m); err != nil {
		t.Fatalf("ensure model: %v", err)
	}
	if err := s.SetDefault(ctx, "m1", "v1"); err != nil {
		t.Fatalf("set default: %v", err)
	}
	reg, err := s.GetRegistry(ctx)
	if err != nil {
		t.Fatalf("get registry: %v", err)
	}
	if reg.CurrentDefaultModelID != "m1" || reg.CurrentDefaultModelVersion != "v1" {
		t.Fatalf("unexpected registry: %+v", reg)
	}
}

func TestGetRegistry_NilWhenUnset(t *testing.T) {
	s := newTestStore(t)
	reg, err := s.GetRegistry(context.Background())
	if err != nil {
		t.Fatalf("get registry: %v", err)
	}
	if reg != nil {
		t.Fatalf("expected nil registry before any default is set, got %+v", reg)
	}
}
