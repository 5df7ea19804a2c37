package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hylla/ebb/internal/adapters/storage/storetest"
	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/domain"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) app.Store {
		s, err := OpenInMemory()
		if err != nil {
			t.Fatalf("OpenInMemory() error = %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStoreReopenKeepsActions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ebb.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	actions := storetest.Actions(t, 2)
	if err := s.Save(ctx, actions); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("Open() reopen error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 2 || got[1].ID != actions[1].ID {
		t.Fatalf("unexpected reloaded actions %#v", got)
	}
	if got[1].Payload.(domain.SearchPayload).Query != "query 2" {
		t.Fatalf("unexpected payload %#v", got[1].Payload)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
