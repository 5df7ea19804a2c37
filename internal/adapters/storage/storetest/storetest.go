// Package storetest provides a conformance suite for app.Store implementations.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/domain"
)

// Factory opens an empty store for one subtest. Cleanup is the caller's job via t.Cleanup.
type Factory func(t *testing.T) app.Store

// Run exercises the app.Store contract against stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()
	t.Run("EmptyLoad", func(t *testing.T) { testEmptyLoad(t, open(t)) })
	t.Run("SaveLoadKeepsOrder", func(t *testing.T) { testSaveLoadKeepsOrder(t, open(t)) })
	t.Run("SaveReplaces", func(t *testing.T) { testSaveReplaces(t, open(t)) })
	t.Run("RemoveAndClear", func(t *testing.T) { testRemoveAndClear(t, open(t)) })
}

// Actions returns n valid actions with ids s1..sn, created one minute apart.
func Actions(t *testing.T, n int) []domain.Action {
	t.Helper()
	base := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	out := make([]domain.Action, 0, n)
	for i := 1; i <= n; i++ {
		a, err := domain.NewAction(domain.ActionInput{
			ID:              fmt.Sprintf("s%d", i),
			Payload:         domain.SearchPayload{Query: fmt.Sprintf("query %d", i), Limit: i},
			Priority:        domain.PriorityHigh,
			Tags:            []string{"store"},
			GroupID:         "suite",
			RequiresNetwork: true,
			MaxRetries:      3,
		}, base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("NewAction() error = %v", err)
		}
		out = append(out, a)
	}
	return out
}

func testEmptyLoad(t *testing.T, s app.Store) {
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty store, got %d actions", len(got))
	}
}

func testSaveLoadKeepsOrder(t *testing.T, s app.Store) {
	ctx := context.Background()
	actions := Actions(t, 3)
	// Saved order differs from id order.
	actions[0], actions[2] = actions[2], actions[0]
	next := actions[1].Metadata.CreatedAt.Add(time.Hour)
	actions[1].Status = domain.StatusPendingSync
	actions[1].SyncAttempts = 2
	actions[1].NextSyncAttempt = &next
	actions[1].Metadata.LastError = &domain.LastError{Message: "offline", Code: domain.CodeSyncError, Timestamp: next}

	if err := s.Save(ctx, actions); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertSameActions(t, actions, got)
}

func testSaveReplaces(t *testing.T, s app.Store) {
	ctx := context.Background()
	actions := Actions(t, 3)
	if err := s.Save(ctx, actions); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, actions[1:2]); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertSameActions(t, actions[1:2], got)
}

func testRemoveAndClear(t *testing.T, s app.Store) {
	ctx := context.Background()
	actions := Actions(t, 3)
	if err := s.Save(ctx, actions); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Remove(ctx, actions[1].ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove(ctx, "missing"); err != nil {
		t.Fatalf("Remove(missing) error = %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertSameActions(t, []domain.Action{actions[0], actions[2]}, got)

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	got, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty store after Clear(), got %d", len(got))
	}
}

// assertSameActions compares through the JSON codec so zero-vs-empty slices do not matter.
func assertSameActions(t *testing.T, want, got []domain.Action) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d actions, got %d", len(want), len(got))
	}
	for i := range want {
		w, err := json.Marshal(want[i])
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		g, err := json.Marshal(got[i])
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if string(w) != string(g) {
			t.Fatalf("action %d mismatch\nwant %s\ngot  %s", i, w, g)
		}
	}
}
