package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/domain"
)

func newAction(t *testing.T, id string) domain.Action {
	t.Helper()
	a, err := domain.NewAction(domain.ActionInput{
		ID:      id,
		Payload: domain.FavoritePayload{TargetID: "doc-7", Favorite: true},
		Context: &domain.RequestContext{CorrelationID: "corr-" + id},
	}, time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewAction() error = %v", err)
	}
	return a
}

func TestExecuteForwardsAction(t *testing.T) {
	var (
		gotPath  string
		gotAuth  string
		gotKey   string
		gotCorr  string
		gotType  domain.ActionType
		gotQuery string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		gotCorr = r.Header.Get("X-Correlation-Id")
		var a domain.Action
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotType = a.Type
		gotQuery = a.Payload.(domain.FavoritePayload).TargetID
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/", Token: " secret "})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	handlers := c.Handlers()
	if len(handlers) != len(domain.ActionTypes()) {
		t.Fatalf("expected a handler per action type, got %d", len(handlers))
	}
	a := newAction(t, "fav-1")
	if err := handlers[domain.ActionFavorite].Handle(context.Background(), a); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if gotPath != "/v1/actions/favorite" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer secret" || gotKey != "fav-1" || gotCorr != "corr-fav-1" {
		t.Fatalf("unexpected headers auth=%q key=%q corr=%q", gotAuth, gotKey, gotCorr)
	}
	if gotType != domain.ActionFavorite || gotQuery != "doc-7" {
		t.Fatalf("unexpected decoded action type=%q target=%q", gotType, gotQuery)
	}
}

func TestExecuteReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"maintenance","message":"back soon"}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	err = c.Execute(context.Background(), newAction(t, "fav-2"))
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("Execute() error = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable || httpErr.Code != "maintenance" {
		t.Fatalf("unexpected http error %#v", httpErr)
	}
}

func TestReconcileReturnsConflicts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync" {
			http.NotFound(w, r)
			return
		}
		var req syncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Actions) != 2 {
			http.Error(w, "bad batch", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"conflicts":[{"action_id":"s2","server":{"data":{"v":1},"updated_at":"2026-02-21T12:00:00Z","etag":"e1"}}]}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	err = c.Reconcile(context.Background(), []domain.Action{newAction(t, "s1"), newAction(t, "s2")})
	if !errors.Is(err, app.ErrConflict) {
		t.Fatalf("Reconcile() error = %v, want ErrConflict", err)
	}
	var conflictErr *app.ConflictError
	if !errors.As(err, &conflictErr) || len(conflictErr.Conflicts) != 1 {
		t.Fatalf("unexpected conflict error %#v", err)
	}
	got := conflictErr.Conflicts[0]
	if got.ActionID != "s2" || got.Server == nil || got.Server.ETag != "e1" || got.Client != nil {
		t.Fatalf("unexpected conflict %#v", got)
	}
}

func TestReconcileCleanBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"conflicts":[]}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Reconcile(context.Background(), []domain.Action{newAction(t, "s1")}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
}

func TestPingUsesHealthPath(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, HealthPath: "status"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one health hit, got %d", hits.Load())
	}
}

func TestLimiterHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, RequestsPerSecond: 0.01})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("first Ping() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Ping(ctx); err == nil {
		t.Fatal("expected throttled Ping() to fail once the context expires")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
