package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hylla/ebb/internal/adapters/metrics"
	"github.com/hylla/ebb/internal/adapters/server/common"
	"github.com/hylla/ebb/internal/app"
)

// newDeps builds server dependencies over an offline queue with metrics wired.
func newDeps(t *testing.T) Dependencies {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := app.DefaultQueueConfig()
	cfg.SyncInterval = 0
	q, err := app.NewQueue(nil, nil, nil, cfg,
		app.WithLogger(log.New(io.Discard)),
		app.WithMetrics(metrics.New(reg)),
	)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return Dependencies{Queue: common.NewQueueAdapter(q), Gatherer: reg}
}

// get runs one GET through handler.
func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// TestNewHandlerMountsEndpoints verifies health, metrics and API routing.
func TestNewHandlerMountsEndpoints(t *testing.T) {
	handler, cfg, err := NewHandler(Config{}, newDeps(t))
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	if cfg.HTTPBind != defaultBindAddress || cfg.ServerName != "ebb" || cfg.MetricsPath != "/metrics" {
		t.Fatalf("normalized config = %+v", cfg)
	}

	if rec := get(handler, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("/healthz status = %d", rec.Code)
	}
	if rec := get(handler, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("/readyz status = %d", rec.Code)
	}
	rec := get(handler, "/api/v1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/v1/stats status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = get(handler, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ebb_network_online") {
		t.Fatalf("/metrics body missing ebb_network_online:\n%s", rec.Body.String())
	}
}

// TestReadinessReportsFailure verifies /readyz returns 503 with the reason.
func TestReadinessReportsFailure(t *testing.T) {
	deps := newDeps(t)
	deps.Ready = func(context.Context) error { return errors.New("store not open") }
	handler, _, err := NewHandler(Config{}, deps)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	rec := get(handler, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "store not open") {
		t.Fatalf("/readyz body = %q, want reason", rec.Body.String())
	}
}

// TestNewHandlerValidation verifies dependency and endpoint checks.
func TestNewHandlerValidation(t *testing.T) {
	if _, _, err := NewHandler(Config{}, Dependencies{}); err == nil {
		t.Fatal("NewHandler() without queue error = nil, want error")
	}
	deps := newDeps(t)
	if _, _, err := NewHandler(Config{APIEndpoint: "/x", MCPEndpoint: "x/"}, deps); err == nil {
		t.Fatal("NewHandler() with colliding endpoints error = nil, want error")
	}
	if _, _, err := NewHandler(Config{MetricsPath: "/mcp"}, deps); err == nil {
		t.Fatal("NewHandler() with metrics on mcp path error = nil, want error")
	}
}

// TestNormalizeEndpoint verifies fallback and slash handling.
func TestNormalizeEndpoint(t *testing.T) {
	cases := map[string]string{
		"":          "/api/v1",
		"/":         "/api/v1",
		"custom":    "/custom",
		"//a/b//":   "/a/b",
		" /spaced ": "/spaced",
	}
	for in, want := range cases {
		if got := normalizeEndpoint(in, "/api/v1"); got != want {
			t.Fatalf("normalizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestRunStopsOnCancel verifies graceful shutdown once the context ends.
func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Run(ctx, Config{HTTPBind: "127.0.0.1:0"}, newDeps(t)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
