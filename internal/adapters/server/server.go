// Package server composes the REST API, MCP and metrics transports into one process handler.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hylla/ebb/internal/adapters/server/common"
	"github.com/hylla/ebb/internal/adapters/server/httpapi"
	"github.com/hylla/ebb/internal/adapters/server/mcpapi"
)

const (
	defaultBindAddress     = "127.0.0.1:8080"
	defaultShutdownTimeout = 5 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Config names the listen address and the mount points. Empty fields take defaults.
type Config struct {
	HTTPBind      string
	APIEndpoint   string
	MCPEndpoint   string
	MetricsPath   string
	ServerName    string
	ServerVersion string
}

// Dependencies are the services the transports expose.
type Dependencies struct {
	Queue    common.QueueService
	// Gatherer backs the metrics endpoint; nil leaves it unmounted.
	Gatherer prometheus.Gatherer
	// Ready reports readiness; nil means always ready.
	Ready    func(context.Context) error
}

// NewHandler mounts /healthz, /readyz, metrics, the REST API and MCP on one mux and returns
// the config with defaults applied.
func NewHandler(cfg Config, deps Dependencies) (http.Handler, Config, error) {
	if deps.Queue == nil {
		return nil, Config{}, errors.New("queue dependency is required")
	}
	normalizedCfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, Config{}, err
	}

	mcpHandler, err := mcpapi.NewHandler(
		mcpapi.Config{
			ServerName:    normalizedCfg.ServerName,
			ServerVersion: normalizedCfg.ServerVersion,
			EndpointPath:  normalizedCfg.MCPEndpoint,
		},
		deps.Queue,
	)
	if err != nil {
		return nil, Config{}, fmt.Errorf("configure mcp handler: %w", err)
	}

	api := http.StripPrefix(normalizedCfg.APIEndpoint, httpapi.NewHandler(deps.Queue))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", writeHealthStatus)
	mux.HandleFunc("/readyz", readinessHandler(deps.Ready))
	if deps.Gatherer != nil {
		mux.Handle(normalizedCfg.MetricsPath, promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}))
	}
	mux.Handle(normalizedCfg.MCPEndpoint, mcpHandler)
	mux.Handle(normalizedCfg.APIEndpoint, api)
	mux.Handle(normalizedCfg.APIEndpoint+"/", api)
	return mux, normalizedCfg, nil
}

// Run serves the composed handler until ctx is done, then drains in-flight requests for up to
// defaultShutdownTimeout. A listener failure is returned immediately.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if ctx == nil {
		ctx = context.Background()
	}
	handler, resolved, err := NewHandler(cfg, deps)
	if err != nil {
		return fmt.Errorf("build server handler: %w", err)
	}
	srv := &http.Server{
		Addr:              resolved.HTTPBind,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listenErr := make(chan error, 1)
	go func() { listenErr <- srv.ListenAndServe() }()

	select {
	case err := <-listenErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", resolved.HTTPBind, err)
	case <-ctx.Done():
	}
	return shutdown(srv, listenErr)
}

func shutdown(srv *http.Server, listenErr <-chan error) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	if err := <-listenErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("serve after shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// normalizeConfig fills defaults and rejects colliding mount points.
func normalizeConfig(cfg Config) (Config, error) {
	cfg.HTTPBind = orDefault(cfg.HTTPBind, defaultBindAddress)
	cfg.ServerName = orDefault(cfg.ServerName, "ebb")
	cfg.ServerVersion = orDefault(cfg.ServerVersion, "dev")
	cfg.APIEndpoint = normalizeEndpoint(cfg.APIEndpoint, "/api/v1")
	cfg.MCPEndpoint = normalizeEndpoint(cfg.MCPEndpoint, "/mcp")
	cfg.MetricsPath = normalizeEndpoint(cfg.MetricsPath, "/metrics")

	switch {
	case cfg.APIEndpoint == cfg.MCPEndpoint:
		return Config{}, fmt.Errorf("api and mcp endpoints must differ: %s", cfg.APIEndpoint)
	case cfg.MetricsPath == cfg.APIEndpoint, cfg.MetricsPath == cfg.MCPEndpoint:
		return Config{}, fmt.Errorf("metrics path %s collides with another endpoint", cfg.MetricsPath)
	}
	return cfg, nil
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v == "" {
		return fallback
	}
	return v
}

// normalizeEndpoint returns path with one leading slash and no trailing slash. Empty and
// root paths yield fallback.
func normalizeEndpoint(path, fallback string) string {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return fallback
	}
	return "/" + trimmed
}

func writeHealthStatus(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeStatus(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// readinessHandler reports 503 with the failure reason while ready returns an error.
func readinessHandler(ready func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready == nil {
			writeHealthStatus(w, r)
			return
		}
		if err := ready(r.Context()); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": err.Error()})
			return
		}
		writeHealthStatus(w, r)
	}
}
