package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hylla/ebb/internal/adapters/metrics"
	"github.com/hylla/ebb/internal/adapters/remote"
	badgerstore "github.com/hylla/ebb/internal/adapters/storage/badger"
	"github.com/hylla/ebb/internal/adapters/storage/jsonfile"
	"github.com/hylla/ebb/internal/adapters/storage/sqlite"
	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/config"
	"github.com/hylla/ebb/internal/platform"
)

// globalOptions holds the persistent root flags.
type globalOptions struct {
	configPath string
	dbPath     string
	backend    string
	appName    string
	devMode    bool
}

// resolvedPaths is where one invocation reads config and stores actions.
type resolvedPaths struct {
	platform   platform.Paths
	configPath string
	dbPath     string
	// dbOverridden is set when --db or EBB_DB_PATH chose the storage path.
	dbOverridden bool
}

func resolvePaths(opts globalOptions) (resolvedPaths, error) {
	paths, err := platform.DefaultPathsWithOptions(platform.Options{
		AppName: opts.appName,
		DevMode: opts.devMode,
	})
	if err != nil {
		return resolvedPaths{}, err
	}
	out := resolvedPaths{platform: paths, configPath: strings.TrimSpace(opts.configPath), dbPath: strings.TrimSpace(opts.dbPath)}
	if out.configPath == "" {
		out.configPath = firstNonEmptyEnv("EBB_CONFIG", paths.ConfigPath)
	}
	if out.dbPath == "" {
		out.dbPath = strings.TrimSpace(os.Getenv("EBB_DB_PATH"))
	}
	out.dbOverridden = out.dbPath != ""
	return out, nil
}

// loadConfig reads the config file and applies flag overrides. The storage path falls back to
// the backend's default location when neither the file nor a flag names one.
func loadConfig(opts globalOptions, paths resolvedPaths) (config.Config, config.Config, error) {
	defaults := config.Default(paths.platform.StoragePath(string(config.BackendSQLite)))
	cfg, err := config.Load(paths.configPath, defaults)
	if err != nil {
		return config.Config{}, config.Config{}, fmt.Errorf("load config %s: %w", paths.configPath, err)
	}
	if backend := strings.ToLower(strings.TrimSpace(opts.backend)); backend != "" {
		cfg.Storage.Backend = config.Backend(backend)
	}
	if cfg.Storage.Path == defaults.Storage.Path {
		cfg.Storage.Path = paths.platform.StoragePath(string(cfg.Storage.Backend))
	}
	if paths.dbOverridden {
		cfg.Storage.Path = paths.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, defaults, nil
}

// openStore opens the configured storage backend.
func openStore(cfg config.Config, logger *runtimeLogger) (app.Store, io.Closer, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.BackendBadger:
		bcfg := badgerstore.DefaultConfig(cfg.Storage.Path)
		bcfg.Logger = logger.Component("badger")
		store, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.BackendJSONFile:
		store, err := jsonfile.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

// queueRuntime is one opened queue with its collaborators.
type queueRuntime struct {
	cfg      config.Config
	defaults config.Config
	paths    resolvedPaths
	queue    *app.Queue
	remote   *remote.Client
	registry *prometheus.Registry
	store    io.Closer
}

// runtimeMode selects how the queue behaves for a command.
type runtimeMode int

const (
	// modeOneShot loads the queue for inspection and edits. Handlers never run.
	modeOneShot runtimeMode = iota
	// modeServe runs handlers, the sync timer and the backend client.
	modeServe
)

func openRuntime(ctx context.Context, cfg, defaults config.Config, paths resolvedPaths, logger *runtimeLogger, mode runtimeMode) (*queueRuntime, error) {
	store, closer, err := openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	queueCfg := cfg.QueueConfig()
	queueOpts := []app.Option{
		app.WithLogger(logger.Component("queue")),
		app.WithMetrics(metrics.New(registry)),
	}
	if mode == modeOneShot {
		queueCfg.SyncInterval = 0
		queueCfg.StartOnline = false
		queueOpts = append(queueOpts, app.WithProcessingPaused())
	}

	var client *remote.Client
	if cfg.Remote.BaseURL != "" {
		client, err = remote.New(remote.Config{
			BaseURL:           cfg.Remote.BaseURL,
			Token:             cfg.Remote.Token,
			RequestsPerSecond: cfg.Remote.RequestsPerSecond,
			HealthPath:        cfg.Remote.HealthPath,
		})
		if err != nil {
			_ = closer.Close()
			return nil, fmt.Errorf("remote client: %w", err)
		}
		queueOpts = append(queueOpts, app.WithReconciler(client))
	}

	queue, err := app.NewQueue(store, uuid.NewString, nil, queueCfg, queueOpts...)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("new queue: %w", err)
	}
	if client != nil {
		for kind, handler := range client.Handlers() {
			if err := queue.AddProcessor(kind, handler); err != nil {
				_ = queue.Close()
				_ = closer.Close()
				return nil, fmt.Errorf("register %s handler: %w", kind, err)
			}
		}
	}
	if err := queue.Start(ctx); err != nil {
		_ = queue.Close()
		_ = closer.Close()
		return nil, fmt.Errorf("start queue: %w", err)
	}
	return &queueRuntime{
		cfg:      cfg,
		defaults: defaults,
		paths:    paths,
		queue:    queue,
		remote:   client,
		registry: registry,
		store:    closer,
	}, nil
}

// Close drains the queue before closing the store it writes to.
func (r *queueRuntime) Close() error {
	if r == nil {
		return nil
	}
	return errors.Join(r.queue.Close(), r.store.Close())
}

func firstNonEmptyEnv(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
