package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	serveradapter "github.com/hylla/ebb/internal/adapters/server"
	"github.com/hylla/ebb/internal/adapters/server/common"
	"github.com/hylla/ebb/internal/platform"
)

var version = "dev"

// serveCommandRunner is swapped in tests so serve wiring can be checked without a listener.
var serveCommandRunner = func(ctx context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
	return serveradapter.Run(ctx, cfg, deps)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// run executes one CLI invocation. fang reports errors on stderr.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	return fang.Execute(ctx, root, fang.WithVersion(version))
}

// cli carries the root flags and output streams to every subcommand.
type cli struct {
	opts   globalOptions
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	defaultDev := version == "dev"
	if envDev, ok := parseBoolEnv("EBB_DEV_MODE"); ok {
		defaultDev = envDev
	}
	defaultApp := firstNonEmptyEnv("EBB_APP_NAME", platform.DefaultAppName)

	root := &cobra.Command{
		Use:   "ebb",
		Short: "Offline action queue",
		Long: `ebb queues user actions while the backend is unreachable, runs them in priority
order once it is back, and reconciles anything that still needs a server round trip.

Run "ebb serve" for the long-lived process. The other commands open the same store
directly and should not run against a store a server is using.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&c.opts.configPath, "config", "", "path to config TOML")
	flags.StringVar(&c.opts.dbPath, "db", "", "storage path (sqlite/json file or badger directory)")
	flags.StringVar(&c.opts.backend, "backend", "", "storage backend: sqlite, badger or jsonfile")
	flags.StringVar(&c.opts.appName, "app", defaultApp, "application name for config/data path resolution")
	flags.BoolVar(&c.opts.devMode, "dev", defaultDev, "use dev mode paths (<app>-dev) and the dev log file")

	root.AddCommand(
		c.newServeCommand(),
		c.newEnqueueCommand(),
		c.newListCommand(),
		c.newStatsCommand(),
		c.newCancelCommand(),
		c.newRetryCommand(),
		c.newClearCommand(),
		c.newSyncCommand(),
		c.newIntegrityCommand(),
		c.newExportCommand(),
		c.newImportCommand(),
		c.newPathsCommand(),
	)
	return root
}

// withQueue opens the configured queue for one command, logs the command flow and closes
// everything once fn returns.
func (c *cli) withQueue(ctx context.Context, command string, mode runtimeMode, fn func(*queueRuntime, common.QueueService, *runtimeLogger) error) (err error) {
	paths, err := resolvePaths(c.opts)
	if err != nil {
		return err
	}
	cfg, defaults, err := loadConfig(c.opts, paths)
	if err != nil {
		return err
	}
	appName := strings.TrimSpace(c.opts.appName)
	if appName == "" {
		appName = platform.DefaultAppName
	}
	logger, err := newRuntimeLogger(c.stderr, appName, c.opts.devMode, cfg.Logging, nil)
	if err != nil {
		return fmt.Errorf("configure runtime logger: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close runtime logger: %w", closeErr)
		}
	}()
	logger.Info(
		"startup configuration resolved",
		"app", appName,
		"dev_mode", c.opts.devMode,
		"config", paths.configPath,
		"backend", cfg.Storage.Backend,
		"storage", cfg.Storage.Path,
		"remote", cfg.Remote.BaseURL,
		"dev_log", logger.DevLogPath(),
	)

	rt, err := openRuntime(ctx, cfg, defaults, paths, logger, mode)
	if err != nil {
		logger.Error("startup failed", "err", err)
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			logger.Error("queue shutdown failed", "err", closeErr)
			if err == nil {
				err = fmt.Errorf("close queue: %w", closeErr)
			}
		}
	}()

	logger.Info("command flow start", "command", command)
	if err := fn(rt, common.NewQueueAdapter(rt.queue), logger); err != nil {
		logger.Error("command flow failed", "command", command, "err", err)
		return err
	}
	logger.Info("command flow complete", "command", command)
	return nil
}
