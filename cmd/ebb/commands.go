package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hylla/ebb/internal/adapters/connectivity"
	serveradapter "github.com/hylla/ebb/internal/adapters/server"
	"github.com/hylla/ebb/internal/adapters/server/common"
	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/config"
	"github.com/hylla/ebb/internal/domain"
)

func (c *cli) newServeCommand() *cobra.Command {
	var httpBind, apiEndpoint, mcpEndpoint, metricsPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue with the HTTP API, MCP tools and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withQueue(cmd.Context(), "serve", modeServe, func(rt *queueRuntime, svc common.QueueService, logger *runtimeLogger) error {
				cfg := serveradapter.Config{
					HTTPBind:      firstNonEmpty(httpBind, rt.cfg.Server.HTTPBind),
					APIEndpoint:   firstNonEmpty(apiEndpoint, rt.cfg.Server.APIEndpoint),
					MCPEndpoint:   firstNonEmpty(mcpEndpoint, rt.cfg.Server.MCPEndpoint),
					MetricsPath:   metricsPath,
					ServerName:    c.opts.appName,
					ServerVersion: version,
				}
				return c.serve(cmd.Context(), rt, svc, logger, cfg)
			})
		},
	}
	cmd.Flags().StringVar(&httpBind, "http", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&apiEndpoint, "api-endpoint", "", "HTTP API base endpoint (default from config)")
	cmd.Flags().StringVar(&mcpEndpoint, "mcp-endpoint", "", "MCP streamable HTTP endpoint (default from config)")
	cmd.Flags().StringVar(&metricsPath, "metrics-path", "", "Prometheus endpoint (default /metrics)")
	return cmd
}

// serve runs the HTTP server next to the connectivity prober and the config watcher. The
// server returning, for any reason, stops the other two.
func (c *cli) serve(ctx context.Context, rt *queueRuntime, svc common.QueueService, logger *runtimeLogger, cfg serveradapter.Config) error {
	group, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	deps := serveradapter.Dependencies{
		Queue:    svc,
		Gatherer: rt.registry,
		Ready: func(ctx context.Context) error {
			_, err := svc.Stats(ctx)
			return err
		},
	}
	group.Go(func() error {
		defer cancel()
		logger.Info("serving", "http", cfg.HTTPBind, "api", cfg.APIEndpoint, "mcp", cfg.MCPEndpoint)
		return serveCommandRunner(gctx, cfg, deps)
	})

	if rt.remote != nil && rt.cfg.Remote.ProbeInterval > 0 {
		prober, err := connectivity.NewProber(rt.remote.Ping, rt.queue, connectivity.Config{
			Interval:         rt.cfg.Remote.ProbeInterval.Std(),
			FailureThreshold: rt.cfg.Remote.FailureThreshold,
		}, logger.Component("connectivity"))
		if err != nil {
			cancel()
			_ = group.Wait()
			return fmt.Errorf("connectivity prober: %w", err)
		}
		group.Go(func() error { return prober.Run(gctx) })
	}

	if info, err := os.Stat(filepath.Dir(rt.paths.configPath)); err == nil && info.IsDir() {
		group.Go(func() error {
			err := config.Watch(gctx, rt.paths.configPath, rt.defaults, func(next config.Config) {
				if err := rt.queue.UpdateConfig(next.QueueConfig()); err != nil {
					logger.Warn("config reload rejected", "path", rt.paths.configPath, "err", err)
					return
				}
				logger.Info("config reloaded", "path", rt.paths.configPath)
			}, func(err error) {
				logger.Warn("config reload failed", "path", rt.paths.configPath, "err", err)
			})
			if err != nil {
				logger.Warn("config watch stopped", "err", err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (c *cli) newEnqueueCommand() *cobra.Command {
	var (
		req         common.EnqueueRequest
		payload     string
		payloadFile string
		maxRetries  int
		reqCtx      common.RequestContext
	)
	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Add an action to the queue",
		Long: `Add an action to the queue. The payload is the JSON object for the action type,
given inline with --payload or read from --payload-file ("-" reads stdin).`,
		Example: `  ebb enqueue search --payload '{"query":"golang"}'
  ebb enqueue tag --payload-file tag.json --priority high --requires-network`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(cmd.InOrStdin(), payload, payloadFile)
			if err != nil {
				return err
			}
			req.Type = args[0]
			req.Payload = raw
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			if reqCtx != (common.RequestContext{}) {
				req.Context = &reqCtx
			}
			return c.withQueue(cmd.Context(), "enqueue", modeOneShot, func(_ *queueRuntime, svc common.QueueService, _ *runtimeLogger) error {
				action, err := svc.Enqueue(cmd.Context(), req)
				if err != nil {
					return err
				}
				return writeJSON(c.stdout, action)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&payload, "payload", "", "payload JSON")
	f.StringVar(&payloadFile, "payload-file", "", "payload JSON file ('-' for stdin)")
	f.StringVar(&req.Priority, "priority", "", "critical, high, normal, low or background")
	f.StringSliceVar(&req.Tags, "tag", nil, "tag to attach (repeatable)")
	f.StringSliceVar(&req.Dependencies, "depends-on", nil, "action id that must succeed first (repeatable)")
	f.StringVar(&req.GroupID, "group", "", "group id")
	f.BoolVar(&req.RequiresNetwork, "requires-network", false, "hold the action while offline")
	f.BoolVar(&req.RequiresUserInteraction, "requires-user-interaction", false, "flag the action for user review")
	f.StringVar(&req.ConflictStrategy, "conflict-strategy", "", "server_wins, client_wins, last_write_wins, merge or user_select")
	f.IntVar(&maxRetries, "max-retries", 0, "retry limit (default from config)")
	f.StringVar(&reqCtx.UserID, "user", "", "request context user id")
	f.StringVar(&reqCtx.SessionID, "session", "", "request context session id")
	f.StringVar(&reqCtx.DeviceID, "device", "", "request context device id")
	f.StringVar(&reqCtx.CorrelationID, "correlation-id", "", "request context correlation id")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	cmd.MarkFlagsOneRequired("payload", "payload-file")
	return cmd
}

func readPayload(stdin io.Reader, inline, path string) (json.RawMessage, error) {
	switch {
	case strings.TrimSpace(inline) != "":
		return json.RawMessage(inline), nil
	case path == "-":
		content, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		return content, nil
	case path != "":
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return content, nil
	default:
		return nil, fmt.Errorf("payload is required")
	}
}

func (c *cli) newListCommand() *cobra.Command {
	var (
		req    common.ListActionsRequest
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withQueue(cmd.Context(), "list", modeOneShot, func(_ *queueRuntime, svc common.QueueService, _ *runtimeLogger) error {
				actions, err := svc.ListActions(cmd.Context(), req)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(c.stdout, actions)
				}
				return writeActionTable(c.stdout, actions)
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&req.Statuses, "status", nil, "status filter (repeatable or comma separated)")
	f.StringSliceVar(&req.Types, "type", nil, "action type filter")
	f.StringSliceVar(&req.Priorities, "priority", nil, "priority filter")
	f.StringVar(&req.GroupID, "group", "", "group id")
	f.StringVar(&req.Tag, "tag", "", "tag")
	f.StringVar(&req.CorrelationID, "correlation-id", "", "request context correlation id")
	f.StringVar(&req.UserID, "user", "", "request context user id")
	f.StringVar(&req.SessionID, "session", "", "request context session id")
	f.StringVar(&req.DeviceID, "device", "", "request context device id")
	f.IntVar(&req.Limit, "limit", 0, "maximum rows (0 for all)")
	f.BoolVar(&asJSON, "json", false, "print full actions as JSON")
	return cmd
}

func writeActionTable(w io.Writer, actions []domain.Action) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPRIORITY\tRETRIES\tCREATED\tLAST ERROR")
	for _, a := range actions {
		lastErr := ""
		if a.Metadata.LastError != nil {
			lastErr = a.Metadata.LastError.Message
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			a.ID, a.Type, a.Status, a.Priority,
			a.Metadata.RetryCount, a.Metadata.MaxRetries,
			a.Metadata.CreatedAt.Format(time.RFC3339), lastErr)
	}
	return tw.Flush()
}

func (c *cli) newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print queue counts as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withQueue(cmd.Context(), "stats", modeOneShot, func(_ *queueRuntime, svc common.QueueService, _ *runtimeLogger) error {
				stats, err := svc.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(c.stdout, stats)
			})
		},
	}
}

func (c *cli) newCancelCommand() *cobra.Command {
	return c.newActionCommand("cancel", "Cancel a queued or pending action", func(ctx context.Context, svc common.QueueService, id string) (domain.Action, error) {
		return svc.CancelAction(ctx, id)
	})
}

func (c *cli) newRetryCommand() *cobra.Command {
	return c.newActionCommand("retry", "Requeue a failed action with a fresh retry budget", func(ctx context.Context, svc common.QueueService, id string) (domain.Action, error) {
		return svc.RetryAction(ctx, id)
	})
}

// newActionCommand builds a command that applies op to each id argument and prints the result.
func (c *cli) newActionCommand(name, short string, op func(context.Context, common.QueueService, string) (domain.Action, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withQueue(cmd.Context(), name, modeOneShot, func(_ *queueRuntime, svc common.QueueService, _ *runtimeLogger) error {
				for _, id := range args {
					action, err := op(cmd.Context(), svc, id)
					if err != nil {
						return fmt.Errorf("%s %s: %w", name, id, err)
					}
					_, _ = fmt.Fprintf(c.stdout, "%s\t%s\n", action.ID, action.Status)
				}
				return nil
			})
		},
	}
}

func (c *cli) newClearCommand() *cobra.Command {
	var before string
	cmd := &cobra.Command{
		Use:       "clear <scope>",
		Short:     "Remove completed, failed, pending_sync or all actions",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: common.ClearScopes(),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := common.ClearRequest{Scope: args[0]}
			if strings.TrimSpace(before) != "" {
				cutoff, err := time.Parse(time.RFC3339, strings.TrimSpace(before))
				if err != nil {
					return fmt.Errorf("parse --before: %w", err)
				}
				req.Before = &cutoff
			}
			return c.withQueue(cmd.Context(), "clear", modeOneShot, func(_ *queueRuntime, svc common.QueueService, _ *runtimeLogger) error {
				out, err := svc.Clear(cmd.Context(), req)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "removed %d %s actions\n", out.Removed, out.Scope)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "RFC3339 cutoff; pending_sync only")
	return cmd
}

func (c *cli) newSyncCommand() *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile pending actions with the backend now",
		Long: `Reconcile pending actions with the backend now, regardless of the cached network
state. Requires remote.base_url in the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withQueue(cmd.Context(), "sync", modeOneShot, func(_ *queueRuntime, svc common.QueueService, _ *runtimeLogger) error {
				report, err := svc.Sync(cmd.Context(), common.SyncRequest{Force: true, IDs: ids})
				if err != nil {
					return err
				}
				return writeJSON(c.stdout, report)
			})
		},
	}
	cmd.Flags().StringSliceVar(&ids, "id", nil, "limit the run to these action ids")
	return cmd
}

func (c *cli) newIntegrityCommand() *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Check dependency cycles and index orphans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withQueue(cmd.Context(), "integrity", modeOneShot, func(_ *queueRuntime, svc common.QueueService, _ *runtimeLogger) error {
				if repair {
					report, err := svc.RepairIntegrity(cmd.Context())
					if err != nil {
						return err
					}
					return writeJSON(c.stdout, report)
				}
				report, err := svc.Integrity(cmd.Context())
				if err != nil {
					return err
				}
				if err := writeJSON(c.stdout, report); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("integrity check found problems; rerun with --repair")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "drop dangling references and rebuild indices")
	return cmd
}

func (c *cli) newExportCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the live action set as a snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withQueue(cmd.Context(), "export", modeOneShot, func(_ *queueRuntime, svc common.QueueService, _ *runtimeLogger) error {
				snap, err := svc.Export(cmd.Context())
				if err != nil {
					return err
				}
				if outPath == "-" {
					return app.EncodeSnapshot(c.stdout, snap)
				}
				if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
					return fmt.Errorf("create export output dir: %w", err)
				}
				file, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create export file: %w", err)
				}
				if err := app.EncodeSnapshot(file, snap); err != nil {
					_ = file.Close()
					return fmt.Errorf("write export file: %w", err)
				}
				return file.Close()
			})
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "-", "output file path ('-' for stdout)")
	return cmd
}

func (c *cli) newImportCommand() *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load actions from a snapshot, replacing ones with the same id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var in io.Reader = cmd.InOrStdin()
			if inPath != "-" {
				file, err := os.Open(inPath)
				if err != nil {
					return fmt.Errorf("read import file: %w", err)
				}
				defer file.Close()
				in = file
			}
			snap, err := app.DecodeSnapshot(in)
			if err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			return c.withQueue(cmd.Context(), "import", modeOneShot, func(_ *queueRuntime, svc common.QueueService, _ *runtimeLogger) error {
				out, err := svc.Import(cmd.Context(), snap)
				if err != nil {
					return fmt.Errorf("import snapshot: %w", err)
				}
				_, _ = fmt.Fprintf(c.stdout, "imported %d of %d actions\n", out.Imported, out.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "input snapshot JSON file ('-' for stdin)")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func (c *cli) newPathsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config and storage locations",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			paths, err := resolvePaths(c.opts)
			if err != nil {
				return err
			}
			storage := paths.platform.StoragePath(firstNonEmpty(c.opts.backend, string(config.BackendSQLite)))
			if paths.dbOverridden {
				storage = paths.dbPath
			}
			_, _ = fmt.Fprintf(c.stdout, "app: %s\n", c.opts.appName)
			_, _ = fmt.Fprintf(c.stdout, "dev_mode: %t\n", c.opts.devMode)
			_, _ = fmt.Fprintf(c.stdout, "config: %s\n", paths.configPath)
			_, _ = fmt.Fprintf(c.stdout, "data_dir: %s\n", paths.platform.DataDir)
			_, _ = fmt.Fprintf(c.stdout, "storage: %s\n", storage)
			_, _ = fmt.Fprintf(c.stdout, "log_dir: %s\n", paths.platform.LogDir)
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
