package mcpapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hylla/ebb/internal/adapters/server/common"
)

// registerQueueTools registers queue-wide stats, sync and maintenance tools.
func registerQueueTools(srv *mcpserver.MCPServer, queue common.QueueService) {
	srv.AddTool(
		mcp.NewTool(
			"ebb.queue_stats",
			mcp.WithDescription("Return counts per status, type and priority plus network and sync flags."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			stats, err := queue.Stats(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(stats)
			if err != nil {
				return nil, fmt.Errorf("encode queue_stats result: %w", err)
			}
			return result, nil
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"ebb.sync",
			mcp.WithDescription("Reconcile pending actions with the remote service."),
			mcp.WithBoolean("force", mcp.Description("Run even while the network is marked offline")),
			mcp.WithArray("ids", mcp.Description("Limit the run to these action ids"), mcp.WithStringItems()),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			report, err := queue.Sync(ctx, common.SyncRequest{
				Force: req.GetBool("force", false),
				IDs:   req.GetStringSlice("ids", nil),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(report)
			if err != nil {
				return nil, fmt.Errorf("encode sync result: %w", err)
			}
			return result, nil
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"ebb.clear",
			mcp.WithDescription("Remove actions by scope."),
			mcp.WithString("scope", mcp.Required(), mcp.Description("Which actions to remove"), mcp.Enum(common.ClearScopes()...)),
			mcp.WithString("before", mcp.Description("RFC3339 cutoff for pending_sync")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			scope, err := req.RequireString("scope")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			clearReq := common.ClearRequest{Scope: scope}
			if raw := strings.TrimSpace(req.GetString("before", "")); raw != "" {
				before, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return invalidRequestToolResult(fmt.Errorf("before: %w", err)), nil
				}
				clearReq.Before = &before
			}
			out, err := queue.Clear(ctx, clearReq)
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(out)
			if err != nil {
				return nil, fmt.Errorf("encode clear result: %w", err)
			}
			return result, nil
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"ebb.check_integrity",
			mcp.WithDescription("Report dependency cycles and index orphans, optionally repairing them."),
			mcp.WithBoolean("repair", mcp.Description("Drop dangling references and rebuild indices")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var (
				payload any
				err     error
			)
			if req.GetBool("repair", false) {
				payload, err = queue.RepairIntegrity(ctx)
			} else {
				payload, err = queue.Integrity(ctx)
			}
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(payload)
			if err != nil {
				return nil, fmt.Errorf("encode check_integrity result: %w", err)
			}
			return result, nil
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"ebb.set_network",
			mcp.WithDescription("Override the connectivity flag until the next probe."),
			mcp.WithBoolean("online", mcp.Required(), mcp.Description("Whether the network is reachable")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			online, err := req.RequireBool("online")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			state, err := queue.SetNetwork(ctx, online)
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(state)
			if err != nil {
				return nil, fmt.Errorf("encode set_network result: %w", err)
			}
			return result, nil
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"ebb.export_snapshot",
			mcp.WithDescription("Return every live action as an import-ready snapshot."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			snap, err := queue.Export(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(snap)
			if err != nil {
				return nil, fmt.Errorf("encode export_snapshot result: %w", err)
			}
			return result, nil
		},
	)
}
