// Package mcpapi provides a stateless MCP streamable-HTTP adapter.
package mcpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hylla/ebb/internal/adapters/server/common"
	"github.com/hylla/ebb/internal/domain"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// NewHandler builds one stateless MCP adapter exposing the queue tools.
func NewHandler(cfg Config, queue common.QueueService) (*Handler, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerActionTools(mcpSrv, queue)
	registerQueueTools(mcpSrv, queue)

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

// ServeHTTP handles one MCP streamable HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// normalizeConfig applies deterministic defaults to MCP adapter config.
func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "ebb"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	if !strings.HasPrefix(cfg.EndpointPath, "/") {
		cfg.EndpointPath = "/" + cfg.EndpointPath
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	return cfg
}

// actionTypeNames returns the registered action types as plain strings.
func actionTypeNames() []string {
	types := domain.ActionTypes()
	out := make([]string, 0, len(types))
	for _, kind := range types {
		out = append(out, string(kind))
	}
	return out
}

// priorityNames returns every priority from highest to lowest.
func priorityNames() []string {
	priorities := domain.Priorities()
	out := make([]string, 0, len(priorities))
	for _, p := range priorities {
		out = append(out, string(p))
	}
	return out
}

// registerActionTools registers per-action create, read and mutation tools.
func registerActionTools(srv *mcpserver.MCPServer, queue common.QueueService) {
	srv.AddTool(
		mcp.NewTool(
			"ebb.enqueue",
			mcp.WithDescription("Queue one action. The payload object must match the action type."),
			mcp.WithString("type", mcp.Required(), mcp.Description("Action type"), mcp.Enum(actionTypeNames()...)),
			mcp.WithObject("payload", mcp.Required(), mcp.Description("Typed action payload")),
			mcp.WithString("priority", mcp.Description("Scheduling priority"), mcp.Enum(priorityNames()...)),
			mcp.WithArray("dependencies", mcp.Description("Action ids that must finish first"), mcp.WithStringItems()),
			mcp.WithString("group_id", mcp.Description("Optional group identifier")),
			mcp.WithArray("tags", mcp.Description("Optional labels"), mcp.WithStringItems()),
			mcp.WithBoolean("requires_network", mcp.Description("Hold the action while offline")),
			mcp.WithBoolean("requires_user_interaction", mcp.Description("Flag the action for user attention")),
			mcp.WithString("conflict_strategy", mcp.Description("How sync conflicts are settled")),
			mcp.WithNumber("max_retries", mcp.Description("Override the default retry limit")),
			mcp.WithString("correlation_id", mcp.Description("Caller correlation id")),
			mcp.WithString("user_id", mcp.Description("Requesting user id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				Type                    string          `json:"type"`
				Payload                 json.RawMessage `json:"payload"`
				Priority                string          `json:"priority"`
				Dependencies            []string        `json:"dependencies"`
				GroupID                 string          `json:"group_id"`
				Tags                    []string        `json:"tags"`
				RequiresNetwork         bool            `json:"requires_network"`
				RequiresUserInteraction bool            `json:"requires_user_interaction"`
				ConflictStrategy        string          `json:"conflict_strategy"`
				MaxRetries              *int            `json:"max_retries"`
				CorrelationID           string          `json:"correlation_id"`
				UserID                  string          `json:"user_id"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if strings.TrimSpace(args.Type) == "" {
				return mcp.NewToolResultError(`invalid_request: required argument "type" not found`), nil
			}
			enqueue := common.EnqueueRequest{
				Type:                    args.Type,
				Payload:                 args.Payload,
				Priority:                args.Priority,
				Dependencies:            args.Dependencies,
				GroupID:                 args.GroupID,
				Tags:                    args.Tags,
				RequiresNetwork:         args.RequiresNetwork,
				RequiresUserInteraction: args.RequiresUserInteraction,
				ConflictStrategy:        args.ConflictStrategy,
				MaxRetries:              args.MaxRetries,
			}
			if args.CorrelationID != "" || args.UserID != "" {
				enqueue.Context = &common.RequestContext{
					CorrelationID: args.CorrelationID,
					UserID:        args.UserID,
				}
			}
			action, err := queue.Enqueue(ctx, enqueue)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return actionResult("enqueue", action)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"ebb.list_actions",
			mcp.WithDescription("List queued actions in insertion order."),
			mcp.WithArray("status", mcp.Description("Optional status filter"), mcp.WithStringItems()),
			mcp.WithArray("type", mcp.Description("Optional type filter"), mcp.WithStringItems()),
			mcp.WithArray("priority", mcp.Description("Optional priority filter"), mcp.WithStringItems()),
			mcp.WithString("group_id", mcp.Description("Optional group filter")),
			mcp.WithString("tag", mcp.Description("Optional tag filter")),
			mcp.WithString("correlation_id", mcp.Description("Optional correlation filter")),
			mcp.WithNumber("limit", mcp.Description("Maximum rows (0 = all)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			actions, err := queue.ListActions(ctx, common.ListActionsRequest{
				Statuses:      req.GetStringSlice("status", nil),
				Types:         req.GetStringSlice("type", nil),
				Priorities:    req.GetStringSlice("priority", nil),
				GroupID:       req.GetString("group_id", ""),
				Tag:           req.GetString("tag", ""),
				CorrelationID: req.GetString("correlation_id", ""),
				Limit:         req.GetInt("limit", 0),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			if actions == nil {
				actions = []domain.Action{}
			}
			result, err := mcp.NewToolResultJSON(map[string]any{
				"actions": actions,
			})
			if err != nil {
				return nil, fmt.Errorf("encode list_actions result: %w", err)
			}
			return result, nil
		},
	)

	registerIDTool(srv, "ebb.get_action", "Return one action by id.", queue.GetAction)
	registerIDTool(srv, "ebb.cancel_action", "Cancel one action that has not finished.", queue.CancelAction)
	registerIDTool(srv, "ebb.retry_action", "Requeue one failed action with its retry counter reset.", queue.RetryAction)

	srv.AddTool(
		mcp.NewTool(
			"ebb.update_priority",
			mcp.WithDescription("Change the scheduling priority of one action."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Action id")),
			mcp.WithString("priority", mcp.Required(), mcp.Description("New priority"), mcp.Enum(priorityNames()...)),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			priority, err := req.RequireString("priority")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			action, err := queue.UpdatePriority(ctx, common.PriorityRequest{ID: id, Priority: priority})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return actionResult("update_priority", action)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"ebb.edit_tags",
			mcp.WithDescription("Add and remove labels on one action."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Action id")),
			mcp.WithArray("add", mcp.Description("Labels to add"), mcp.WithStringItems()),
			mcp.WithArray("remove", mcp.Description("Labels to remove"), mcp.WithStringItems()),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			action, err := queue.EditTags(ctx, common.TagsRequest{
				ID:     id,
				Add:    req.GetStringSlice("add", nil),
				Remove: req.GetStringSlice("remove", nil),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return actionResult("edit_tags", action)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"ebb.resolve_conflict",
			mcp.WithDescription("Settle a conflicted action and queue it again."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Action id")),
			mcp.WithString("strategy", mcp.Description("Resolution strategy (defaults to user_select)")),
			mcp.WithObject("resolved", mcp.Description("Resolved version {data, updated_at, etag}; optional for server_wins and client_wins")),
			mcp.WithString("resolved_by", mcp.Description("Resolver identity"), mcp.Enum("user", "auto", "server")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				ID         string          `json:"id"`
				Strategy   string          `json:"strategy"`
				Resolved   *domain.Version `json:"resolved"`
				ResolvedBy string          `json:"resolved_by"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if strings.TrimSpace(args.ID) == "" {
				return mcp.NewToolResultError(`invalid_request: required argument "id" not found`), nil
			}
			action, err := queue.ResolveConflict(ctx, common.ResolveConflictRequest{
				ID:         args.ID,
				Strategy:   args.Strategy,
				Resolved:   args.Resolved,
				ResolvedBy: args.ResolvedBy,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return actionResult("resolve_conflict", action)
		},
	)
}

// registerIDTool registers one tool that takes only an action id.
func registerIDTool(srv *mcpserver.MCPServer, name, description string, call func(context.Context, string) (domain.Action, error)) {
	srv.AddTool(
		mcp.NewTool(
			name,
			mcp.WithDescription(description),
			mcp.WithString("id", mcp.Required(), mcp.Description("Action id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			action, err := call(ctx, id)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return actionResult(strings.TrimPrefix(name, "ebb."), action)
		},
	)
}

// actionResult encodes one action as a structured tool result.
func actionResult(operation string, action domain.Action) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(action)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", operation, err)
	}
	return result, nil
}

// toolResultFromError maps service errors into MCP-visible tool errors.
func toolResultFromError(err error) *mcp.CallToolResult {
	switch {
	case err == nil:
		return mcp.NewToolResultError("unknown error")
	case errors.Is(err, common.ErrInvalidRequest):
		return mcp.NewToolResultError("invalid_request: " + err.Error())
	case errors.Is(err, common.ErrNotFound):
		return mcp.NewToolResultError("not_found: " + err.Error())
	case errors.Is(err, common.ErrStateConflict):
		return mcp.NewToolResultError("state_conflict: " + err.Error())
	case errors.Is(err, common.ErrCapacity):
		return mcp.NewToolResultError("queue_full: " + err.Error())
	case errors.Is(err, common.ErrUnavailable):
		return mcp.NewToolResultError("unavailable: " + err.Error())
	default:
		return mcp.NewToolResultError("internal_error: " + err.Error())
	}
}

// invalidRequestToolResult maps argument binding failures to invalid_request results.
func invalidRequestToolResult(err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultError("invalid_request: malformed arguments")
	}
	return mcp.NewToolResultError("invalid_request: " + err.Error())
}
