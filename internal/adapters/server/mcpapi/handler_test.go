package mcpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hylla/ebb/internal/adapters/server/common"
	"github.com/hylla/ebb/internal/app"
)

// jsonRPCResponse models minimal JSON-RPC response fields used in MCP adapter tests.
type jsonRPCResponse struct {
	ID     float64        `json:"id"`
	Result map[string]any `json:"result"`
}

// newTestServer starts one MCP handler over an offline queue.
func newTestServer(t *testing.T) (*httptest.Server, *app.Queue) {
	t.Helper()
	cfg := app.DefaultQueueConfig()
	cfg.SyncInterval = 0
	n := 0
	ids := func() string {
		n++
		return fmt.Sprintf("a%d", n)
	}
	q, err := app.NewQueue(nil, ids, nil, cfg, app.WithLogger(log.New(io.Discard)))
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	handler, err := NewHandler(Config{}, common.NewQueueAdapter(q))
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	_, _ = postJSONRPC(t, server.Client(), server.URL, initializeRequest())
	return server, q
}

// callToolRequest constructs one deterministic tools/call JSON-RPC request payload.
func callToolRequest(id int, toolName string, arguments map[string]any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": arguments,
		},
	}
}

// toolResultText decodes the first text entry from one tool-call result payload.
func toolResultText(t *testing.T, result map[string]any) string {
	t.Helper()

	contentRaw, ok := result["content"].([]any)
	if !ok || len(contentRaw) == 0 {
		t.Fatalf("content missing in tool result: %#v", result)
	}
	first, ok := contentRaw[0].(map[string]any)
	if !ok {
		t.Fatalf("first content entry has unexpected type: %#v", contentRaw[0])
	}
	text, ok := first["text"].(string)
	if !ok {
		t.Fatalf("content text missing in tool result: %#v", first)
	}
	return text
}

// toolResultStructured decodes structuredContent as one map for stable assertions.
func toolResultStructured(t *testing.T, result map[string]any) map[string]any {
	t.Helper()
	structured, ok := result["structuredContent"].(map[string]any)
	if !ok {
		t.Fatalf("structuredContent missing in tool result: %#v", result)
	}
	return structured
}

// postJSONRPC sends one JSON-RPC payload and decodes the response body.
func postJSONRPC(t *testing.T, client *http.Client, url string, payload any) (*http.Response, jsonRPCResponse) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	var decoded jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return resp, decoded
}

// initializeRequest builds a deterministic MCP initialize request payload.
func initializeRequest() map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"clientInfo": map[string]any{
				"name":    "ebb-test",
				"version": "1.0.0",
			},
		},
	}
}

// callToolResultText decodes the first textual content block from a CallToolResult.
func callToolResultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatalf("result = nil, want non-nil")
	}
	if len(result.Content) == 0 {
		t.Fatalf("result content is empty")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content[0] has unexpected type %T", result.Content[0])
	}
	return text.Text
}

// enqueueArgs returns tool arguments for one network-bound search action.
func enqueueArgs(query string) map[string]any {
	return map[string]any{
		"type":             "search",
		"payload":          map[string]any{"query": query},
		"priority":         "high",
		"tags":             []string{"agent"},
		"requires_network": true,
		"correlation_id":   "corr-" + query,
	}
}

// TestHandlerUsesStatelessTransport verifies MCP transport does not issue session ids.
func TestHandlerUsesStatelessTransport(t *testing.T) {
	server, _ := newTestServer(t)

	resp, decoded := postJSONRPC(t, server.Client(), server.URL, initializeRequest())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if decoded.ID != 1 {
		t.Fatalf("id = %v, want 1", decoded.ID)
	}
	if got := resp.Header.Get("Mcp-Session-Id"); got != "" {
		t.Fatalf("Mcp-Session-Id header = %q, want empty (stateless transport)", got)
	}
}

// TestHandlerRegistersQueueTools verifies tool discovery lists every ebb tool.
func TestHandlerRegistersQueueTools(t *testing.T) {
	server, _ := newTestServer(t)
	_, toolsResp := postJSONRPC(t, server.Client(), server.URL, map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "tools/list",
	})

	toolsRaw, ok := toolsResp.Result["tools"].([]any)
	if !ok {
		t.Fatalf("tools list payload missing tools: %#v", toolsResp.Result)
	}
	toolNames := make([]string, 0, len(toolsRaw))
	for _, toolRaw := range toolsRaw {
		toolMap, ok := toolRaw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		toolNames = append(toolNames, name)
	}
	for _, want := range []string{
		"ebb.enqueue",
		"ebb.list_actions",
		"ebb.get_action",
		"ebb.cancel_action",
		"ebb.retry_action",
		"ebb.update_priority",
		"ebb.edit_tags",
		"ebb.resolve_conflict",
		"ebb.queue_stats",
		"ebb.sync",
		"ebb.clear",
		"ebb.check_integrity",
		"ebb.set_network",
		"ebb.export_snapshot",
	} {
		if !slices.Contains(toolNames, want) {
			t.Fatalf("tool list missing %s: %#v", want, toolNames)
		}
	}
}

// TestHandlerEnqueueAndGetToolCalls verifies enqueue forwards typed arguments.
func TestHandlerEnqueueAndGetToolCalls(t *testing.T) {
	server, q := newTestServer(t)

	_, callResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(3, "ebb.enqueue", enqueueArgs("cats")))
	if isError, _ := callResp.Result["isError"].(bool); isError {
		t.Fatalf("enqueue error: %s", toolResultText(t, callResp.Result))
	}
	created := toolResultStructured(t, callResp.Result)
	if got, _ := created["id"].(string); got != "a1" {
		t.Fatalf("id = %q, want a1", got)
	}
	if got, _ := created["status"].(string); got != "queued" {
		t.Fatalf("status = %q, want queued", got)
	}

	action, err := q.Action("a1")
	if err != nil {
		t.Fatalf("Action() error = %v", err)
	}
	if action.Context == nil || action.Context.CorrelationID != "corr-cats" {
		t.Fatalf("context = %#v, want corr-cats", action.Context)
	}
	if !action.HasTag("agent") || !action.Metadata.RequiresNetwork {
		t.Fatalf("action = %+v, want agent tag and requires_network", action)
	}

	_, getResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(4, "ebb.get_action", map[string]any{"id": "a1"}))
	got := toolResultStructured(t, getResp.Result)
	if got["priority"] != "high" {
		t.Fatalf("priority = %v, want high", got["priority"])
	}
}

// TestHandlerListAndMutateToolCalls verifies list filters and per-action mutations.
func TestHandlerListAndMutateToolCalls(t *testing.T) {
	server, _ := newTestServer(t)
	postJSONRPC(t, server.Client(), server.URL, callToolRequest(3, "ebb.enqueue", enqueueArgs("one")))
	postJSONRPC(t, server.Client(), server.URL, callToolRequest(4, "ebb.enqueue", enqueueArgs("two")))

	_, cancelResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(5, "ebb.cancel_action", map[string]any{"id": "a2"}))
	if got := toolResultStructured(t, cancelResp.Result)["status"]; got != "cancelled" {
		t.Fatalf("cancel status = %v, want cancelled", got)
	}

	_, listResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(6, "ebb.list_actions", map[string]any{
		"status": []string{"queued"},
	}))
	actions, ok := toolResultStructured(t, listResp.Result)["actions"].([]any)
	if !ok || len(actions) != 1 {
		t.Fatalf("actions = %#v, want one queued action", listResp.Result)
	}

	_, prioResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(7, "ebb.update_priority", map[string]any{
		"id":       "a1",
		"priority": "background",
	}))
	if got := toolResultStructured(t, prioResp.Result)["priority"]; got != "background" {
		t.Fatalf("priority = %v, want background", got)
	}

	_, tagResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(8, "ebb.edit_tags", map[string]any{
		"id":     "a1",
		"add":    []string{"later"},
		"remove": []string{"agent"},
	}))
	tags, _ := toolResultStructured(t, tagResp.Result)["tags"].([]any)
	if len(tags) != 1 || tags[0] != "later" {
		t.Fatalf("tags = %#v, want [later]", tags)
	}

	_, retryResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(9, "ebb.retry_action", map[string]any{"id": "a1"}))
	if got := toolResultText(t, retryResp.Result); !strings.HasPrefix(got, "state_conflict:") {
		t.Fatalf("retry error = %q, want state_conflict prefix", got)
	}
}

// TestHandlerEnqueueToolErrors verifies argument and payload failures stay tool errors.
func TestHandlerEnqueueToolErrors(t *testing.T) {
	server, _ := newTestServer(t)
	cases := []struct {
		name       string
		args       map[string]any
		wantPrefix string
	}{
		{name: "missing type", args: map[string]any{"payload": map[string]any{"query": "x"}}, wantPrefix: "invalid_request:"},
		{name: "wrong arg type", args: map[string]any{"type": 12}, wantPrefix: "invalid_request:"},
		{name: "bad payload", args: map[string]any{"type": "tag", "payload": map[string]any{"target_id": "t1"}}, wantPrefix: "invalid_request:"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(100+i, "ebb.enqueue", tc.args))
			if isError, _ := resp.Result["isError"].(bool); !isError {
				t.Fatalf("isError = %v, want true", resp.Result["isError"])
			}
			if got := toolResultText(t, resp.Result); !strings.HasPrefix(got, tc.wantPrefix) {
				t.Fatalf("error text = %q, want prefix %q", got, tc.wantPrefix)
			}
		})
	}

	_, resp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(200, "ebb.get_action", map[string]any{"id": "nope"}))
	if got := toolResultText(t, resp.Result); !strings.HasPrefix(got, "not_found:") {
		t.Fatalf("get missing = %q, want not_found prefix", got)
	}
}

// TestNewHandlerRequiresQueue verifies queue dependency enforcement.
func TestNewHandlerRequiresQueue(t *testing.T) {
	handler, err := NewHandler(Config{}, nil)
	if err == nil {
		t.Fatal("NewHandler() error = nil, want error")
	}
	if handler != nil {
		t.Fatalf("handler = %#v, want nil", handler)
	}
}

// TestNormalizeConfig verifies default and trimming behavior.
func TestNormalizeConfig(t *testing.T) {
	cases := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "defaults",
			in:   Config{},
			want: Config{ServerName: "ebb", ServerVersion: "dev", EndpointPath: "/mcp"},
		},
		{
			name: "trimmed values and slash prefix",
			in:   Config{ServerName: " ebb-server ", ServerVersion: " v1.2.3 ", EndpointPath: "custom/path"},
			want: Config{ServerName: "ebb-server", ServerVersion: "v1.2.3", EndpointPath: "/custom/path"},
		},
		{
			name: "endpoint trim of repeated slashes",
			in:   Config{ServerName: "ebb", ServerVersion: "dev", EndpointPath: "///mcp///"},
			want: Config{ServerName: "ebb", ServerVersion: "dev", EndpointPath: "/mcp"},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeConfig(tt.in); got != tt.want {
				t.Fatalf("normalizeConfig() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestHandlerServeHTTPUnavailable verifies nil handler paths fail closed with 503.
func TestHandlerServeHTTPUnavailable(t *testing.T) {
	for name, handler := range map[string]*Handler{"nil receiver": nil, "missing inner handler": {}} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`{}`))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
			}
			if !strings.Contains(rec.Body.String(), "mcp handler unavailable") {
				t.Fatalf("body = %q, want mcp handler unavailable", rec.Body.String())
			}
		})
	}
}

// TestToolResultFromErrorMapping verifies deterministic error-to-tool-result mapping.
func TestToolResultFromErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantPrefix string
	}{
		{name: "nil error", err: nil, wantPrefix: "unknown error"},
		{name: "invalid", err: errors.Join(common.ErrInvalidRequest, errors.New("bad")), wantPrefix: "invalid_request:"},
		{name: "not found", err: errors.Join(common.ErrNotFound, errors.New("missing")), wantPrefix: "not_found:"},
		{name: "state conflict", err: errors.Join(common.ErrStateConflict, errors.New("queued")), wantPrefix: "state_conflict:"},
		{name: "capacity", err: errors.Join(common.ErrCapacity, errors.New("full")), wantPrefix: "queue_full:"},
		{name: "unavailable", err: errors.Join(common.ErrUnavailable, errors.New("offline")), wantPrefix: "unavailable:"},
		{name: "internal", err: errors.New("boom"), wantPrefix: "internal_error:"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			result := toolResultFromError(tt.err)
			if !result.IsError {
				t.Fatalf("IsError = false, want true")
			}
			if got := callToolResultText(t, result); !strings.HasPrefix(got, tt.wantPrefix) {
				t.Fatalf("text = %q, want prefix %q", got, tt.wantPrefix)
			}
		})
	}
}
