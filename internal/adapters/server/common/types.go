// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/domain"
)

// Clear scopes accepted by QueueService.Clear.
const (
	ClearScopeCompleted   = "completed"
	ClearScopeFailed      = "failed"
	ClearScopePendingSync = "pending_sync"
	ClearScopeAll         = "all"
)

// ClearScopes returns every accepted clear scope in canonical order.
func ClearScopes() []string {
	return []string{ClearScopeCompleted, ClearScopeFailed, ClearScopePendingSync, ClearScopeAll}
}

// ErrInvalidRequest reports malformed transport input.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotFound reports missing transport-visible resources.
var ErrNotFound = errors.New("not found")

// ErrStateConflict reports an operation that the action's current status does not allow.
var ErrStateConflict = errors.New("state conflict")

// ErrCapacity reports a full queue.
var ErrCapacity = errors.New("queue is at capacity")

// ErrUnavailable reports that the queue cannot serve the request right now.
var ErrUnavailable = errors.New("service unavailable")

// RequestContext carries caller attribution for a new action.
type RequestContext struct {
	UserID        string `json:"user_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// EnqueueRequest describes one new action. Payload is decoded against Type.
type EnqueueRequest struct {
	Type                    string          `json:"type"`
	Payload                 json.RawMessage `json:"payload"`
	Priority                string          `json:"priority,omitempty"`
	Context                 *RequestContext `json:"context,omitempty"`
	Dependencies            []string        `json:"dependencies,omitempty"`
	GroupID                 string          `json:"group_id,omitempty"`
	Tags                    []string        `json:"tags,omitempty"`
	RequiresNetwork         bool            `json:"requires_network,omitempty"`
	RequiresUserInteraction bool            `json:"requires_user_interaction,omitempty"`
	ConflictStrategy        string          `json:"conflict_strategy,omitempty"`
	MaxRetries              *int            `json:"max_retries,omitempty"`
}

// ListActionsRequest filters an action listing. Empty fields match everything.
type ListActionsRequest struct {
	Statuses      []string
	Types         []string
	Priorities    []string
	GroupID       string
	Tag           string
	CorrelationID string
	UserID        string
	SessionID     string
	DeviceID      string
	Limit         int
}

// PriorityRequest changes one action priority.
type PriorityRequest struct {
	ID       string `json:"-"`
	Priority string `json:"priority"`
}

// TagsRequest adds and removes labels on one action.
type TagsRequest struct {
	ID     string   `json:"-"`
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// ResolveConflictRequest settles one conflicted action. Resolved may be omitted for the
// server_wins and client_wins strategies, which pick the recorded side.
type ResolveConflictRequest struct {
	ID         string          `json:"-"`
	Strategy   string          `json:"strategy"`
	Resolved   *domain.Version `json:"resolved,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
}

// SyncRequest triggers one reconciliation run.
type SyncRequest struct {
	Force bool     `json:"force,omitempty"`
	IDs   []string `json:"ids,omitempty"`
}

// ClearRequest removes actions by scope.
type ClearRequest struct {
	Scope  string     `json:"scope"`
	Before *time.Time `json:"before,omitempty"`
}

// ClearResult reports how many actions a clear removed.
type ClearResult struct {
	Scope   string `json:"scope"`
	Removed int    `json:"removed"`
}

// NetworkState reports the queue connectivity flag.
type NetworkState struct {
	Online bool `json:"online"`
}

// ImportResult reports the outcome of a snapshot import.
type ImportResult struct {
	Imported int `json:"imported"`
	Total    int `json:"total"`
}

// QueueService exposes queue operations to transport adapters.
type QueueService interface {
	Enqueue(context.Context, EnqueueRequest) (domain.Action, error)
	ListActions(context.Context, ListActionsRequest) ([]domain.Action, error)
	GetAction(context.Context, string) (domain.Action, error)
	CancelAction(context.Context, string) (domain.Action, error)
	RetryAction(context.Context, string) (domain.Action, error)
	UpdatePriority(context.Context, PriorityRequest) (domain.Action, error)
	EditTags(context.Context, TagsRequest) (domain.Action, error)
	ResolveConflict(context.Context, ResolveConflictRequest) (domain.Action, error)
	Stats(context.Context) (app.Stats, error)
	Sync(context.Context, SyncRequest) (app.SyncReport, error)
	Clear(context.Context, ClearRequest) (ClearResult, error)
	Integrity(context.Context) (app.IntegrityReport, error)
	RepairIntegrity(context.Context) (app.RepairReport, error)
	Network(context.Context) (NetworkState, error)
	SetNetwork(context.Context, bool) (NetworkState, error)
	Export(context.Context) (app.Snapshot, error)
	Import(context.Context, app.Snapshot) (ImportResult, error)
}
