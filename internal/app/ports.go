package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hylla/ebb/internal/domain"
)

// Store is the durable home of the live action set.
type Store interface {
	// Save persists the complete live action set in order, replacing what was stored.
	Save(context.Context, []domain.Action) error
	// Load returns the stored actions in the order they were saved.
	Load(context.Context) ([]domain.Action, error)
	Remove(context.Context, string) error
	Clear(context.Context) error
}

// Handler executes one action type.
type Handler interface {
	Handle(context.Context, domain.Action) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(context.Context, domain.Action) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, action domain.Action) error {
	return f(ctx, action)
}

// HandlerFor adapts a function taking the concrete payload variant P.
func HandlerFor[P domain.Payload](fn func(context.Context, domain.Action, P) error) Handler {
	return HandlerFunc(func(ctx context.Context, action domain.Action) error {
		payload, ok := action.Payload.(P)
		if !ok {
			return fmt.Errorf("%w: unexpected %T payload on %s action", domain.ErrInvalidPayload, action.Payload, action.Type)
		}
		return fn(ctx, action, payload)
	})
}

// Reconciler pushes pending-sync actions to the remote system.
// Version mismatches are reported by returning a *ConflictError.
type Reconciler interface {
	Reconcile(context.Context, []domain.Action) error
}

// ReconcilerFunc adapts a function to Reconciler.
type ReconcilerFunc func(context.Context, []domain.Action) error

// Reconcile calls f.
func (f ReconcilerFunc) Reconcile(ctx context.Context, actions []domain.Action) error {
	return f(ctx, actions)
}

// ConflictResolver picks the winning version for an automatically settled conflict.
// It runs under the queue lock and must not call back into the queue.
type ConflictResolver interface {
	Resolve(action domain.Action, server, client *domain.Version) (*domain.Version, error)
}

// ConflictResolverFunc adapts a function to ConflictResolver.
type ConflictResolverFunc func(action domain.Action, server, client *domain.Version) (*domain.Version, error)

// Resolve calls f.
func (f ConflictResolverFunc) Resolve(action domain.Action, server, client *domain.Version) (*domain.Version, error) {
	return f(action, server, client)
}

// MetricsRecorder receives queue telemetry.
type MetricsRecorder interface {
	ActionEnqueued(domain.ActionType, domain.Priority)
	ActionProcessed(kind domain.ActionType, outcome string, elapsed time.Duration)
	SyncCompleted(outcome string, actions int, elapsed time.Duration)
	QueueDepth(map[domain.Status]int)
	NetworkChanged(online bool)
}

// Processing and sync outcomes reported to MetricsRecorder.
const (
	OutcomeSynced      = "synced"
	OutcomePendingSync = "pending_sync"
	OutcomeRetry       = "retry"
	OutcomeFailed      = "failed"
	OutcomeConflict    = "conflict"
	OutcomeStale       = "stale"
)

type noopMetrics struct{}

func (noopMetrics) ActionEnqueued(domain.ActionType, domain.Priority) {}
func (noopMetrics) ActionProcessed(domain.ActionType, string, time.Duration) {}
func (noopMetrics) SyncCompleted(string, int, time.Duration) {}
func (noopMetrics) QueueDepth(map[domain.Status]int) {}
func (noopMetrics) NetworkChanged(bool) {}

// IDGenerator returns unique identifiers for new actions.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time
