package common

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/domain"
)

// QueueAdapter maps transport requests onto an app.Queue.
type QueueAdapter struct {
	queue *app.Queue
}

var _ QueueService = (*QueueAdapter)(nil)

// NewQueueAdapter wraps queue for the HTTP and MCP transports.
func NewQueueAdapter(queue *app.Queue) *QueueAdapter {
	return &QueueAdapter{queue: queue}
}

// Enqueue decodes the typed payload and creates one action.
func (a *QueueAdapter) Enqueue(ctx context.Context, req EnqueueRequest) (domain.Action, error) {
	if err := a.ready(ctx); err != nil {
		return domain.Action{}, err
	}
	kind := domain.NormalizeActionType(domain.ActionType(req.Type))
	if kind == "" {
		return domain.Action{}, fmt.Errorf("enqueue: type is required: %w", ErrInvalidRequest)
	}
	payload, err := domain.DecodePayload(kind, req.Payload)
	if err != nil {
		return domain.Action{}, mapAppError("enqueue", err)
	}
	in := app.CreateActionInput{
		Type:                    kind,
		Payload:                 payload,
		Priority:                domain.Priority(req.Priority),
		Dependencies:            req.Dependencies,
		GroupID:                 req.GroupID,
		Tags:                    req.Tags,
		RequiresNetwork:         req.RequiresNetwork,
		RequiresUserInteraction: req.RequiresUserInteraction,
		ConflictStrategy:        domain.ConflictStrategy(req.ConflictStrategy),
		MaxRetries:              req.MaxRetries,
	}
	if req.Context != nil {
		in.Context = &domain.RequestContext{
			UserID:        req.Context.UserID,
			SessionID:     req.Context.SessionID,
			DeviceID:      req.Context.DeviceID,
			CorrelationID: req.Context.CorrelationID,
		}
	}
	action, err := a.queue.CreateAction(in)
	if err != nil {
		return domain.Action{}, mapAppError("enqueue", err)
	}
	return action, nil
}

// ListActions returns matching actions in insertion order.
func (a *QueueAdapter) ListActions(ctx context.Context, req ListActionsRequest) ([]domain.Action, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	filter := app.ActionFilter{
		GroupID:       strings.TrimSpace(req.GroupID),
		Tag:           strings.TrimSpace(req.Tag),
		CorrelationID: strings.TrimSpace(req.CorrelationID),
		UserID:        strings.TrimSpace(req.UserID),
		SessionID:     strings.TrimSpace(req.SessionID),
		DeviceID:      strings.TrimSpace(req.DeviceID),
		Limit:         req.Limit,
	}
	if req.Limit < 0 {
		return nil, fmt.Errorf("list actions: limit must be >= 0: %w", ErrInvalidRequest)
	}
	for _, raw := range splitValues(req.Statuses) {
		status := domain.NormalizeStatus(domain.Status(raw))
		if !domain.IsValidStatus(status) {
			return nil, fmt.Errorf("list actions: unknown status %q: %w", raw, ErrInvalidRequest)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for _, raw := range splitValues(req.Types) {
		kind := domain.NormalizeActionType(domain.ActionType(raw))
		if !domain.IsValidActionType(kind) {
			return nil, fmt.Errorf("list actions: unknown type %q: %w", raw, ErrInvalidRequest)
		}
		filter.Types = append(filter.Types, kind)
	}
	for _, raw := range splitValues(req.Priorities) {
		priority := domain.NormalizePriority(domain.Priority(raw))
		if !domain.IsValidPriority(priority) {
			return nil, fmt.Errorf("list actions: unknown priority %q: %w", raw, ErrInvalidRequest)
		}
		filter.Priorities = append(filter.Priorities, priority)
	}
	return a.queue.Actions(filter), nil
}

// GetAction returns one action by id.
func (a *QueueAdapter) GetAction(ctx context.Context, id string) (domain.Action, error) {
	if err := a.ready(ctx); err != nil {
		return domain.Action{}, err
	}
	action, err := a.queue.Action(strings.TrimSpace(id))
	if err != nil {
		return domain.Action{}, mapAppError("get action", err)
	}
	return action, nil
}

// CancelAction cancels one action and returns its new state.
func (a *QueueAdapter) CancelAction(ctx context.Context, id string) (domain.Action, error) {
	return a.mutate(ctx, "cancel action", id, a.queue.CancelAction)
}

// RetryAction requeues one failed action.
func (a *QueueAdapter) RetryAction(ctx context.Context, id string) (domain.Action, error) {
	return a.mutate(ctx, "retry action", id, a.queue.RetryAction)
}

// UpdatePriority changes one action priority.
func (a *QueueAdapter) UpdatePriority(ctx context.Context, req PriorityRequest) (domain.Action, error) {
	return a.mutate(ctx, "update priority", req.ID, func(id string) error {
		return a.queue.UpdatePriority(id, domain.Priority(req.Priority))
	})
}

// EditTags applies additions before removals.
func (a *QueueAdapter) EditTags(ctx context.Context, req TagsRequest) (domain.Action, error) {
	if len(req.Add) == 0 && len(req.Remove) == 0 {
		return domain.Action{}, fmt.Errorf("edit tags: add or remove is required: %w", ErrInvalidRequest)
	}
	return a.mutate(ctx, "edit tags", req.ID, func(id string) error {
		if len(req.Add) > 0 {
			if err := a.queue.AddTags(id, req.Add...); err != nil {
				return err
			}
		}
		if len(req.Remove) > 0 {
			return a.queue.RemoveTags(id, req.Remove...)
		}
		return nil
	})
}

// ResolveConflict settles one conflicted action. Without an explicit version the
// server_wins and client_wins strategies take the recorded side.
func (a *QueueAdapter) ResolveConflict(ctx context.Context, req ResolveConflictRequest) (domain.Action, error) {
	strategy := domain.NormalizeConflictStrategy(domain.ConflictStrategy(req.Strategy))
	if strategy == "" {
		strategy = domain.StrategyUserSelect
	}
	by := domain.ResolvedBy(strings.ToLower(strings.TrimSpace(req.ResolvedBy)))
	if by == "" {
		by = domain.ResolvedByUser
	}
	return a.mutate(ctx, "resolve conflict", req.ID, func(id string) error {
		resolved := req.Resolved
		if resolved == nil {
			current, err := a.queue.Action(id)
			if err != nil {
				return err
			}
			resolved = recordedVersion(current, strategy)
			if resolved == nil {
				return fmt.Errorf("resolved version is required for strategy %q: %w", strategy, ErrInvalidRequest)
			}
		}
		return a.queue.ResolveConflict(id, resolved, strategy, by)
	})
}

// recordedVersion returns the side of a recorded conflict that strategy selects.
func recordedVersion(action domain.Action, strategy domain.ConflictStrategy) *domain.Version {
	record := action.Metadata.ConflictResolution
	if record == nil {
		return nil
	}
	switch strategy {
	case domain.StrategyServerWins:
		return record.ServerVersion
	case domain.StrategyClientWins:
		return record.ClientVersion
	case domain.StrategyLastWriteWins:
		resolved, err := app.LastWriteWins(action, record.ServerVersion, record.ClientVersion)
		if err != nil {
			return nil
		}
		return resolved
	default:
		return nil
	}
}

// Stats returns the queue summary.
func (a *QueueAdapter) Stats(ctx context.Context) (app.Stats, error) {
	if err := a.ready(ctx); err != nil {
		return app.Stats{}, err
	}
	return a.queue.Stats(), nil
}

// Sync runs one reconciliation. Force ignores the network flag; IDs limit the batch.
func (a *QueueAdapter) Sync(ctx context.Context, req SyncRequest) (app.SyncReport, error) {
	if err := a.ready(ctx); err != nil {
		return app.SyncReport{}, err
	}
	var (
		report app.SyncReport
		err    error
	)
	switch {
	case len(req.IDs) > 0:
		report, err = a.queue.ForceSyncActions(ctx, req.IDs)
	case req.Force:
		report, err = a.queue.ForceSync(ctx)
	default:
		report, err = a.queue.Sync(ctx)
	}
	if err != nil {
		return app.SyncReport{}, mapAppError("sync", err)
	}
	return report, nil
}

// Clear removes actions by scope.
func (a *QueueAdapter) Clear(ctx context.Context, req ClearRequest) (ClearResult, error) {
	if err := a.ready(ctx); err != nil {
		return ClearResult{}, err
	}
	scope := strings.ToLower(strings.TrimSpace(req.Scope))
	if req.Before != nil && scope != ClearScopePendingSync {
		return ClearResult{}, fmt.Errorf("clear: before applies only to %q: %w", ClearScopePendingSync, ErrInvalidRequest)
	}
	out := ClearResult{Scope: scope}
	switch scope {
	case ClearScopeCompleted:
		out.Removed = a.queue.ClearCompleted()
	case ClearScopeFailed:
		out.Removed = a.queue.ClearFailed()
	case ClearScopePendingSync:
		out.Removed = a.queue.ClearPendingSync(req.Before)
	case ClearScopeAll:
		out.Removed = a.queue.Len()
		a.queue.ClearQueue()
	default:
		return ClearResult{}, fmt.Errorf("clear: scope must be one of %s: %w", strings.Join(ClearScopes(), ", "), ErrInvalidRequest)
	}
	return out, nil
}

// Integrity reports dependency and index inconsistencies.
func (a *QueueAdapter) Integrity(ctx context.Context) (app.IntegrityReport, error) {
	if err := a.ready(ctx); err != nil {
		return app.IntegrityReport{}, err
	}
	return a.queue.ValidateIntegrity(), nil
}

// RepairIntegrity drops dangling references and rebuilds indices.
func (a *QueueAdapter) RepairIntegrity(ctx context.Context) (app.RepairReport, error) {
	if err := a.ready(ctx); err != nil {
		return app.RepairReport{}, err
	}
	return a.queue.RepairIntegrity(), nil
}

// Network reports the connectivity flag.
func (a *QueueAdapter) Network(ctx context.Context) (NetworkState, error) {
	if err := a.ready(ctx); err != nil {
		return NetworkState{}, err
	}
	return NetworkState{Online: a.queue.Online()}, nil
}

// SetNetwork overrides the connectivity flag until the next probe.
func (a *QueueAdapter) SetNetwork(ctx context.Context, online bool) (NetworkState, error) {
	if err := a.ready(ctx); err != nil {
		return NetworkState{}, err
	}
	a.queue.SetOnline(online)
	return NetworkState{Online: a.queue.Online()}, nil
}

// Export returns a snapshot of the live action set.
func (a *QueueAdapter) Export(ctx context.Context) (app.Snapshot, error) {
	if err := a.ready(ctx); err != nil {
		return app.Snapshot{}, err
	}
	return a.queue.ExportSnapshot(), nil
}

// Import upserts snapshot actions into the queue.
func (a *QueueAdapter) Import(ctx context.Context, snap app.Snapshot) (ImportResult, error) {
	if err := a.ready(ctx); err != nil {
		return ImportResult{}, err
	}
	if err := a.queue.ImportSnapshot(snap); err != nil {
		return ImportResult{}, mapAppError("import snapshot", err)
	}
	return ImportResult{Imported: len(snap.Actions), Total: a.queue.Len()}, nil
}

// mutate runs one id-scoped queue mutation and returns the updated action.
func (a *QueueAdapter) mutate(ctx context.Context, operation, id string, fn func(string) error) (domain.Action, error) {
	if err := a.ready(ctx); err != nil {
		return domain.Action{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Action{}, fmt.Errorf("%s: id is required: %w", operation, ErrInvalidRequest)
	}
	if err := fn(id); err != nil {
		return domain.Action{}, mapAppError(operation, err)
	}
	action, err := a.queue.Action(id)
	if err != nil {
		return domain.Action{}, mapAppError(operation, err)
	}
	return action, nil
}

// ready rejects calls on a nil adapter or a canceled context.
func (a *QueueAdapter) ready(ctx context.Context) error {
	if a == nil || a.queue == nil {
		return fmt.Errorf("queue is not configured: %w", ErrUnavailable)
	}
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("request canceled: %w", err)
	}
	return nil
}

// splitValues flattens repeated and comma-separated filter values.
func splitValues(in []string) []string {
	var out []string
	for _, raw := range in {
		for part := range strings.SplitSeq(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// mapAppError maps app and domain errors onto transport sentinels.
func mapAppError(operation string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return fmt.Errorf("%s: %w", operation, err)
	case errors.Is(err, app.ErrNotFound):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNotFound, err))
	case errors.Is(err, app.ErrResourceLimit):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrCapacity, err))
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, app.ErrSyncInProgress):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrStateConflict, err))
	case errors.Is(err, app.ErrOffline),
		errors.Is(err, app.ErrNoReconciler),
		errors.Is(err, app.ErrQueueClosed):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrUnavailable, err))
	case errors.Is(err, app.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrUnknownActionType),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrInvalidPriority),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidStrategy),
		errors.Is(err, domain.ErrInvalidRetryLimit),
		errors.Is(err, domain.ErrInvalidDependency),
		errors.Is(err, domain.ErrInvalidVersion),
		errors.Is(err, domain.ErrInvalidResolvedBy),
		errors.Is(err, domain.ErrRetryLimitExceeded):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrInvalidRequest, err))
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}
