package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/hylla/ebb/internal/domain"
)

// QueueConfig holds the live tunables of a queue.
type QueueConfig struct {
	MaxQueueSize      int
	DefaultMaxRetries int
	RetryBaseDelay    time.Duration
	HandlerTimeout    time.Duration
	SyncInterval      time.Duration
	SyncBaseDelay     time.Duration
	SyncMaxDelay      time.Duration
	ReconcileTimeout  time.Duration
	StartOnline       bool
}

// DefaultQueueConfig returns the default tunables.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxQueueSize:      1000,
		DefaultMaxRetries: 3,
		RetryBaseDelay:    time.Second,
		HandlerTimeout:    30 * time.Second,
		SyncInterval:      30 * time.Second,
		SyncBaseDelay:     time.Minute,
		SyncMaxDelay:      time.Hour,
		ReconcileTimeout:  time.Minute,
		StartOnline:       true,
	}
}

// Validate checks the tunables. Zero sizes and timeouts mean unlimited or disabled.
func (c QueueConfig) Validate() error {
	switch {
	case c.MaxQueueSize < 0:
		return fmt.Errorf("%w: max queue size must be >= 0", ErrValidation)
	case c.DefaultMaxRetries < 0:
		return fmt.Errorf("%w: default max retries must be >= 0", ErrValidation)
	case c.RetryBaseDelay < 0, c.HandlerTimeout < 0, c.SyncInterval < 0, c.ReconcileTimeout < 0:
		return fmt.Errorf("%w: durations must be >= 0", ErrValidation)
	case c.SyncBaseDelay < 0 || c.SyncMaxDelay < c.SyncBaseDelay:
		return fmt.Errorf("%w: sync max delay must be >= sync base delay >= 0", ErrValidation)
	}
	return nil
}

// Option configures optional queue collaborators.
type Option func(*Queue)

// WithReconciler sets the remote reconciliation call used by sync.
func WithReconciler(r Reconciler) Option {
	return func(q *Queue) { q.reconciler = r }
}

// WithResolver replaces the default last-write-wins conflict resolver.
func WithResolver(r ConflictResolver) Option {
	return func(q *Queue) {
		if r != nil {
			q.resolver = r
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(l *log.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithProcessingPaused keeps actions in the queue without handing them to handlers.
// Edits, sync and persistence still work.
func WithProcessingPaused() Option {
	return func(q *Queue) { q.paused = true }
}

// WithMetrics sets the telemetry sink.
func WithMetrics(m MetricsRecorder) Option {
	return func(q *Queue) {
		if m != nil {
			q.metrics = m
		}
	}
}

// Queue is one offline action queue. All state is owned by the instance and guarded by mu.
type Queue struct {
	store      Store
	idGen      IDGenerator
	clock      Clock
	reconciler Reconciler
	resolver   ConflictResolver
	logger     *log.Logger
	metrics    MetricsRecorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	cfg        QueueConfig
	actions    map[string]*domain.Action
	order      []string
	index      *actionIndex
	handlers   map[domain.ActionType]Handler
	online     bool
	started    bool
	closed     bool
	processing bool
	paused     bool
	inflight   *inflightJob
	attempts   uint64
	syncing    bool
	syncRerun  syncMode
	wakeTimer  *time.Timer
	ticker     *time.Ticker

	networkListeners listenerRegistry[NetworkListener]
	queueListeners   listenerRegistry[QueueListener]

	persist *mailbox[persistOp]
	notify  *mailbox[[]domain.Action]
}

// NewQueue constructs a queue. A nil store disables persistence.
func NewQueue(store Store, idGen IDGenerator, clock Clock, cfg QueueConfig, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if idGen == nil {
		idGen = uuid.NewString
	}
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:    store,
		idGen:    idGen,
		clock:    clock,
		resolver: ConflictResolverFunc(LastWriteWins),
		logger:   log.Default(),
		metrics:  noopMetrics{},
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		actions:  map[string]*domain.Action{},
		index:    newActionIndex(),
		handlers: map[domain.ActionType]Handler{},
		online:   cfg.StartOnline,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.persist = newMailbox(q.writeBatch)
	q.notify = newMailbox(q.deliverQueueChanges)
	q.metrics.NetworkChanged(q.online)
	return q, nil
}

// Start restores persisted actions, starts the periodic sync timer and begins draining.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	if q.store != nil {
		loaded, err := q.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load actions: %w", err)
		}
		q.mu.Lock()
		restored := q.restoreLocked(loaded)
		q.mu.Unlock()
		q.logger.Info("queue restored", "actions", restored)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.cfg.SyncInterval > 0 {
		q.ticker = time.NewTicker(q.cfg.SyncInterval)
		q.wg.Add(1)
		go q.runSyncTimer(q.ticker)
	}
	q.kickLocked()
	if q.online {
		q.requestSyncLocked(syncDue)
	}
	return nil
}

// restoreLocked inserts loaded actions, resetting work interrupted by a shutdown.
func (q *Queue) restoreLocked(loaded []domain.Action) int {
	restored := 0
	for i := range loaded {
		a := loaded[i].Clone()
		if err := a.Validate(); err != nil {
			q.logger.Warn("skipping invalid stored action", "id", a.ID, "err", err)
			continue
		}
		if _, exists := q.actions[a.ID]; exists {
			continue
		}
		q.resumeInterruptedLocked(&a)
		q.insertLocked(&a)
		restored++
	}
	if restored > 0 {
		q.changedLocked()
	}
	return restored
}

// resumeInterruptedLocked moves processing or syncing records that no running handler or
// sync owns back to the status they are picked up from.
func (q *Queue) resumeInterruptedLocked(a *domain.Action) {
	switch a.Status {
	case domain.StatusProcessing:
		if q.inflight == nil || q.inflight.id != a.ID {
			a.Status = domain.StatusQueued
		}
	case domain.StatusSyncing:
		if !q.syncing {
			a.Status = domain.StatusPendingSync
		}
	}
}

func (q *Queue) runSyncTimer(ticker *time.Ticker) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			q.requestSyncLocked(syncDue)
			q.mu.Unlock()
		}
	}
}

// Close stops timers, cancels in-flight handler and sync contexts, and drains pending
// persistence writes and listener deliveries.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.cancel()
	if q.ticker != nil {
		q.ticker.Stop()
	}
	if q.wakeTimer != nil {
		q.wakeTimer.Stop()
	}
	q.mu.Unlock()

	q.wg.Wait()
	q.persist.close()
	q.notify.close()
	return nil
}

// Flush waits until every persistence write and listener delivery scheduled so far is done.
// It must not be called from a queue listener.
func (q *Queue) Flush() {
	q.persist.flush()
	q.notify.flush()
}

// Config returns the current tunables.
func (q *Queue) Config() QueueConfig {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// UpdateConfig applies new tunables to the running queue. StartOnline is ignored.
func (q *Queue) UpdateConfig(cfg QueueConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	prev := q.cfg
	cfg.StartOnline = prev.StartOnline
	q.cfg = cfg
	if cfg.SyncInterval != prev.SyncInterval {
		switch {
		case q.ticker != nil && cfg.SyncInterval > 0:
			q.ticker.Reset(cfg.SyncInterval)
		case q.ticker != nil:
			q.ticker.Stop()
		case q.started && cfg.SyncInterval > 0:
			q.ticker = time.NewTicker(cfg.SyncInterval)
			q.wg.Add(1)
			go q.runSyncTimer(q.ticker)
		}
	}
	q.logger.Info("queue config updated",
		"max_queue_size", cfg.MaxQueueSize,
		"default_max_retries", cfg.DefaultMaxRetries,
		"sync_interval", cfg.SyncInterval,
	)
	q.kickLocked()
	return nil
}

// CreateActionInput holds caller options for a new action.
type CreateActionInput struct {
	// Type is optional; when set it must match the payload variant.
	Type                    domain.ActionType
	Payload                 domain.Payload
	Priority                domain.Priority
	Context                 *domain.RequestContext
	Dependencies            []string
	GroupID                 string
	Tags                    []string
	RequiresNetwork         bool
	RequiresUserInteraction bool
	ConflictStrategy        domain.ConflictStrategy
	// MaxRetries overrides the configured default when non-nil.
	MaxRetries *int
}

// CreateAction validates and enqueues a new action, then attempts to process it.
func (q *Queue) CreateAction(in CreateActionInput) (domain.Action, error) {
	in.Payload = domain.NormalizePayload(in.Payload)
	if in.Type != "" && in.Payload != nil && domain.NormalizeActionType(in.Type) != in.Payload.ActionType() {
		return domain.Action{}, fmt.Errorf("%w: %q payload on %q action", domain.ErrInvalidPayload, in.Payload.ActionType(), in.Type)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.Action{}, ErrQueueClosed
	}
	if q.cfg.MaxQueueSize > 0 && len(q.actions) >= q.cfg.MaxQueueSize {
		return domain.Action{}, fmt.Errorf("%w: %d/%d actions", ErrResourceLimit, len(q.actions), q.cfg.MaxQueueSize)
	}
	maxRetries := q.cfg.DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	action, err := domain.NewAction(domain.ActionInput{
		ID:                      q.idGen(),
		Payload:                 in.Payload,
		Priority:                in.Priority,
		Context:                 in.Context,
		Dependencies:            in.Dependencies,
		GroupID:                 in.GroupID,
		Tags:                    in.Tags,
		RequiresNetwork:         in.RequiresNetwork,
		RequiresUserInteraction: in.RequiresUserInteraction,
		ConflictStrategy:        in.ConflictStrategy,
		MaxRetries:              maxRetries,
	}, q.clock())
	if err != nil {
		return domain.Action{}, err
	}
	if _, exists := q.actions[action.ID]; exists {
		return domain.Action{}, fmt.Errorf("%w: duplicate action id %q", ErrValidation, action.ID)
	}

	q.insertLocked(&action)
	q.metrics.ActionEnqueued(action.Type, action.Priority)
	q.logger.Debug("action queued", "id", action.ID, "type", action.Type, "priority", action.Priority)
	q.changedLocked()
	q.kickLocked()
	return action.Clone(), nil
}

// insertLocked adds a to the live set and indices.
func (q *Queue) insertLocked(a *domain.Action) {
	q.actions[a.ID] = a
	q.order = append(q.order, a.ID)
	q.index.add(a)
}

// removeLocked drops a from the live set, indices and store.
func (q *Queue) removeLocked(a *domain.Action) {
	q.index.remove(a)
	delete(q.actions, a.ID)
	q.order = slices.DeleteFunc(q.order, func(id string) bool { return id == a.ID })
	q.schedulePersist(persistOp{kind: persistRemove, id: a.ID})
}

// completeSyncedLocked removes a synced action and marks it satisfied for its dependents.
func (q *Queue) completeSyncedLocked(a *domain.Action) {
	now := q.clock()
	for _, id := range q.order {
		if dependent := q.actions[id]; dependent.ID != a.ID {
			dependent.RemoveDependency(a.ID, now)
		}
	}
	q.index.forget(a.ID)
	q.removeLocked(a)
}

// changedLocked publishes the current action list to the store and queue listeners.
func (q *Queue) changedLocked() {
	snapshot := q.snapshotLocked()
	q.schedulePersist(persistOp{kind: persistSave, actions: snapshot})
	q.notify.put(snapshot)
	q.metrics.QueueDepth(q.statusCountsLocked())
}

func (q *Queue) snapshotLocked() []domain.Action {
	out := make([]domain.Action, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.actions[id].Clone())
	}
	return out
}

func (q *Queue) statusCountsLocked() map[domain.Status]int {
	counts := make(map[domain.Status]int, len(domain.Statuses()))
	for _, status := range domain.Statuses() {
		counts[status] = 0
	}
	for _, a := range q.actions {
		counts[a.Status]++
	}
	return counts
}

func (q *Queue) lookupLocked(id string) (*domain.Action, error) {
	a, ok := q.actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: action %q", ErrNotFound, id)
	}
	return a, nil
}

// isShutdown reports whether err came from Close cancelling the queue context.
func (q *Queue) isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) && q.ctx.Err() != nil
}
