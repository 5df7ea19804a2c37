package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hylla/ebb/internal/domain"
)

// inflightJob is the action currently handed to a handler.
type inflightJob struct {
	id      string
	attempt uint64
	action  domain.Action
	handler Handler
	timeout time.Duration
	started time.Time
}

// AddProcessor registers the handler for one action type and kicks the processor.
func (q *Queue) AddProcessor(kind domain.ActionType, h Handler) error {
	kind = domain.NormalizeActionType(kind)
	if !domain.IsValidActionType(kind) {
		return fmt.Errorf("%w: %q", domain.ErrUnknownActionType, kind)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrValidation, kind)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
	q.kickLocked()
	return nil
}

// RemoveProcessor unregisters the handler for one action type.
func (q *Queue) RemoveProcessor(kind domain.ActionType) bool {
	kind = domain.NormalizeActionType(kind)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[kind]; !ok {
		return false
	}
	delete(q.handlers, kind)
	return true
}

func (q *Queue) kick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.kickLocked()
}

// kickLocked starts the drain loop unless one is already running.
func (q *Queue) kickLocked() {
	if q.closed || q.paused || q.processing {
		return
	}
	q.processing = true
	q.wg.Add(1)
	go q.drain()
}

// drain processes eligible actions one at a time until none remain.
func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		job, ok := q.claimNext()
		if !ok {
			return
		}
		running, err := q.execute(job)
		q.complete(job, err)
		if running != nil && q.ctx.Err() == nil {
			q.awaitAbandoned(job, running)
		}
	}
}

// awaitAbandoned keeps the processor claimed until a handler that outlived its timeout
// returns. Close releases the wait.
func (q *Queue) awaitAbandoned(job *inflightJob, running <-chan error) {
	q.logger.Warn("handler ignored its timeout, holding processor", "id", job.id, "type", job.action.Type)
	select {
	case <-running:
		q.logger.Debug("abandoned handler returned", "id", job.id)
	case <-q.ctx.Done():
	}
}

// claimNext marks the next eligible action as processing. It clears the processing
// flag and returns false when nothing is eligible.
func (q *Queue) claimNext() (*inflightJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			q.processing = false
			return nil, false
		}
		now := q.clock()
		a := q.nextEligibleLocked(now)
		if a == nil {
			q.processing = false
			q.armWakeLocked(now)
			return nil, false
		}
		if err := a.TransitionTo(domain.StatusProcessing, now); err != nil {
			q.logger.Error("cannot start action", "id", a.ID, "err", err)
			q.processing = false
			return nil, false
		}
		handler, ok := q.handlers[a.Type]
		if !ok {
			q.failLocked(a, domain.CodeUnknownHandler, fmt.Errorf("%w: %s", ErrUnknownHandler, a.Type), now)
			q.metrics.ActionProcessed(a.Type, OutcomeFailed, 0)
			q.changedLocked()
			continue
		}
		q.attempts++
		job := &inflightJob{
			id:      a.ID,
			attempt: q.attempts,
			action:  a.Clone(),
			handler: handler,
			timeout: q.cfg.HandlerTimeout,
			started: now,
		}
		q.inflight = job
		q.changedLocked()
		return job, true
	}
}

// nextEligibleLocked picks the queued action with the highest priority, then the oldest
// creation time, among those whose network requirement, backoff and dependencies allow it.
func (q *Queue) nextEligibleLocked(now time.Time) *domain.Action {
	var best *domain.Action
	for _, id := range q.order {
		a := q.actions[id]
		if a.Status != domain.StatusQueued {
			continue
		}
		if a.Metadata.RequiresNetwork && !q.online {
			continue
		}
		if !a.ReadyAt(now) || !q.dependenciesMetLocked(a) {
			continue
		}
		if best == nil || runsBefore(a, best) {
			best = a
		}
	}
	return best
}

func runsBefore(a, b *domain.Action) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	return a.Metadata.CreatedAt.Before(b.Metadata.CreatedAt)
}

// dependenciesMetLocked reports whether every dependency exists and is synced or pending sync.
func (q *Queue) dependenciesMetLocked(a *domain.Action) bool {
	for _, dep := range a.Dependencies {
		d, ok := q.actions[dep]
		if !ok || !d.Status.SatisfiesDependency() {
			return false
		}
	}
	return true
}

// armWakeLocked schedules a kick for the earliest pending retry backoff.
func (q *Queue) armWakeLocked(now time.Time) {
	var earliest *time.Time
	for _, a := range q.actions {
		at := a.Metadata.NextRetryAt
		if a.Status != domain.StatusQueued || at == nil || !at.After(now) {
			continue
		}
		if earliest == nil || at.Before(*earliest) {
			earliest = at
		}
	}
	if earliest == nil {
		return
	}
	delay := earliest.Sub(now)
	if q.wakeTimer == nil {
		q.wakeTimer = time.AfterFunc(delay, q.kick)
		return
	}
	q.wakeTimer.Reset(delay)
}

// execute runs the handler under the configured timeout. When the timeout fires first the
// returned channel is the one the still-running handler reports on.
func (q *Queue) execute(job *inflightJob) (<-chan error, error) {
	ctx := q.ctx
	var cancel context.CancelFunc
	if job.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, job.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		done <- job.handler.Handle(ctx, job.action)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrHandlerTimeout, job.timeout, err)
		}
		return nil, err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return done, fmt.Errorf("%w after %s", ErrHandlerTimeout, job.timeout)
		}
		return done, ctx.Err()
	}
}

// complete applies a handler result unless the action moved on while the handler ran.
func (q *Queue) complete(job *inflightJob, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	elapsed := now.Sub(job.started)
	current := q.inflight != nil && q.inflight.attempt == job.attempt
	if current {
		q.inflight = nil
	}
	a, ok := q.actions[job.id]
	if !ok || a.Status != domain.StatusProcessing || !current {
		q.logger.Debug("discarding stale completion", "id", job.id, "err", err)
		q.metrics.ActionProcessed(job.action.Type, OutcomeStale, elapsed)
		return
	}

	switch {
	case err == nil && q.online:
		_ = a.TransitionTo(domain.StatusSynced, now)
		q.metrics.ActionProcessed(a.Type, OutcomeSynced, elapsed)
		q.logger.Debug("action synced", "id", a.ID, "type", a.Type)
		q.completeSyncedLocked(a)
	case err == nil:
		_ = a.TransitionTo(domain.StatusPendingSync, now)
		q.metrics.ActionProcessed(a.Type, OutcomePendingSync, elapsed)
		q.logger.Debug("action pending sync", "id", a.ID, "type", a.Type)
	case q.isShutdown(err):
		// Interrupted by Close; run again on next start without spending a retry.
		_ = a.TransitionTo(domain.StatusQueued, now)
	default:
		code := domain.CodeHandlerError
		if errors.Is(err, ErrHandlerTimeout) {
			code = domain.CodeHandlerTimeout
		}
		if a.CanRetry() {
			delay := retryDelay(q.cfg.RetryBaseDelay, a.Metadata.RetryCount+1)
			a.RecordError(code, err.Error(), now)
			_ = a.ScheduleRetry(delay, now)
			q.metrics.ActionProcessed(a.Type, OutcomeRetry, elapsed)
			q.logger.Warn("action failed, retrying",
				"id", a.ID, "type", a.Type, "retry", a.Metadata.RetryCount, "delay", delay, "err", err)
		} else {
			q.failLocked(a, code, err, now)
			q.metrics.ActionProcessed(a.Type, OutcomeFailed, elapsed)
		}
	}
	q.changedLocked()
}

// failLocked moves a to failed and records err.
func (q *Queue) failLocked(a *domain.Action, code string, err error, now time.Time) {
	a.RecordError(code, err.Error(), now)
	a.Metadata.NextRetryAt = nil
	if terr := a.TransitionTo(domain.StatusFailed, now); terr != nil {
		q.logger.Error("cannot fail action", "id", a.ID, "err", terr)
		return
	}
	q.logger.Error("action failed", "id", a.ID, "type", a.Type, "code", code, "retries", a.Metadata.RetryCount)
}

// retryDelay returns base * 2^retry.
func retryDelay(base time.Duration, retry int) time.Duration {
	if retry <= 0 || base <= 0 {
		return base
	}
	if retry > 30 {
		retry = 30
	}
	return base * time.Duration(1<<retry)
}
