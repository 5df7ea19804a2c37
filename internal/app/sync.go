package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hylla/ebb/internal/domain"
)

// syncMode selects which pending actions a run picks up.
type syncMode int

const (
	syncNone syncMode = iota
	// syncDue skips actions whose sync backoff has not elapsed.
	syncDue
	// syncAll picks every pending action.
	syncAll
)

// SyncReport summarizes one sync run.
type SyncReport struct {
	Attempted int    `json:"attempted"`
	Synced    int    `json:"synced"`
	Failed    int    `json:"failed"`
	Conflicts int    `json:"conflicts"`
	Requeued  int    `json:"requeued"`
	Error     string `json:"error,omitempty"`
}

// Sync reconciles every pending-sync action. It requires the network to be online.
// Transport failures are recorded on the actions and in the report, not returned.
func (q *Queue) Sync(ctx context.Context) (SyncReport, error) {
	return q.syncNow(ctx, syncAll, nil, true)
}

// ForceSync reconciles every pending-sync action regardless of the network state.
func (q *Queue) ForceSync(ctx context.Context) (SyncReport, error) {
	return q.syncNow(ctx, syncAll, nil, false)
}

// ForceSyncActions reconciles the listed actions regardless of the network state.
// Listed actions that are not pending sync are skipped.
func (q *Queue) ForceSyncActions(ctx context.Context, ids []string) (SyncReport, error) {
	if len(ids) == 0 {
		return SyncReport{}, nil
	}
	q.mu.Lock()
	for _, id := range ids {
		if _, err := q.lookupLocked(id); err != nil {
			q.mu.Unlock()
			return SyncReport{}, err
		}
	}
	q.mu.Unlock()
	return q.syncNow(ctx, syncAll, ids, false)
}

func (q *Queue) syncNow(ctx context.Context, mode syncMode, ids []string, requireOnline bool) (SyncReport, error) {
	q.mu.Lock()
	switch {
	case q.closed:
		q.mu.Unlock()
		return SyncReport{}, ErrQueueClosed
	case q.reconciler == nil:
		q.mu.Unlock()
		return SyncReport{}, ErrNoReconciler
	case requireOnline && !q.online:
		q.mu.Unlock()
		return SyncReport{}, ErrOffline
	case q.syncing:
		q.mu.Unlock()
		return SyncReport{}, ErrSyncInProgress
	}
	q.syncing = true
	q.mu.Unlock()

	report := q.runSync(ctx, mode, ids)
	q.finishSync()
	return report, nil
}

// requestSyncLocked starts a background run, or coalesces the request into one
// follow-up run when a sync is already in flight.
func (q *Queue) requestSyncLocked(mode syncMode) {
	if q.closed || q.reconciler == nil || !q.online {
		return
	}
	if q.syncing {
		q.syncRerun = max(q.syncRerun, mode)
		return
	}
	q.syncing = true
	q.wg.Add(1)
	go q.syncLoop(mode)
}

func (q *Queue) syncLoop(mode syncMode) {
	defer q.wg.Done()
	q.runSync(q.ctx, mode, nil)
	q.finishSync()
}

// finishSync releases the sync flag or hands it to a coalesced follow-up run.
func (q *Queue) finishSync() {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := q.syncRerun
	q.syncRerun = syncNone
	if next == syncNone || q.closed || !q.online {
		q.syncing = false
		return
	}
	q.wg.Add(1)
	go q.syncLoop(next)
}

// runSync performs one reconciliation round. The caller holds the sync flag.
func (q *Queue) runSync(ctx context.Context, mode syncMode, ids []string) SyncReport {
	q.mu.Lock()
	now := q.clock()
	var batch []domain.Action
	for _, id := range q.order {
		a := q.actions[id]
		if a.Status != domain.StatusPendingSync && a.Status != domain.StatusSyncing {
			continue
		}
		if ids != nil && !slices.Contains(ids, a.ID) {
			continue
		}
		if mode == syncDue && !a.SyncDue(now) {
			continue
		}
		if err := a.BeginSync(now); err != nil {
			q.logger.Error("cannot start sync", "id", a.ID, "err", err)
			continue
		}
		batch = append(batch, a.Clone())
	}
	if len(batch) == 0 {
		q.mu.Unlock()
		return SyncReport{}
	}
	timeout := q.cfg.ReconcileTimeout
	q.changedLocked()
	q.mu.Unlock()

	q.logger.Info("sync started", "actions", len(batch))
	started := time.Now()
	err := q.reconcile(ctx, batch, timeout)

	q.mu.Lock()
	report := q.applySyncResultLocked(batch, err)
	q.changedLocked()
	if report.Requeued > 0 {
		q.kickLocked()
	}
	q.mu.Unlock()

	outcome := OutcomeSynced
	switch {
	case report.Failed > 0 && report.Synced == 0:
		outcome = OutcomeFailed
	case report.Conflicts > 0:
		outcome = OutcomeConflict
	}
	q.metrics.SyncCompleted(outcome, report.Attempted, time.Since(started))
	if report.Error != "" {
		q.logger.Warn("sync failed", "actions", report.Attempted, "err", report.Error)
	} else {
		q.logger.Info("sync finished", "synced", report.Synced, "conflicts", report.Conflicts)
	}
	return report
}

func (q *Queue) reconcile(ctx context.Context, batch []domain.Action, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciler panicked: %v", r)
		}
	}()
	return q.reconciler.Reconcile(ctx, batch)
}

// applySyncResultLocked settles every action of a finished batch. Actions cancelled
// while the reconcile call was in flight are left alone.
func (q *Queue) applySyncResultLocked(batch []domain.Action, err error) SyncReport {
	now := q.clock()
	report := SyncReport{Attempted: len(batch)}

	conflicts := map[string]Conflict{}
	var conflictErr *ConflictError
	if err != nil && !errors.As(err, &conflictErr) {
		report.Error = err.Error()
		for _, sent := range batch {
			a, ok := q.actions[sent.ID]
			if !ok || a.Status != domain.StatusSyncing {
				continue
			}
			next := now.Add(syncBackoff(q.cfg.SyncBaseDelay, q.cfg.SyncMaxDelay, a.SyncAttempts))
			if ferr := a.FailSync(err.Error(), next, now); ferr != nil {
				q.logger.Error("cannot reschedule sync", "id", a.ID, "err", ferr)
				continue
			}
			report.Failed++
		}
		return report
	}
	if conflictErr != nil {
		for _, c := range conflictErr.Conflicts {
			conflicts[c.ActionID] = c
		}
	}

	for _, sent := range batch {
		a, ok := q.actions[sent.ID]
		if !ok || a.Status != domain.StatusSyncing {
			continue
		}
		c, conflicted := conflicts[a.ID]
		if !conflicted {
			_ = a.TransitionTo(domain.StatusSynced, now)
			q.completeSyncedLocked(a)
			report.Synced++
			continue
		}
		report.Conflicts++
		if cerr := a.MarkConflict(c.Server, c.Client, now); cerr != nil {
			q.logger.Error("cannot mark conflict", "id", a.ID, "err", cerr)
			continue
		}
		switch q.settleConflictLocked(a, now) {
		case domain.StatusQueued:
			report.Requeued++
		case domain.StatusFailed:
			report.Failed++
		}
	}
	return report
}

// syncBackoff returns min(base * 2^(attempts-1), maxDelay).
func syncBackoff(base, maxDelay time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}
