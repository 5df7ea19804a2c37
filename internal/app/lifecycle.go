package app

import (
	"time"

	"github.com/hylla/ebb/internal/domain"
)

// CancelAction cancels a non-terminal action. The record stays in the live set for
// inspection but leaves the dependency and group indices. A handler already running
// for it is not interrupted; its result is discarded.
func (q *Queue) CancelAction(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, err := q.lookupLocked(id)
	if err != nil {
		return err
	}
	q.index.remove(a)
	if err := a.TransitionTo(domain.StatusCancelled, q.clock()); err != nil {
		q.index.add(a)
		return err
	}
	a.Metadata.NextRetryAt = nil
	q.logger.Info("action cancelled", "id", a.ID)
	q.changedLocked()
	return nil
}

// RetryAction requeues a failed action with its retry counters reset.
func (q *Queue) RetryAction(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, err := q.lookupLocked(id)
	if err != nil {
		return err
	}
	now := q.clock()
	if err := a.TransitionTo(domain.StatusQueued, now); err != nil {
		return err
	}
	a.ResetRetries(now)
	q.logger.Info("action retried", "id", a.ID)
	q.changedLocked()
	q.kickLocked()
	return nil
}

// UpdatePriority changes the scheduling priority of an action.
func (q *Queue) UpdatePriority(id string, p domain.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, err := q.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := a.SetPriority(p, q.clock()); err != nil {
		return err
	}
	q.changedLocked()
	q.kickLocked()
	return nil
}

// AddTags merges labels into an action.
func (q *Queue) AddTags(id string, tags ...string) error {
	return q.editTags(id, func(a *domain.Action, now time.Time) { a.AddTags(tags, now) })
}

// RemoveTags drops labels from an action.
func (q *Queue) RemoveTags(id string, tags ...string) error {
	return q.editTags(id, func(a *domain.Action, now time.Time) { a.RemoveTags(tags, now) })
}

func (q *Queue) editTags(id string, edit func(*domain.Action, time.Time)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, err := q.lookupLocked(id)
	if err != nil {
		return err
	}
	edit(a, q.clock())
	q.changedLocked()
	return nil
}

// ClearCompleted removes synced and cancelled actions and returns how many were removed.
func (q *Queue) ClearCompleted() int {
	return q.clearWhere(func(a *domain.Action) bool {
		return a.Status == domain.StatusSynced || a.Status == domain.StatusCancelled
	})
}

// ClearFailed removes failed actions and returns how many were removed.
func (q *Queue) ClearFailed() int {
	return q.clearWhere(func(a *domain.Action) bool {
		return a.Status == domain.StatusFailed
	})
}

// ClearPendingSync removes pending-sync actions created before the cutoff, or all of
// them when before is nil.
func (q *Queue) ClearPendingSync(before *time.Time) int {
	return q.clearWhere(func(a *domain.Action) bool {
		if a.Status != domain.StatusPendingSync {
			return false
		}
		return before == nil || a.Metadata.CreatedAt.Before(*before)
	})
}

// ClearQueue drops every action, including the one being processed.
func (q *Queue) ClearQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.actions)
	q.actions = map[string]*domain.Action{}
	q.order = nil
	q.index = newActionIndex()
	q.inflight = nil
	q.schedulePersist(persistOp{kind: persistClear})
	q.logger.Info("queue cleared", "actions", n)
	q.changedLocked()
}

func (q *Queue) clearWhere(match func(*domain.Action) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var doomed []*domain.Action
	for _, id := range q.order {
		if a := q.actions[id]; match(a) {
			doomed = append(doomed, a)
		}
	}
	for _, a := range doomed {
		if a.Status == domain.StatusSynced {
			q.completeSyncedLocked(a)
			continue
		}
		q.removeLocked(a)
	}
	if len(doomed) > 0 {
		q.changedLocked()
	}
	return len(doomed)
}
