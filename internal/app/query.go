package app

import (
	"slices"
	"strings"
	"time"

	"github.com/hylla/ebb/internal/domain"
)

// ActionFilter narrows Actions results. Zero-valued fields match everything.
type ActionFilter struct {
	Statuses                []domain.Status
	Types                   []domain.ActionType
	Priorities              []domain.Priority
	GroupID                 string
	Tag                     string
	CorrelationID           string
	UserID                  string
	SessionID               string
	DeviceID                string
	RequiresNetwork         *bool
	RequiresUserInteraction *bool
	CreatedAfter            *time.Time
	CreatedBefore           *time.Time
	Limit                   int
}

// Matches reports whether a passes every set criterion.
func (f ActionFilter) Matches(a domain.Action) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, a.Type) {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, a.Priority) {
		return false
	}
	if f.GroupID != "" && a.GroupID != strings.TrimSpace(f.GroupID) {
		return false
	}
	if f.Tag != "" && !a.HasTag(f.Tag) {
		return false
	}
	if f.RequiresNetwork != nil && a.Metadata.RequiresNetwork != *f.RequiresNetwork {
		return false
	}
	if f.RequiresUserInteraction != nil && a.Metadata.RequiresUserInteraction != *f.RequiresUserInteraction {
		return false
	}
	if f.CreatedAfter != nil && !a.Metadata.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !a.Metadata.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.CorrelationID != "" || f.UserID != "" || f.SessionID != "" || f.DeviceID != "" {
		ctx := a.Context
		if ctx == nil {
			return false
		}
		if f.CorrelationID != "" && ctx.CorrelationID != f.CorrelationID {
			return false
		}
		if f.UserID != "" && ctx.UserID != f.UserID {
			return false
		}
		if f.SessionID != "" && ctx.SessionID != f.SessionID {
			return false
		}
		if f.DeviceID != "" && ctx.DeviceID != f.DeviceID {
			return false
		}
	}
	return true
}

// Actions returns copies of matching actions in insertion order.
func (q *Queue) Actions(filter ActionFilter) []domain.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Action, 0, len(q.order))
	for _, id := range q.order {
		a := q.actions[id]
		if !filter.Matches(*a) {
			continue
		}
		out = append(out, a.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Action returns one action by id.
func (q *Queue) Action(id string) (domain.Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, err := q.lookupLocked(id)
	if err != nil {
		return domain.Action{}, err
	}
	return a.Clone(), nil
}

// Len returns the live action count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// ActionsByGroup returns the indexed members of a group. Cancelled actions are not members.
func (q *Queue) ActionsByGroup(groupID string) []domain.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	members := q.index.groupMembers(strings.TrimSpace(groupID))
	out := make([]domain.Action, 0, len(members))
	for _, id := range q.order {
		if slices.Contains(members, id) {
			out = append(out, q.actions[id].Clone())
		}
	}
	return out
}

// Dependents returns the actions that declare a dependency on id.
func (q *Queue) Dependents(id string) []domain.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.index.dependentsOf(id)
	out := make([]domain.Action, 0, len(ids))
	for _, dependent := range ids {
		if a, ok := q.actions[dependent]; ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

// ActionsByTag returns actions carrying tag.
func (q *Queue) ActionsByTag(tag string) []domain.Action {
	return q.Actions(ActionFilter{Tag: tag})
}

// ActionsByPriority returns actions with priority p.
func (q *Queue) ActionsByPriority(p domain.Priority) []domain.Action {
	return q.Actions(ActionFilter{Priorities: []domain.Priority{p}})
}

// ActionsByCorrelationID returns actions created under one correlation id.
func (q *Queue) ActionsByCorrelationID(id string) []domain.Action {
	return q.Actions(ActionFilter{CorrelationID: id})
}

// ActionsByUserID returns actions created by one user.
func (q *Queue) ActionsByUserID(id string) []domain.Action {
	return q.Actions(ActionFilter{UserID: id})
}

// ActionsBySessionID returns actions created in one session.
func (q *Queue) ActionsBySessionID(id string) []domain.Action {
	return q.Actions(ActionFilter{SessionID: id})
}

// ActionsByDeviceID returns actions created on one device.
func (q *Queue) ActionsByDeviceID(id string) []domain.Action {
	return q.Actions(ActionFilter{DeviceID: id})
}

// ActionsReadyToSync returns pending-sync actions whose sync backoff has elapsed.
func (q *Queue) ActionsReadyToSync() []domain.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock()
	var out []domain.Action
	for _, id := range q.order {
		a := q.actions[id]
		if a.Status == domain.StatusPendingSync && a.SyncDue(now) {
			out = append(out, a.Clone())
		}
	}
	return out
}

// ActionsNeedingUserInteraction returns actions flagged for user input or stuck in conflict.
func (q *Queue) ActionsNeedingUserInteraction() []domain.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.Action
	for _, id := range q.order {
		a := q.actions[id]
		if a.Status.IsTerminal() {
			continue
		}
		if a.Metadata.RequiresUserInteraction || a.Status == domain.StatusConflict {
			out = append(out, a.Clone())
		}
	}
	return out
}
