package app

import (
	"time"

	"github.com/hylla/ebb/internal/domain"
)

// Stats is a point-in-time summary of the queue.
type Stats struct {
	Total                   int                       `json:"total"`
	ByStatus                map[domain.Status]int     `json:"by_status"`
	ByType                  map[domain.ActionType]int `json:"by_type"`
	ByPriority              map[domain.Priority]int   `json:"by_priority"`
	OldestQueued            *time.Time                `json:"oldest_queued,omitempty"`
	NewestQueued            *time.Time                `json:"newest_queued,omitempty"`
	RequiresNetwork         int                       `json:"requires_network"`
	RequiresUserInteraction int                       `json:"requires_user_interaction"`
	Online                  bool                      `json:"online"`
	Processing              bool                      `json:"processing"`
	Syncing                 bool                      `json:"syncing"`
}

// Stats returns counts per status, type and priority plus queue-wide flags.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Total:      len(q.actions),
		ByStatus:   q.statusCountsLocked(),
		ByType:     map[domain.ActionType]int{},
		ByPriority: map[domain.Priority]int{},
		Online:     q.online,
		Processing: q.inflight != nil,
		Syncing:    q.syncing,
	}
	for _, id := range q.order {
		a := q.actions[id]
		s.ByType[a.Type]++
		s.ByPriority[a.Priority]++
		if a.Metadata.RequiresNetwork {
			s.RequiresNetwork++
		}
		if a.Metadata.RequiresUserInteraction {
			s.RequiresUserInteraction++
		}
		if a.Status != domain.StatusQueued {
			continue
		}
		created := a.Metadata.CreatedAt
		if s.OldestQueued == nil || created.Before(*s.OldestQueued) {
			s.OldestQueued = &created
		}
		if s.NewestQueued == nil || created.After(*s.NewestQueued) {
			newest := created
			s.NewestQueued = &newest
		}
	}
	return s
}
