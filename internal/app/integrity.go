package app

import (
	"slices"
	"strings"

	"github.com/hylla/ebb/internal/domain"
)

// DependencyRef names one dependent -> dependency edge.
type DependencyRef struct {
	ActionID     string `json:"action_id"`
	DependencyID string `json:"dependency_id"`
}

// GroupRef names one group membership.
type GroupRef struct {
	GroupID  string `json:"group_id"`
	ActionID string `json:"action_id"`
}

// IntegrityReport lists every inconsistency found in the dependency graph and indices.
type IntegrityReport struct {
	Valid                     bool            `json:"valid"`
	CircularDependencies      [][]string      `json:"circular_dependencies,omitempty"`
	OrphanedDependencies      []DependencyRef `json:"orphaned_dependencies,omitempty"`
	OrphanedGroupMembers      []GroupRef      `json:"orphaned_group_members,omitempty"`
	MissingGroupMembers       []GroupRef      `json:"missing_group_members,omitempty"`
	OrphanedDependencyEntries []DependencyRef `json:"orphaned_dependency_entries,omitempty"`
}

// RepairReport summarizes what RepairIntegrity changed. Cycles are never broken.
type RepairReport struct {
	RemovedDependencies      int        `json:"removed_dependencies"`
	RemovedGroupMembers      int        `json:"removed_group_members"`
	AddedGroupMembers        int        `json:"added_group_members"`
	RemovedDependencyEntries int        `json:"removed_dependency_entries"`
	RemainingCycles          [][]string `json:"remaining_cycles,omitempty"`
}

// ValidateIntegrity checks the dependency graph for cycles and the indices for orphans.
func (q *Queue) ValidateIntegrity() IntegrityReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.integrityLocked()
}

// RepairIntegrity removes dangling dependency references and rebuilds the indices.
func (q *Queue) RepairIntegrity() RepairReport {
	q.mu.Lock()
	defer q.mu.Unlock()

	before := q.integrityLocked()
	report := RepairReport{
		RemovedGroupMembers:      len(before.OrphanedGroupMembers),
		AddedGroupMembers:        len(before.MissingGroupMembers),
		RemovedDependencyEntries: len(before.OrphanedDependencyEntries),
	}
	now := q.clock()
	for _, ref := range before.OrphanedDependencies {
		if a, ok := q.actions[ref.ActionID]; ok && a.RemoveDependency(ref.DependencyID, now) {
			report.RemovedDependencies++
		}
	}
	q.index.rebuild(q.actions)
	report.RemainingCycles = findCycles(q.actions)

	if report.RemovedDependencies > 0 || report.RemovedGroupMembers > 0 ||
		report.AddedGroupMembers > 0 || report.RemovedDependencyEntries > 0 {
		q.logger.Info("queue integrity repaired",
			"dependencies", report.RemovedDependencies,
			"group_members", report.RemovedGroupMembers+report.AddedGroupMembers,
			"dependency_entries", report.RemovedDependencyEntries,
		)
		q.changedLocked()
		q.kickLocked()
	}
	if len(report.RemainingCycles) > 0 {
		q.logger.Warn("dependency cycles left in place", "cycles", len(report.RemainingCycles))
	}
	return report
}

func (q *Queue) integrityLocked() IntegrityReport {
	report := IntegrityReport{CircularDependencies: findCycles(q.actions)}

	for _, id := range q.order {
		a := q.actions[id]
		for _, dep := range a.Dependencies {
			if _, ok := q.actions[dep]; !ok {
				report.OrphanedDependencies = append(report.OrphanedDependencies, DependencyRef{ActionID: a.ID, DependencyID: dep})
			}
		}
		if a.GroupID != "" && a.Status != domain.StatusCancelled {
			if _, ok := q.index.groups[a.GroupID][a.ID]; !ok {
				report.MissingGroupMembers = append(report.MissingGroupMembers, GroupRef{GroupID: a.GroupID, ActionID: a.ID})
			}
		}
	}

	for _, groupID := range q.index.groupIDs() {
		for _, member := range q.index.groupMembers(groupID) {
			a, ok := q.actions[member]
			if !ok || a.GroupID != groupID || a.Status == domain.StatusCancelled {
				report.OrphanedGroupMembers = append(report.OrphanedGroupMembers, GroupRef{GroupID: groupID, ActionID: member})
			}
		}
	}

	depIDs := make([]string, 0, len(q.index.dependents))
	for dep := range q.index.dependents {
		depIDs = append(depIDs, dep)
	}
	slices.Sort(depIDs)
	for _, dep := range depIDs {
		for _, dependent := range q.index.dependentsOf(dep) {
			a, ok := q.actions[dependent]
			if !ok || a.Status == domain.StatusCancelled || !slices.Contains(a.Dependencies, dep) {
				report.OrphanedDependencyEntries = append(report.OrphanedDependencyEntries, DependencyRef{ActionID: dependent, DependencyID: dep})
			}
		}
	}

	report.Valid = len(report.CircularDependencies) == 0 &&
		len(report.OrphanedDependencies) == 0 &&
		len(report.OrphanedGroupMembers) == 0 &&
		len(report.MissingGroupMembers) == 0 &&
		len(report.OrphanedDependencyEntries) == 0
	return report
}

// findCycles returns every dependency cycle among live actions, each sorted, in a stable order.
func findCycles(actions map[string]*domain.Action) [][]string {
	graph := make(map[string][]string, len(actions))
	for id, a := range actions {
		edges := make([]string, 0, len(a.Dependencies))
		for _, dep := range a.Dependencies {
			if _, ok := actions[dep]; ok {
				edges = append(edges, dep)
			}
		}
		graph[id] = edges
	}
	return cyclesIn(graph)
}

// cyclesIn returns the non-trivial strongly connected components of graph.
func cyclesIn(graph map[string][]string) [][]string {
	var cycles [][]string
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || slices.Contains(graph[scc[0]], scc[0]) {
			slices.Sort(scc)
			cycles = append(cycles, scc)
		}
	}
	slices.SortFunc(cycles, func(a, b []string) int {
		return strings.Compare(a[0], b[0])
	})
	return cycles
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
func tarjanSCC(graph map[string][]string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}
