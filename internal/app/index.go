package app

import (
	"slices"

	"github.com/hylla/ebb/internal/domain"
)

// idSet is an unordered set of action ids.
type idSet map[string]struct{}

func (s idSet) sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// actionIndex maps dependency ids to their dependents and group ids to their members.
// Cancelled actions are not indexed.
type actionIndex struct {
	dependents map[string]idSet
	groups     map[string]idSet
}

func newActionIndex() *actionIndex {
	return &actionIndex{
		dependents: map[string]idSet{},
		groups:     map[string]idSet{},
	}
}

func (x *actionIndex) add(a *domain.Action) {
	if a.Status == domain.StatusCancelled {
		return
	}
	for _, dep := range a.Dependencies {
		addToSet(x.dependents, dep, a.ID)
	}
	if a.GroupID != "" {
		addToSet(x.groups, a.GroupID, a.ID)
	}
}

func (x *actionIndex) remove(a *domain.Action) {
	for _, dep := range a.Dependencies {
		removeFromSet(x.dependents, dep, a.ID)
	}
	// The dependents entry keyed by a itself stays until its dependents drop the reference.
	if a.GroupID != "" {
		removeFromSet(x.groups, a.GroupID, a.ID)
	}
}

// removeDependency drops one dependent -> dependency edge.
func (x *actionIndex) removeDependency(dependent, dependency string) {
	removeFromSet(x.dependents, dependency, dependent)
}

// forget drops every edge pointing at id.
func (x *actionIndex) forget(id string) {
	delete(x.dependents, id)
}

func (x *actionIndex) dependentsOf(id string) []string {
	return x.dependents[id].sorted()
}

func (x *actionIndex) groupMembers(groupID string) []string {
	return x.groups[groupID].sorted()
}

func (x *actionIndex) groupIDs() []string {
	out := make([]string, 0, len(x.groups))
	for id := range x.groups {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// rebuild resets the index from actions.
func (x *actionIndex) rebuild(actions map[string]*domain.Action) {
	x.dependents = map[string]idSet{}
	x.groups = map[string]idSet{}
	for _, a := range actions {
		x.add(a)
	}
}

func addToSet(m map[string]idSet, key, id string) {
	set, ok := m[key]
	if !ok {
		set = idSet{}
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet(m map[string]idSet, key, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}
