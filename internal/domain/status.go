package domain

import (
	"slices"
	"strings"
)

// Status is the lifecycle state of one action.
type Status string

// Status values.
const (
	StatusQueued      Status = "queued"
	StatusProcessing  Status = "processing"
	StatusSynced      Status = "synced"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusPendingSync Status = "pending_sync"
	StatusSyncing     Status = "syncing"
	StatusConflict    Status = "conflict"
)

var validStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusSynced,
	StatusFailed,
	StatusCancelled,
	StatusPendingSync,
	StatusSyncing,
	StatusConflict,
}

// statusTransitions lists every allowed from -> to edge.
var statusTransitions = map[Status][]Status{
	StatusQueued:      {StatusProcessing, StatusCancelled, StatusConflict},
	StatusProcessing:  {StatusQueued, StatusSynced, StatusPendingSync, StatusFailed, StatusCancelled, StatusConflict},
	StatusPendingSync: {StatusSyncing, StatusCancelled, StatusConflict},
	StatusSyncing:     {StatusSynced, StatusPendingSync, StatusConflict, StatusFailed, StatusCancelled},
	StatusConflict:    {StatusQueued, StatusFailed, StatusCancelled},
	StatusFailed:      {StatusQueued},
}

// Statuses returns all known statuses in lifecycle order.
func Statuses() []Status {
	return slices.Clone(validStatuses)
}

// NormalizeStatus canonicalizes a user-supplied status value.
func NormalizeStatus(s Status) Status {
	return Status(strings.ToLower(strings.TrimSpace(string(s))))
}

// IsValidStatus reports whether s is a known status.
func IsValidStatus(s Status) bool {
	return slices.Contains(validStatuses, s)
}

// SatisfiesDependency reports whether dependents of an action in this state may run.
func (s Status) SatisfiesDependency() bool {
	return s == StatusSynced || s == StatusPendingSync
}

// IsTerminal reports whether the state never changes without explicit user action.
func (s Status) IsTerminal() bool {
	return s == StatusSynced || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	return slices.Contains(statusTransitions[from], to)
}

// Priority orders queued actions; critical runs first.
type Priority string

// Priority values, highest first.
const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

var validPriorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
	PriorityBackground,
}

// Priorities returns all priorities from highest to lowest.
func Priorities() []Priority {
	return slices.Clone(validPriorities)
}

// NormalizePriority canonicalizes a user-supplied priority value.
func NormalizePriority(p Priority) Priority {
	return Priority(strings.ToLower(strings.TrimSpace(string(p))))
}

// IsValidPriority reports whether p is a known priority.
func IsValidPriority(p Priority) bool {
	return slices.Contains(validPriorities, p)
}

// Rank returns the sort rank of p; lower ranks run first. Unknown values sort last.
func (p Priority) Rank() int {
	if idx := slices.Index(validPriorities, p); idx >= 0 {
		return idx
	}
	return len(validPriorities)
}

// ConflictStrategy selects how a sync conflict is settled.
type ConflictStrategy string

// ConflictStrategy values.
const (
	StrategyLastWriteWins ConflictStrategy = "last_write_wins"
	StrategyMerge         ConflictStrategy = "merge"
	StrategyUserSelect    ConflictStrategy = "user_select"
	StrategyFail          ConflictStrategy = "fail"
	StrategyServerWins    ConflictStrategy = "server_wins"
	StrategyClientWins    ConflictStrategy = "client_wins"
)

var validStrategies = []ConflictStrategy{
	StrategyLastWriteWins,
	StrategyMerge,
	StrategyUserSelect,
	StrategyFail,
	StrategyServerWins,
	StrategyClientWins,
}

// NormalizeConflictStrategy canonicalizes a user-supplied strategy value.
func NormalizeConflictStrategy(s ConflictStrategy) ConflictStrategy {
	return ConflictStrategy(strings.ToLower(strings.TrimSpace(string(s))))
}

// IsValidConflictStrategy reports whether s is a known strategy.
func IsValidConflictStrategy(s ConflictStrategy) bool {
	return slices.Contains(validStrategies, s)
}

// AutoResolvable reports whether the sync engine settles conflicts for s without a caller.
func (s ConflictStrategy) AutoResolvable() bool {
	switch s {
	case StrategyLastWriteWins, StrategyServerWins, StrategyClientWins:
		return true
	default:
		return false
	}
}

// ResolvedBy identifies who settled a conflict.
type ResolvedBy string

// ResolvedBy values.
const (
	ResolvedByUser   ResolvedBy = "user"
	ResolvedByAuto   ResolvedBy = "auto"
	ResolvedByServer ResolvedBy = "server"
)

// IsValidResolvedBy reports whether r is a known resolver identity.
func IsValidResolvedBy(r ResolvedBy) bool {
	switch r {
	case ResolvedByUser, ResolvedByAuto, ResolvedByServer:
		return true
	default:
		return false
	}
}
