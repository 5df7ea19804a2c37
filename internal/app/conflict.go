package app

import (
	"fmt"
	"time"

	"github.com/hylla/ebb/internal/domain"
)

// LastWriteWins picks the version with the later UpdatedAt. The server wins ties.
func LastWriteWins(_ domain.Action, server, client *domain.Version) (*domain.Version, error) {
	switch {
	case server == nil && client == nil:
		return nil, domain.ErrInvalidVersion
	case server == nil:
		return client, nil
	case client == nil:
		return server, nil
	case client.UpdatedAt.After(server.UpdatedAt):
		return client, nil
	default:
		return server, nil
	}
}

// MarkConflict flags a version mismatch reported outside the sync engine, e.g. by a handler.
// Automatic strategies are not applied; the action waits for ResolveConflict.
func (q *Queue) MarkConflict(id string, server, client *domain.Version) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, err := q.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := a.MarkConflict(server, client, q.clock()); err != nil {
		return err
	}
	q.logger.Info("action marked in conflict", "id", a.ID)
	q.changedLocked()
	return nil
}

// ResolveConflict settles a conflict with an explicit version and returns the action to
// the queue for reprocessing.
func (q *Queue) ResolveConflict(id string, resolved *domain.Version, strategy domain.ConflictStrategy, by domain.ResolvedBy) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, err := q.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := a.ResolveConflict(resolved, strategy, by, q.clock()); err != nil {
		return err
	}
	q.logger.Info("conflict resolved", "id", a.ID, "strategy", strategy, "by", by)
	q.changedLocked()
	q.kickLocked()
	return nil
}

// settleConflictLocked applies the action's strategy to a freshly marked conflict and
// returns the resulting status.
func (q *Queue) settleConflictLocked(a *domain.Action, now time.Time) domain.Status {
	record := a.Metadata.ConflictResolution
	strategy := a.Metadata.ConflictStrategy
	var (
		resolved *domain.Version
		err      error
	)
	switch strategy {
	case domain.StrategyServerWins:
		resolved = record.ServerVersion
	case domain.StrategyClientWins:
		resolved = record.ClientVersion
	case domain.StrategyLastWriteWins:
		resolved, err = q.resolver.Resolve(a.Clone(), record.ServerVersion, record.ClientVersion)
	case domain.StrategyFail:
		q.failLocked(a, domain.CodeConflictFailed, fmt.Errorf("%w on %s", ErrConflict, a.ID), now)
		return a.Status
	default:
		q.logger.Info("conflict awaits resolution", "id", a.ID, "strategy", strategy)
		return a.Status
	}
	if err == nil && resolved == nil {
		err = domain.ErrInvalidVersion
	}
	if err != nil {
		q.logger.Warn("automatic conflict resolution failed", "id", a.ID, "strategy", strategy, "err", err)
		return a.Status
	}
	if err := a.ResolveConflict(resolved, strategy, domain.ResolvedByAuto, now); err != nil {
		q.logger.Error("cannot apply conflict resolution", "id", a.ID, "err", err)
		return a.Status
	}
	return a.Status
}
