package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/ebb/internal/domain"
)

// Queue errors. Creation and lifecycle errors are returned to callers; processing and
// sync failures are recorded on the action instead.
var (
	ErrNotFound          = errors.New("not found")
	ErrResourceLimit     = errors.New("queue is at capacity")
	ErrUnknownHandler    = errors.New("no handler registered for action type")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = domain.ErrInvalidTransition
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrOffline           = errors.New("network is offline")
	ErrNoReconciler      = errors.New("no reconciler configured")
	ErrQueueClosed       = errors.New("queue is closed")
	ErrConflict          = errors.New("sync conflict")
	ErrHandlerTimeout    = errors.New("handler timed out")
)

// Conflict describes one action the remote system rejected because of a version mismatch.
type Conflict struct {
	ActionID string
	Server   *domain.Version
	Client   *domain.Version
}

// ConflictError is returned by a Reconciler when some actions conflict with remote state.
// Actions not listed are treated as reconciled.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		ids = append(ids, c.ActionID)
	}
	return fmt.Sprintf("sync conflict on %d action(s): %s", len(ids), strings.Join(ids, ", "))
}

// Is reports ErrConflict matches.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
