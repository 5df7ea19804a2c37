package domain

import "errors"

var (
	ErrInvalidID          = errors.New("invalid id")
	ErrUnknownActionType  = errors.New("unknown action type")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrInvalidPriority    = errors.New("invalid priority")
	ErrInvalidStatus      = errors.New("invalid status")
	ErrInvalidStrategy    = errors.New("invalid conflict resolution strategy")
	ErrInvalidRetryLimit  = errors.New("invalid retry limit")
	ErrInvalidDependency  = errors.New("invalid dependency")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidVersion     = errors.New("invalid version")
	ErrInvalidResolvedBy  = errors.New("invalid resolver identity")
	ErrRetryLimitExceeded = errors.New("retry count exceeds max retries")
)
