package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// RequestContext records who asked for an action. It is set at creation and never mutated.
type RequestContext struct {
	UserID        string    `json:"user_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// LastError stores the most recent failure recorded for an action.
type LastError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Version is one side of a sync conflict.
type Version struct {
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	ETag      string          `json:"etag,omitempty"`
}

// ConflictResolution records both sides of a conflict and, once settled, the outcome.
type ConflictResolution struct {
	ServerVersion   *Version         `json:"server_version,omitempty"`
	ClientVersion   *Version         `json:"client_version,omitempty"`
	ResolvedVersion *Version         `json:"resolved_version,omitempty"`
	Strategy        ConflictStrategy `json:"strategy,omitempty"`
	ResolvedBy      ResolvedBy       `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
}

// Metadata holds the mutable bookkeeping of an action.
type Metadata struct {
	CreatedAt               time.Time           `json:"created_at"`
	UpdatedAt               time.Time           `json:"updated_at"`
	RetryCount              int                 `json:"retry_count"`
	MaxRetries              int                 `json:"max_retries"`
	NextRetryAt             *time.Time          `json:"next_retry_at,omitempty"`
	LastError               *LastError          `json:"last_error,omitempty"`
	RequiresNetwork         bool                `json:"requires_network"`
	RequiresUserInteraction bool                `json:"requires_user_interaction"`
	ConflictStrategy        ConflictStrategy    `json:"conflict_strategy"`
	ConflictResolution      *ConflictResolution `json:"conflict_resolution,omitempty"`
}

// Action is one queued operation.
type Action struct {
	ID              string
	Type            ActionType
	Status          Status
	Priority        Priority
	Payload         Payload
	Context         *RequestContext
	Metadata        Metadata
	Dependencies    []string
	GroupID         string
	Tags            []string
	SyncAttempts    int
	LastSyncAttempt *time.Time
	NextSyncAttempt *time.Time
}

// ActionInput holds write-time values for a new action.
type ActionInput struct {
	ID                      string
	Payload                 Payload
	Priority                Priority
	Context                 *RequestContext
	Dependencies            []string
	GroupID                 string
	Tags                    []string
	RequiresNetwork         bool
	RequiresUserInteraction bool
	ConflictStrategy        ConflictStrategy
	MaxRetries              int
}

// NewAction validates and normalizes a queued action. The type is taken from the payload variant.
func NewAction(in ActionInput, now time.Time) (Action, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.GroupID = strings.TrimSpace(in.GroupID)
	in.Priority = NormalizePriority(in.Priority)
	in.ConflictStrategy = NormalizeConflictStrategy(in.ConflictStrategy)
	in.Payload = NormalizePayload(in.Payload)

	if in.ID == "" {
		return Action{}, ErrInvalidID
	}
	if in.Payload == nil {
		return Action{}, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	kind := in.Payload.ActionType()
	if !IsValidActionType(kind) {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownActionType, kind)
	}
	if err := in.Payload.Validate(); err != nil {
		return Action{}, err
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if !IsValidPriority(in.Priority) {
		return Action{}, ErrInvalidPriority
	}
	if in.ConflictStrategy == "" {
		in.ConflictStrategy = StrategyLastWriteWins
	}
	if !IsValidConflictStrategy(in.ConflictStrategy) {
		return Action{}, ErrInvalidStrategy
	}
	if in.MaxRetries < 0 {
		return Action{}, ErrInvalidRetryLimit
	}
	deps := normalizeIDs(in.Dependencies)
	if slices.Contains(deps, in.ID) {
		return Action{}, fmt.Errorf("%w: action %q depends on itself", ErrInvalidDependency, in.ID)
	}

	ts := now.UTC()
	return Action{
		ID:           in.ID,
		Type:         kind,
		Status:       StatusQueued,
		Priority:     in.Priority,
		Payload:      in.Payload,
		Context:      normalizeContext(in.Context, ts),
		Dependencies: deps,
		GroupID:      in.GroupID,
		Tags:         normalizeTags(in.Tags),
		Metadata: Metadata{
			CreatedAt:               ts,
			UpdatedAt:               ts,
			MaxRetries:              in.MaxRetries,
			RequiresNetwork:         in.RequiresNetwork,
			RequiresUserInteraction: in.RequiresUserInteraction,
			ConflictStrategy:        in.ConflictStrategy,
		},
	}, nil
}

// Validate checks a fully-formed action, e.g. one read back from storage or an import.
func (a Action) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return ErrInvalidID
	}
	if !IsValidActionType(a.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)
	}
	if a.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	if a.Payload.ActionType() != a.Type {
		return fmt.Errorf("%w: %q payload on %q action", ErrInvalidPayload, a.Payload.ActionType(), a.Type)
	}
	if err := a.Payload.Validate(); err != nil {
		return err
	}
	if !IsValidStatus(a.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, a.Status)
	}
	if !IsValidPriority(a.Priority) {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, a.Priority)
	}
	if !IsValidConflictStrategy(a.Metadata.ConflictStrategy) {
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, a.Metadata.ConflictStrategy)
	}
	if a.Metadata.MaxRetries < 0 || a.Metadata.RetryCount < 0 {
		return ErrInvalidRetryLimit
	}
	if a.Metadata.RetryCount > a.Metadata.MaxRetries {
		return ErrRetryLimitExceeded
	}
	if slices.Contains(a.Dependencies, a.ID) {
		return fmt.Errorf("%w: action %q depends on itself", ErrInvalidDependency, a.ID)
	}
	return nil
}

// TransitionTo moves the action to a new status when the edge is allowed.
func (a *Action) TransitionTo(to Status, now time.Time) error {
	if !IsValidStatus(to) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	a.Status = to
	a.touch(now)
	return nil
}

// RecordError stores a failure on the action without changing its status.
func (a *Action) RecordError(code, message string, now time.Time) {
	a.Metadata.LastError = &LastError{
		Message:   message,
		Code:      code,
		Timestamp: now.UTC(),
	}
	a.touch(now)
}

// CanRetry reports whether another automatic processing attempt is allowed.
func (a Action) CanRetry() bool {
	return a.Metadata.RetryCount < a.Metadata.MaxRetries
}

// ScheduleRetry requeues a failed processing attempt after delay.
func (a *Action) ScheduleRetry(delay time.Duration, now time.Time) error {
	if !a.CanRetry() {
		return ErrRetryLimitExceeded
	}
	if err := a.TransitionTo(StatusQueued, now); err != nil {
		return err
	}
	a.Metadata.RetryCount++
	at := now.UTC().Add(delay)
	a.Metadata.NextRetryAt = &at
	return nil
}

// ResetRetries clears processing retry state so the action runs again from scratch.
func (a *Action) ResetRetries(now time.Time) {
	a.Metadata.RetryCount = 0
	a.Metadata.NextRetryAt = nil
	a.Metadata.LastError = nil
	a.touch(now)
}

// ReadyAt reports whether the processing backoff of a queued action has elapsed.
func (a Action) ReadyAt(now time.Time) bool {
	return a.Metadata.NextRetryAt == nil || !a.Metadata.NextRetryAt.After(now)
}

// BeginSync records the start of a sync attempt.
func (a *Action) BeginSync(now time.Time) error {
	if a.Status != StatusSyncing {
		if err := a.TransitionTo(StatusSyncing, now); err != nil {
			return err
		}
	}
	ts := now.UTC()
	a.SyncAttempts++
	a.LastSyncAttempt = &ts
	a.NextSyncAttempt = nil
	a.touch(now)
	return nil
}

// FailSync returns a syncing action to pending sync and schedules the next attempt.
func (a *Action) FailSync(message string, next time.Time, now time.Time) error {
	if err := a.TransitionTo(StatusPendingSync, now); err != nil {
		return err
	}
	next = next.UTC()
	a.NextSyncAttempt = &next
	a.RecordError(CodeSyncError, message, now)
	return nil
}

// SyncDue reports whether the sync backoff of the action has elapsed.
func (a Action) SyncDue(now time.Time) bool {
	return a.NextSyncAttempt == nil || !a.NextSyncAttempt.After(now)
}

// MarkConflict moves the action to conflict and records both versions.
func (a *Action) MarkConflict(server, client *Version, now time.Time) error {
	if a.Status != StatusConflict {
		if err := a.TransitionTo(StatusConflict, now); err != nil {
			return err
		}
	}
	a.Metadata.ConflictResolution = &ConflictResolution{
		ServerVersion: cloneVersion(server),
		ClientVersion: cloneVersion(client),
		Strategy:      a.Metadata.ConflictStrategy,
	}
	a.touch(now)
	return nil
}

// ResolveConflict settles a conflict and queues the action for reprocessing.
func (a *Action) ResolveConflict(resolved *Version, strategy ConflictStrategy, by ResolvedBy, now time.Time) error {
	if a.Status != StatusConflict {
		return fmt.Errorf("%w: %s is not in conflict", ErrInvalidTransition, a.ID)
	}
	if resolved == nil {
		return ErrInvalidVersion
	}
	strategy = NormalizeConflictStrategy(strategy)
	if !IsValidConflictStrategy(strategy) {
		return ErrInvalidStrategy
	}
	if !IsValidResolvedBy(by) {
		return ErrInvalidResolvedBy
	}
	record := a.Metadata.ConflictResolution
	if record == nil {
		record = &ConflictResolution{}
	}
	ts := now.UTC()
	record.ResolvedVersion = cloneVersion(resolved)
	record.Strategy = strategy
	record.ResolvedBy = by
	record.ResolvedAt = &ts
	a.Metadata.ConflictResolution = record
	a.Metadata.RetryCount = 0
	a.Metadata.NextRetryAt = nil
	return a.TransitionTo(StatusQueued, now)
}

// SetPriority changes the scheduling priority.
func (a *Action) SetPriority(p Priority, now time.Time) error {
	p = NormalizePriority(p)
	if !IsValidPriority(p) {
		return ErrInvalidPriority
	}
	a.Priority = p
	a.touch(now)
	return nil
}

// AddTags merges labels into the action tags.
func (a *Action) AddTags(tags []string, now time.Time) {
	a.Tags = normalizeTags(append(slices.Clone(a.Tags), tags...))
	a.touch(now)
}

// RemoveTags drops labels from the action tags.
func (a *Action) RemoveTags(tags []string, now time.Time) {
	drop := normalizeTags(tags)
	a.Tags = slices.DeleteFunc(slices.Clone(a.Tags), func(tag string) bool {
		return slices.Contains(drop, tag)
	})
	a.touch(now)
}

// HasTag reports whether the action carries tag.
func (a Action) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	return slices.Contains(a.Tags, tag)
}

// RemoveDependency drops one dependency id. It reports whether anything changed.
func (a *Action) RemoveDependency(id string, now time.Time) bool {
	before := len(a.Dependencies)
	a.Dependencies = slices.DeleteFunc(a.Dependencies, func(dep string) bool { return dep == id })
	if len(a.Dependencies) == before {
		return false
	}
	if len(a.Dependencies) == 0 {
		a.Dependencies = nil
	}
	a.touch(now)
	return true
}

// Clone returns a deep copy safe to hand to callers.
func (a Action) Clone() Action {
	out := a
	out.Dependencies = slices.Clone(a.Dependencies)
	out.Tags = slices.Clone(a.Tags)
	out.Payload = clonePayload(a.Payload)
	if a.Context != nil {
		ctx := *a.Context
		out.Context = &ctx
	}
	out.LastSyncAttempt = cloneTime(a.LastSyncAttempt)
	out.NextSyncAttempt = cloneTime(a.NextSyncAttempt)
	out.Metadata.NextRetryAt = cloneTime(a.Metadata.NextRetryAt)
	if a.Metadata.LastError != nil {
		lastErr := *a.Metadata.LastError
		out.Metadata.LastError = &lastErr
	}
	if cr := a.Metadata.ConflictResolution; cr != nil {
		out.Metadata.ConflictResolution = &ConflictResolution{
			ServerVersion:   cloneVersion(cr.ServerVersion),
			ClientVersion:   cloneVersion(cr.ClientVersion),
			ResolvedVersion: cloneVersion(cr.ResolvedVersion),
			Strategy:        cr.Strategy,
			ResolvedBy:      cr.ResolvedBy,
			ResolvedAt:      cloneTime(cr.ResolvedAt),
		}
	}
	return out
}

func (a *Action) touch(now time.Time) {
	a.Metadata.UpdatedAt = now.UTC()
}

// LastError codes recorded by the queue.
const (
	CodeHandlerError   = "handler_error"
	CodeHandlerTimeout = "handler_timeout"
	CodeUnknownHandler = "unknown_handler"
	CodeSyncError      = "sync_error"
	CodeConflictFailed = "conflict_failed"
)

func normalizeContext(in *RequestContext, now time.Time) *RequestContext {
	if in == nil {
		return nil
	}
	out := RequestContext{
		UserID:        strings.TrimSpace(in.UserID),
		SessionID:     strings.TrimSpace(in.SessionID),
		DeviceID:      strings.TrimSpace(in.DeviceID),
		CorrelationID: strings.TrimSpace(in.CorrelationID),
		Timestamp:     in.Timestamp.UTC(),
	}
	if in.Timestamp.IsZero() {
		out.Timestamp = now
	}
	return &out
}

// normalizeIDs trims, drops empties and de-duplicates while keeping order.
func normalizeIDs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		id := strings.TrimSpace(raw)
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeTags(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" || slices.Contains(out, tag) {
			continue
		}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}

func cloneVersion(v *Version) *Version {
	if v == nil {
		return nil
	}
	out := *v
	out.Data = slices.Clone(v.Data)
	return &out
}

// clonePayload deep-copies payloads holding slices, maps or pointers.
func clonePayload(p Payload) Payload {
	switch v := p.(type) {
	case SearchPayload:
		v.Filters = cloneMap(v.Filters)
		return v
	case SaveSearchPayload:
		v.Filters = cloneMap(v.Filters)
		return v
	case TagPayload:
		v.Add = slices.Clone(v.Add)
		v.Remove = slices.Clone(v.Remove)
		return v
	case UpdateCollectionPayload:
		v.Name = cloneString(v.Name)
		v.Description = cloneString(v.Description)
		return v
	case CollectionItemsPayload:
		v.Add = slices.Clone(v.Add)
		v.Remove = slices.Clone(v.Remove)
		return v
	case BuildIndexPayload:
		v.Paths = slices.Clone(v.Paths)
		return v
	default:
		return p
	}
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}
