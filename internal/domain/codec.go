package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// actionJSON is the stable wire form of an Action.
type actionJSON struct {
	ID              string          `json:"id"`
	Type            ActionType      `json:"type"`
	Status          Status          `json:"status"`
	Priority        Priority        `json:"priority"`
	Payload         json.RawMessage `json:"payload"`
	Context         *RequestContext `json:"context,omitempty"`
	Metadata        Metadata        `json:"metadata"`
	Dependencies    []string        `json:"dependencies,omitempty"`
	GroupID         string          `json:"group_id,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	SyncAttempts    int             `json:"sync_attempts"`
	LastSyncAttempt *time.Time      `json:"last_sync_attempt,omitempty"`
	NextSyncAttempt *time.Time      `json:"next_sync_attempt,omitempty"`
}

// MarshalJSON encodes the action with its payload inline.
func (a Action) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if a.Payload != nil {
		encoded, err := json.Marshal(a.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %q payload: %w", a.Type, err)
		}
		raw = encoded
	}
	return json.Marshal(actionJSON{
		ID:              a.ID,
		Type:            a.Type,
		Status:          a.Status,
		Priority:        a.Priority,
		Payload:         raw,
		Context:         a.Context,
		Metadata:        a.Metadata,
		Dependencies:    a.Dependencies,
		GroupID:         a.GroupID,
		Tags:            a.Tags,
		SyncAttempts:    a.SyncAttempts,
		LastSyncAttempt: a.LastSyncAttempt,
		NextSyncAttempt: a.NextSyncAttempt,
	})
}

// UnmarshalJSON decodes the action and its payload variant selected by type.
func (a *Action) UnmarshalJSON(data []byte) error {
	var wire actionJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	payload, err := DecodePayload(wire.Type, wire.Payload)
	if err != nil {
		return err
	}
	*a = Action{
		ID:              wire.ID,
		Type:            wire.Type,
		Status:          wire.Status,
		Priority:        wire.Priority,
		Payload:         payload,
		Context:         wire.Context,
		Metadata:        wire.Metadata,
		Dependencies:    wire.Dependencies,
		GroupID:         wire.GroupID,
		Tags:            wire.Tags,
		SyncAttempts:    wire.SyncAttempts,
		LastSyncAttempt: wire.LastSyncAttempt,
		NextSyncAttempt: wire.NextSyncAttempt,
	}
	return nil
}

// EncodePayload renders a payload as JSON.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	return json.Marshal(p)
}
