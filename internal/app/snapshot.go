package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hylla/ebb/internal/domain"
)

// SnapshotVersion defines the snapshot format identifier.
const SnapshotVersion = "ebb.snapshot.v1"

// Snapshot is an order-preserving export of the live action set.
type Snapshot struct {
	Version    string          `json:"version"`
	ExportedAt time.Time       `json:"exported_at"`
	Actions    []domain.Action `json:"actions"`
}

// ExportSnapshot returns copies of every live action in insertion order.
func (q *Queue) ExportSnapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: q.clock().UTC(),
		Actions:    q.snapshotLocked(),
	}
}

// ImportSnapshot validates snap and upserts its actions. Existing ids are replaced in
// place; new ids are appended in snapshot order. Records exported mid-handler or mid-sync
// resume as queued or pending sync. Nothing changes when validation fails.
func (q *Queue) ImportSnapshot(snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	added := 0
	for _, a := range snap.Actions {
		if _, exists := q.actions[a.ID]; !exists {
			added++
		}
	}
	if q.cfg.MaxQueueSize > 0 && len(q.actions)+added > q.cfg.MaxQueueSize {
		return fmt.Errorf("%w: import of %d new actions exceeds %d", ErrResourceLimit, added, q.cfg.MaxQueueSize)
	}

	for i := range snap.Actions {
		a := snap.Actions[i].Clone()
		q.resumeInterruptedLocked(&a)
		if existing, ok := q.actions[a.ID]; ok {
			q.index.remove(existing)
			*existing = a
			q.index.add(existing)
			continue
		}
		q.insertLocked(&a)
	}
	q.logger.Info("snapshot imported", "actions", len(snap.Actions), "added", added)
	q.changedLocked()
	q.kickLocked()
	return nil
}

// Validate checks the snapshot version, id uniqueness and every action record.
func (s *Snapshot) Validate() error {
	if s.Version != "" && s.Version != SnapshotVersion {
		return fmt.Errorf("%w: unsupported snapshot version %q", ErrValidation, s.Version)
	}
	seen := make(map[string]struct{}, len(s.Actions))
	for i, a := range s.Actions {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("%w: actions[%d].id is required", ErrValidation, i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("%w: duplicate action id %q", ErrValidation, a.ID)
		}
		seen[a.ID] = struct{}{}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: actions[%d]: %v", ErrValidation, i, err)
		}
		if a.Metadata.CreatedAt.IsZero() || a.Metadata.UpdatedAt.IsZero() {
			return fmt.Errorf("%w: actions[%d] timestamps are required", ErrValidation, i)
		}
	}
	return nil
}

// EncodeSnapshot writes snap as indented JSON.
func EncodeSnapshot(w io.Writer, snap Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// DecodeSnapshot parses and validates a snapshot. Malformed input yields ErrValidation.
func DecodeSnapshot(r io.Reader) (Snapshot, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode snapshot: %v", ErrValidation, err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
