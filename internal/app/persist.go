package app

import (
	"context"
	"time"

	"github.com/hylla/ebb/internal/domain"
)

type persistKind int

const (
	persistSave persistKind = iota
	persistRemove
	persistClear
)

// persistOp is one fire-and-forget store write.
type persistOp struct {
	kind    persistKind
	actions []domain.Action
	id      string
}

// persistTimeout bounds a single store write.
const persistTimeout = 30 * time.Second

func (q *Queue) schedulePersist(op persistOp) {
	if q.store == nil {
		return
	}
	q.persist.put(op)
}

// writeBatch is the persistence mailbox worker. Every save carries the full live set,
// so only the last save of a batch is written; removes and clears keep their order.
func (q *Queue) writeBatch(batch []persistOp) {
	lastSave := -1
	for i, op := range batch {
		if op.kind == persistSave {
			lastSave = i
		}
	}
	for i, op := range batch {
		if op.kind == persistSave && i != lastSave {
			continue
		}
		if err := q.write(op); err != nil {
			q.logger.Warn("persist failed", "op", op.kind.String(), "id", op.id, "err", err)
		}
	}
}

func (q *Queue) write(op persistOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	switch op.kind {
	case persistRemove:
		return q.store.Remove(ctx, op.id)
	case persistClear:
		return q.store.Clear(ctx)
	default:
		return q.store.Save(ctx, op.actions)
	}
}

func (k persistKind) String() string {
	switch k {
	case persistRemove:
		return "remove"
	case persistClear:
		return "clear"
	default:
		return "save"
	}
}
