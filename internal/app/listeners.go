package app

import (
	"fmt"
	"sync"

	"github.com/hylla/ebb/internal/domain"
)

// ListenerToken identifies one subscription for removal.
type ListenerToken uint64

// NetworkListener receives the new online state.
type NetworkListener func(online bool)

// QueueListener receives the full action list after a mutation.
type QueueListener func(actions []domain.Action)

type listenerEntry[T any] struct {
	token ListenerToken
	fn    T
}

// listenerRegistry keeps subscribers in registration order.
type listenerRegistry[T any] struct {
	mu      sync.Mutex
	next    ListenerToken
	entries []listenerEntry[T]
}

func (r *listenerRegistry[T]) add(fn T) ListenerToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries = append(r.entries, listenerEntry[T]{token: r.next, fn: fn})
	return r.next
}

func (r *listenerRegistry[T]) remove(token ListenerToken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, entry := range r.entries {
		if entry.token == token {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *listenerRegistry[T]) snapshot() []listenerEntry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]listenerEntry[T](nil), r.entries...)
}

// AddNetworkChangeListener subscribes fn to online/offline transitions.
// Listeners run synchronously, in registration order, on the goroutine reporting the change.
func (q *Queue) AddNetworkChangeListener(fn NetworkListener) ListenerToken {
	return q.networkListeners.add(fn)
}

// RemoveNetworkChangeListener unsubscribes a network listener.
func (q *Queue) RemoveNetworkChangeListener(token ListenerToken) bool {
	return q.networkListeners.remove(token)
}

// AddQueueChangeListener subscribes fn to queue mutations. Deliveries happen in mutation
// order on a dedicated goroutine, so fn may call back into the queue.
func (q *Queue) AddQueueChangeListener(fn QueueListener) ListenerToken {
	return q.queueListeners.add(fn)
}

// RemoveQueueChangeListener unsubscribes a queue listener.
func (q *Queue) RemoveQueueChangeListener(token ListenerToken) bool {
	return q.queueListeners.remove(token)
}

func (q *Queue) notifyNetwork(online bool) {
	for _, entry := range q.networkListeners.snapshot() {
		q.safeCall("network", entry.token, func() { entry.fn(online) })
	}
}

// deliverQueueChanges is the queue-change mailbox worker.
func (q *Queue) deliverQueueChanges(batch [][]domain.Action) {
	for _, actions := range batch {
		for _, entry := range q.queueListeners.snapshot() {
			q.safeCall("queue", entry.token, func() { entry.fn(cloneActions(actions)) })
		}
	}
}

// safeCall runs one listener and logs a panic instead of propagating it.
func (q *Queue) safeCall(kind string, token ListenerToken, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("listener panicked", "kind", kind, "token", uint64(token), "err", fmt.Sprint(r))
		}
	}()
	fn()
}

func cloneActions(in []domain.Action) []domain.Action {
	out := make([]domain.Action, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}
