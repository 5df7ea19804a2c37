package app

import "sync"

// mailbox is an unbounded FIFO drained in batches by one worker goroutine.
// put never blocks, so it is safe to call while holding the queue lock.
type mailbox[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []T
	busy    bool
	closed  bool
	done    chan struct{}
	deliver func([]T)
}

func newMailbox[T any](deliver func([]T)) *mailbox[T] {
	m := &mailbox[T]{
		done:    make(chan struct{}),
		deliver: deliver,
	}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mailbox[T]) put(item T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.items = append(m.items, item)
	m.cond.Broadcast()
	return true
}

func (m *mailbox[T]) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.items) == 0 && !m.closed {
			m.busy = false
			m.cond.Broadcast()
			m.cond.Wait()
		}
		if len(m.items) == 0 && m.closed {
			m.busy = false
			m.cond.Broadcast()
			m.mu.Unlock()
			return
		}
		batch := m.items
		m.items = nil
		m.busy = true
		m.mu.Unlock()

		m.deliver(batch)
	}
}

// flush blocks until every item put so far has been delivered. It must not be
// called from deliver.
func (m *mailbox[T]) flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.items) > 0 || m.busy {
		m.cond.Wait()
	}
}

// close stops accepting items and waits for the backlog to drain.
func (m *mailbox[T]) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
	<-m.done
}
