package app

// SetOnline records a connectivity signal. On a transition, network listeners are called
// synchronously in registration order; going online also triggers one sync run and
// resumes processing. Going offline never interrupts an in-flight handler.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	if q.closed || q.online == online {
		q.mu.Unlock()
		return
	}
	q.online = online
	q.metrics.NetworkChanged(online)
	q.mu.Unlock()

	q.logger.Info("network state changed", "online", online)
	q.notifyNetwork(online)

	if !online {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requestSyncLocked(syncAll)
	q.kickLocked()
}

// Online reports the last known connectivity state.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}
