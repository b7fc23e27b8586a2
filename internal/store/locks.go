package store

import "sync"

// eventLocks hands out one mutex per event so that atomic sections on the
// same event serialise while different events proceed in parallel.
type eventLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newEventLocks() *eventLocks {
	return &eventLocks{m: make(map[string]*sync.Mutex)}
}

// lock acquires the event's mutex and returns its release func.
func (l *eventLocks) lock(eventID string) func() {
	l.mu.Lock()
	mu, ok := l.m[eventID]
	if !ok {
		mu = &sync.Mutex{}
		l.m[eventID] = mu
	}
	l.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}
