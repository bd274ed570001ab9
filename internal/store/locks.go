package store

import "sync"

// messageLocks provides per-message-id mutual exclusion. Operations on
// the same message id serialize; independent ids proceed without
// blocking each other. Entries are reference counted and removed when
// the last holder releases, so the map does not grow with history.
type messageLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newMessageLocks() *messageLocks {
	return &messageLocks{entries: make(map[string]*lockEntry)}
}

// lock acquires the mutex for id and returns the release function.
func (l *messageLocks) lock(id string) func() {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
