package wizard

import "sync"

// sessionLocks hands out one mutex per namespace. Entries are reference
// counted and dropped when the last holder unlocks.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{entries: make(map[string]*lockEntry)}
}

// lock blocks until namespace is free and returns the function that
// releases it. The returned function must be called exactly once.
func (l *sessionLocks) lock(namespace string) func() {
	l.mu.Lock()
	e, ok := l.entries[namespace]
	if !ok {
		e = &lockEntry{}
		l.entries[namespace] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, namespace)
		}
		l.mu.Unlock()
	}
}

func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
