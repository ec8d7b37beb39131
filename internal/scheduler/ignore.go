package scheduler

import (
	"sync"
	"time"
)

// IgnoreList suppresses watcher dispatch for paths the manager itself just
// wrote. Entries expire after a fixed TTL.
type IgnoreList struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func NewIgnoreList(ttl time.Duration) *IgnoreList {
	return &IgnoreList{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

func (l *IgnoreList) Ignore(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[path] = time.Now().Add(l.ttl)
}

func (l *IgnoreList) IsIgnored(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry, ok := l.entries[path]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(l.entries, path)
		return false
	}
	return true
}

func (l *IgnoreList) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for path, expiry := range l.entries {
		if now.After(expiry) {
			delete(l.entries, path)
		}
	}
}

func (l *IgnoreList) Len() int {
	l.sweep()
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
