package ratelimit

import (
	"context"
	"sync"
	"time"
)

const DefaultMaxEntries = 10000

type memoryEntry struct {
	count     int
	expiresAt time.Time
}

// MemoryLimiter is the in-process Limiter. Entries expire after the window
// and the map never holds more than maxEntries keys.
type MemoryLimiter struct {
	mu          sync.Mutex
	entries     map[string]memoryEntry
	maxAttempts int
	window      time.Duration
	maxEntries  int
	now         func() time.Time
}

func NewMemoryLimiter(maxAttempts int, window time.Duration, maxEntries int) *MemoryLimiter {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryLimiter{
		entries:     make(map[string]memoryEntry),
		maxAttempts: maxAttempts,
		window:      window,
		maxEntries:  maxEntries,
		now:         time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	entry, ok := l.entries[key]
	if !ok || !now.Before(entry.expiresAt) {
		if !ok && len(l.entries) >= l.maxEntries {
			l.evictLocked(now)
		}
		entry = memoryEntry{expiresAt: now.Add(l.window)}
	}
	entry.count++
	l.entries[key] = entry
	return entry.count <= l.maxAttempts, nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// evictLocked drops expired entries, then the one closest to expiry if the
// map is still full.
func (l *MemoryLimiter) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for key, entry := range l.entries {
		if !now.Before(entry.expiresAt) {
			delete(l.entries, key)
			continue
		}
		if oldestKey == "" || entry.expiresAt.Before(oldest) {
			oldestKey, oldest = key, entry.expiresAt
		}
	}
	if len(l.entries) >= l.maxEntries && oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}
