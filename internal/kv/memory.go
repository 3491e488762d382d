package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is an in-process Store. All state is lost on restart and is not
// shared between instances.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
	stopGC  chan struct{}
	once    sync.Once
}

// NewMemory creates an empty store and starts a background goroutine that
// periodically removes expired entries. Call Close to stop it.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]memEntry),
		now:     time.Now,
		stopGC:  make(chan struct{}),
	}
	go m.gcLoop()
	return m
}

// Close terminates the background cleanup goroutine.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stopGC) })
	return nil
}

func (m *Memory) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopGC:
			return
		}
	}
}

// cleanup removes all expired entries.
func (m *Memory) cleanup() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

// Get returns the value for key if present and unexpired.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || m.now().After(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

// MGet returns values for keys in order, "" for missing entries.
func (m *Memory) MGet(_ context.Context, keys ...string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make([]string, len(keys))
	for i, k := range keys {
		if e, ok := m.entries[k]; ok && !now.After(e.expiresAt) {
			out[i] = e.value
		}
	}
	return out, nil
}

// SetMany writes all values under a single lock.
func (m *Memory) SetMany(_ context.Context, values map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt := m.now().Add(ttl)
	for k, v := range values {
		m.entries[k] = memEntry{value: v, expiresAt: expiresAt}
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
