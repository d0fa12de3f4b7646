package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps parked session state in process memory. It is the
// default store; state does not survive a restart and is invisible to
// other processes.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	closed  bool
	done    chan struct{}
}

type memoryEntry struct {
	state     []byte
	expiresAt time.Time
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*memoryStoreConfig)

type memoryStoreConfig struct {
	sweepInterval time.Duration
}

// WithSweepInterval sets how often expired entries are swept out.
// Default: 1 minute.
func WithSweepInterval(d time.Duration) MemoryStoreOption {
	return func(c *memoryStoreConfig) {
		c.sweepInterval = d
	}
}

// NewMemoryStore returns a MemoryStore with its sweep loop running.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	cfg := &memoryStoreConfig{sweepInterval: time.Minute}
	for _, opt := range opts {
		opt(cfg)
	}

	m := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		done:    make(chan struct{}),
	}
	go m.sweepLoop(cfg.sweepInterval)
	return m
}

// Save parks state under id until expiresAt.
func (m *MemoryStore) Save(ctx context.Context, id string, state []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	cp := make([]byte, len(state))
	copy(cp, state)
	m.entries[id] = &memoryEntry{state: cp, expiresAt: expiresAt}
	return nil
}

// Load retrieves parked state, or (nil, nil) when absent or expired.
func (m *MemoryStore) Load(ctx context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	e, ok := m.entries[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}

	cp := make([]byte, len(e.state))
	copy(cp, e.state)
	return cp, nil
}

// Delete removes an entry.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	delete(m.entries, id)
	return nil
}

// Touch extends an entry's expiry.
func (m *MemoryStore) Touch(ctx context.Context, id string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if e, ok := m.entries[id]; ok {
		e.expiresAt = expiresAt
	}
	return nil
}

// Close stops the sweep loop and drops all entries.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	m.entries = nil
	return nil
}

// Count returns the number of parked entries, expired ones included
// until the next sweep. For monitoring and tests.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

func (m *MemoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	now := time.Now()
	for id, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, id)
		}
	}
}
