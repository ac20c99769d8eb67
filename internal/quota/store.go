package quota

import (
	"context"
	"sync"
)

// Store persists committed usage per user. A user with no record has zero
// usage.
type Store interface {
	Usage(ctx context.Context, user string) (int64, error)
	SetUsage(ctx context.Context, user string, bytes int64) error
	Close() error
}

// MemoryStore keeps usage in process memory. Usage is lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	usage map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{usage: make(map[string]int64)}
}

func (m *MemoryStore) Usage(_ context.Context, user string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[user], nil
}

func (m *MemoryStore) SetUsage(_ context.Context, user string, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[user] = bytes
	return nil
}

func (m *MemoryStore) Close() error { return nil }
