package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	token   string
	expires time.Time
}

// MemoryLocker implements Locker inside a single process. It backs tests
// and single-node deployments that run without Redis.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]entry
	now   func() time.Time
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]entry), now: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locks[key]; ok && m.now().Before(e.expires) {
		return "", nil
	}
	token := uuid.NewString()
	m.locks[key] = entry{token: token, expires: m.now().Add(ttl)}
	return token, nil
}

func (m *MemoryLocker) Release(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok || e.token != token {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func (m *MemoryLocker) Refresh(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok || e.token != token || !m.now().Before(e.expires) {
		return false, nil
	}
	e.expires = m.now().Add(ttl)
	m.locks[key] = e
	return true, nil
}
