package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps locks in process memory. It only serializes callers
// inside one process: use it for development without Redis and in tests.
type MemoryBackend struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		locks: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

func (b *MemoryBackend) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if entry, ok := b.locks[key]; ok && now.Before(entry.expiresAt) {
		return false, nil
	}

	b.locks[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.locks[key]
	if !ok || entry.token != token || !b.now().Before(entry.expiresAt) {
		return false, nil
	}

	delete(b.locks, key)
	return true, nil
}
