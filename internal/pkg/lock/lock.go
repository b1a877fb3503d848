// Package lock provides a per-key mutual exclusion lock on top of a shared
// key-value store. A lock is a key holding a random token with a TTL; release
// deletes the key only while it still holds the caller's token.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const releaseTimeout = 3 * time.Second

// Backend is the atomic primitive set a lock store has to provide.
type Backend interface {
	// SetNX stores token under key with the given TTL if key is absent.
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if it currently holds token.
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
}

// Config controls lock TTL and the bounded retry loop.
type Config struct {
	TTL           time.Duration
	RetryInterval time.Duration
	RetryLimit    int
	KeyPrefix     string
}

// DefaultConfig returns 30s TTL, 100ms retry interval and 50 retries.
func DefaultConfig() Config {
	return Config{
		TTL:           30 * time.Second,
		RetryInterval: 100 * time.Millisecond,
		RetryLimit:    50,
		KeyPrefix:     "lock:",
	}
}

// Lock is a held lock. It is only valid until Release or TTL expiry.
type Lock struct {
	Key        string
	Token      string
	AcquiredAt time.Time
}

// Manager acquires and releases locks against a Backend.
type Manager struct {
	backend  Backend
	cfg      Config
	newToken func() string
}

func NewManager(backend Backend, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}

	return &Manager{
		backend:  backend,
		cfg:      cfg,
		newToken: uuid.NewString,
	}
}

// Acquire takes the lock for key. When the key is held it retries every
// RetryInterval, at most RetryLimit times, and then fails with ErrLockTimeout.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lock, error) {
	fullKey := m.cfg.KeyPrefix + key
	token := m.newToken()

	for attempt := 0; ; attempt++ {
		ok, err := m.backend.SetNX(ctx, fullKey, token, m.cfg.TTL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, ctx.Err())
			}
			return nil, fmt.Errorf("%w: acquire %s: %w", ErrBackend, key, err)
		}
		if ok {
			return &Lock{Key: fullKey, Token: token, AcquiredAt: time.Now()}, nil
		}

		if attempt >= m.cfg.RetryLimit {
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrLockTimeout, key, attempt+1)
		}

		timer := time.NewTimer(m.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, ctx.Err())
		case <-timer.C:
		}
	}
}

// Release deletes the lock if it is still owned by l.
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}

	ok, err := m.backend.CompareAndDelete(ctx, l.Key, l.Token)
	if err != nil {
		return fmt.Errorf("%w: release %s: %w", ErrBackend, l.Key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, l.Key)
	}
	return nil
}

// WithLock runs fn while holding the lock for key and returns fn's error.
// The lock is released on a context detached from ctx cancellation so an
// aborted caller still frees it. A failed release is only logged: the work
// done by fn is already committed at that point.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}

	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := m.Release(relCtx, l); relErr != nil {
			log.Warn().
				Err(relErr).
				Str("key", l.Key).
				Dur("held_for", time.Since(l.AcquiredAt)).
				Msg("lock release failed")
		}
	}()

	return fn(ctx)
}

// TTL returns the configured lock TTL.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}
