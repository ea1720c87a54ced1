package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"kasirinaja/settlement/internal/xid"
)

var ErrLocked = errors.New("lock already held")

// Release gives the lock back. It is safe to call after the lease expired; a
// lease taken over by another holder is left alone.
type Release func(ctx context.Context) error

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// LocalLocker serialises holders inside one process. It is the fallback when
// redis is not configured.
type LocalLocker struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]localLease
}

type localLease struct {
	token     string
	expiresAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{now: time.Now, leases: make(map[string]localLease)}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if current, held := l.leases[key]; held && now.Before(current.expiresAt) {
		return nil, ErrLocked
	}
	token := xid.New("lease")
	l.leases[key] = localLease{token: token, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if current, held := l.leases[key]; held && current.token == token {
			delete(l.leases, key)
		}
		return nil
	}, nil
}
