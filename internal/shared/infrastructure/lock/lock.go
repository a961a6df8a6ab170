// Package lock provides short-lived leases used to keep periodic jobs from
// running on more than one replica at a time.
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker hands out leases on keys. A lease ends when release is called or
// its ttl elapses, whichever comes first.
type Locker interface {
	// TryAcquire attempts to take the lease without blocking. acquired is
	// false when another holder has it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// LocalLocker implements Locker within one process. It is used when no Redis
// is configured, which is only safe for single-replica deployments.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
	seq    uint64
}

type localLease struct {
	id        uint64
	expiresAt time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		leases: make(map[string]localLease),
		now:    time.Now,
	}
}

// TryAcquire takes the lease unless an unexpired one exists.
func (l *LocalLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.expiresAt) {
		return nil, false, nil
	}

	l.seq++
	id := l.seq
	l.leases[key] = localLease{id: id, expiresAt: now.Add(ttl)}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// a lease that expired and was re-acquired belongs to someone else
			if held, ok := l.leases[key]; ok && held.id == id {
				delete(l.leases, key)
			}
		})
	}
	return release, true, nil
}
