// Package lock serialises work that must not run twice at once, either in
// one process or across replicas sharing a Redis instance.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotObtained is returned when another holder owns the key.
var ErrNotObtained = errors.New("lock: not obtained")

type Lease interface {
	// Refresh extends the lease by ttl. It returns ErrNotObtained once the
	// lease has expired or been taken over.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// ImportKey is the per-owner key taken around purchase imports.
func ImportKey(ownerID string) string {
	return "import:" + ownerID
}

const BackupKey = "backup:daily"

// Local is an in-process Locker. Keys expire after their ttl so a holder
// that never releases cannot block the key forever.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	now   func() time.Time
	token uint64
}

type localEntry struct {
	token   uint64
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), now: time.Now}
}

func (l *Local) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.held[key]; ok && now.Before(entry.expires) {
		return nil, ErrNotObtained
	}
	l.token++
	l.held[key] = localEntry{token: l.token, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: l.token}, nil
}

type localLease struct {
	owner *Local
	key   string
	token uint64
}

func (lease *localLease) Refresh(_ context.Context, ttl time.Duration) error {
	l := lease.owner
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	entry, ok := l.held[lease.key]
	if !ok || entry.token != lease.token || !now.Before(entry.expires) {
		return ErrNotObtained
	}
	entry.expires = now.Add(ttl)
	l.held[lease.key] = entry
	return nil
}

func (lease *localLease) Release(_ context.Context) error {
	l := lease.owner
	l.mu.Lock()
	defer l.mu.Unlock()
	// A lease that expired and was taken over must not free the new holder.
	if entry, ok := l.held[lease.key]; ok && entry.token == lease.token {
		delete(l.held, lease.key)
	}
	return nil
}

// With runs fn while holding key and refreshes the lease every ttl/2 until
// fn returns. If a refresh fails, fn's context is cancelled with
// ErrLeaseLost as the cause. ErrNotObtained is returned untouched so callers
// can map it to a busy response.
func With(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := locker.Obtain(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		_ = lease.Release(context.WithoutCancel(ctx))
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	done := make(chan struct{})
	go keepAlive(runCtx, lease, ttl, done, cancel)

	err = fn(runCtx)
	close(done)
	if cause := context.Cause(runCtx); errors.Is(cause, ErrLeaseLost) {
		return cause
	}
	return err
}

// ErrLeaseLost reports a lease that could not be refreshed while work was
// still running under it.
var ErrLeaseLost = errors.New("lock: lease lost")

func keepAlive(ctx context.Context, lease Lease, ttl time.Duration, done <-chan struct{}, cancel context.CancelCauseFunc) {
	interval := ttl / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Refresh(ctx, ttl); err != nil {
				cancel(fmt.Errorf("%w: %v", ErrLeaseLost, err))
				return
			}
		}
	}
}
