package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/edulure/go-relay/core"
)

func jobBusyError(key string) error {
	return core.NewError(fmt.Sprintf("sync: job %s already running", key), goerrors.CategoryConflict, core.ErrorJobBusy).
		WithMetadata(map[string]any{"job": key})
}

func jobSaturatedError(key string, limit int) error {
	return core.NewError(
		fmt.Sprintf("sync: job slots saturated (%d running), refusing %s", limit, key),
		goerrors.CategoryConflict,
		core.ErrorJobBusy,
	).WithMetadata(map[string]any{"job": key, "max_concurrent_jobs": limit})
}

// IsJobBusy reports whether err is a refusal from the job guard or locker.
func IsJobBusy(err error) bool {
	return core.IsTextCode(err, core.ErrorJobBusy)
}

// jobGuard caps concurrently running jobs and refuses duplicate keys.
type jobGuard struct {
	mu      gosync.Mutex
	limit   int
	running map[string]time.Time
}

func newJobGuard(limit int) *jobGuard {
	if limit <= 0 {
		limit = 1
	}
	return &jobGuard{limit: limit, running: map[string]time.Time{}}
}

func (g *jobGuard) acquire(key string, now time.Time) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.running[key]; ok {
		return nil, jobBusyError(key)
	}
	if len(g.running) >= g.limit {
		return nil, jobSaturatedError(key, g.limit)
	}
	g.running[key] = now
	return func() {
		g.mu.Lock()
		delete(g.running, key)
		g.mu.Unlock()
	}, nil
}

func (g *jobGuard) snapshot() map[string]time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]time.Time, len(g.running))
	for key, startedAt := range g.running {
		out[key] = startedAt
	}
	return out
}

// MemoryLocker leases keys within one process. Expired leases are reclaimable.
type MemoryLocker struct {
	mu     gosync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
	seq    uint64
}

type memoryLease struct {
	token     uint64
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: map[string]memoryLease{}, now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if lease, ok := l.leases[key]; ok && lease.expiresAt.After(now) {
		return nil, jobBusyError(key)
	}
	l.seq++
	token := l.seq
	l.leases[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if lease, ok := l.leases[key]; ok && lease.token == token {
			delete(l.leases, key)
		}
		return nil
	}, nil
}

var _ JobLocker = (*MemoryLocker)(nil)
