package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bsmredislock "github.com/bsm/redislock"
	goerrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"

	"github.com/edulure/go-relay/core"
	"github.com/edulure/go-relay/sync"
)

const DefaultKeyPrefix = "edulure:"

// Obtainer is the subset of the redislock client used by Locker.
type Obtainer interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *bsmredislock.Options) (*bsmredislock.Lock, error)
}

type Option func(*Locker)

func WithKeyPrefix(prefix string) Option {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

// WithRetry makes Acquire wait for a held lease instead of refusing at once.
func WithRetry(strategy bsmredislock.RetryStrategy) Option {
	return func(l *Locker) {
		l.retry = strategy
	}
}

// Locker leases job keys in Redis so only one process runs a job at a time.
type Locker struct {
	client Obtainer
	prefix string
	retry  bsmredislock.RetryStrategy
}

func New(client Obtainer, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redislock: client is required")
	}
	locker := &Locker{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(locker)
		}
	}
	return locker, nil
}

func NewFromRedis(rdb redis.UniversalClient, opts ...Option) (*Locker, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redislock: redis client is required")
	}
	return New(bsmredislock.New(rdb), opts...)
}

// Acquire obtains the lease for key. A lease held elsewhere is reported as a
// job-busy conflict.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, core.ValidationError("key", "lock key is required")
	}
	if ttl <= 0 {
		return nil, core.ValidationError("ttl", "lock ttl must be positive")
	}
	var opt *bsmredislock.Options
	if l.retry != nil {
		opt = &bsmredislock.Options{RetryStrategy: l.retry}
	}

	lock, err := l.client.Obtain(ctx, l.prefix+key, ttl, opt)
	if errors.Is(err, bsmredislock.ErrNotObtained) {
		return nil, core.NewError(
			fmt.Sprintf("redislock: lease %s is held by another worker", key),
			goerrors.CategoryConflict,
			core.ErrorJobBusy,
		).WithMetadata(map[string]any{"lock_key": key})
	}
	if err != nil {
		return nil, core.WrapError(err, goerrors.CategoryExternal, core.ErrorExternalFailure, "redislock: obtain lease failed")
	}

	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, bsmredislock.ErrLockNotHeld) {
			// The lease already expired; nothing is left to release.
			return nil
		}
		return err
	}, nil
}

var _ sync.JobLocker = (*Locker)(nil)
