package livestate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bsm/redislock"

	"matflow/material"
	"matflow/movement"
)

// BatchLocker holds per-batch locks in Redis so that commits from several
// instances touching the same batch are serialized.
type BatchLocker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewBatchLocker returns a locker whose locks expire after ttl. Lock
// retries for up to wait before giving up with a Conflict.
func NewBatchLocker(r *RedisStore, ttl, wait time.Duration) *BatchLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &BatchLocker{client: redislock.New(r.client), ttl: ttl, wait: wait}
}

var _ movement.Locker = (*BatchLocker)(nil)

// Lock obtains every key in order. keys must already be sorted, as
// movement.SourceKeys returns them.
func (l *BatchLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	held := make([]*redislock.Lock, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				log.Printf("livestate: release %s: %v", held[i].Key(), err)
			}
		}
	}

	opt := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), int(l.wait/(50*time.Millisecond))),
	}
	for _, k := range keys {
		lock, err := l.client.Obtain(ctx, lockKey(k), l.ttl, opt)
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, material.Conflictf("batch %s is locked by another commit", k)
			}
			return nil, fmt.Errorf("lock %s: %w", k, err)
		}
		held = append(held, lock)
	}
	return release, nil
}
