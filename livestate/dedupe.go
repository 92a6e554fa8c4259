package livestate

import (
	"context"
	"time"

	"matflow/scan"
)

// RedisDeduper shares duplicate-scan windows across instances. A claim is
// a single SET NX PX, so two terminals scanning the same key at once
// cannot both win.
type RedisDeduper struct {
	redis *RedisStore
}

func NewRedisDeduper(r *RedisStore) *RedisDeduper {
	return &RedisDeduper{redis: r}
}

var _ scan.Deduper = (*RedisDeduper)(nil)

func (d *RedisDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.redis.ClaimScan(ctx, key, ttl)
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.redis.ReleaseScan(ctx, key)
}
