package livestate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"matflow/material"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func ledgerKey(runID string) string {
	return fmt.Sprintf("matflow:run:%s:ledger", runID)
}

func genKey(runID string) string {
	return fmt.Sprintf("matflow:run:%s:gen", runID)
}

func scanKey(key string) string {
	return "matflow:scan:" + key
}

func lockKey(batchKey string) string {
	return "matflow:lock:" + batchKey
}

const cachedRunsKey = "matflow:runs"

// setLedgerScript writes the rows only while the generation key still
// holds the expected value. A missing key counts as generation 0.
var setLedgerScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2]) or '0'
if cur ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[2])
end
redis.call('SADD', KEYS[3], ARGV[4])
return 1
`)

// SetLedger stores rows if runID is still at generation gen and reports
// whether it did.
func (r *RedisStore) SetLedger(ctx context.Context, runID string, gen uint64, rows []material.LedgerRow, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return false, err
	}
	keys := []string{ledgerKey(runID), genKey(runID), cachedRunsKey}
	n, err := setLedgerScript.Run(ctx, r.client, keys, strconv.FormatUint(gen, 10), data, ttl.Milliseconds(), runID).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LedgerGeneration returns 0 for a run that was never invalidated.
func (r *RedisStore) LedgerGeneration(ctx context.Context, runID string) (uint64, error) {
	gen, err := r.client.Get(ctx, genKey(runID)).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return gen, err
}

// GetLedger returns nil rows and no error on a miss.
func (r *RedisStore) GetLedger(ctx context.Context, runID string) ([]material.LedgerRow, error) {
	data, err := r.client.Get(ctx, ledgerKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rows := []material.LedgerRow{}
	return rows, json.Unmarshal(data, &rows)
}

// DeleteLedger drops the rows and advances the generation in one
// transaction.
func (r *RedisStore) DeleteLedger(ctx context.Context, runID string) error {
	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, genKey(runID))
	pipe.Del(ctx, ledgerKey(runID))
	pipe.SRem(ctx, cachedRunsKey, runID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) CachedRunIDs(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, cachedRunsKey).Result()
}

// ClaimScan sets the scan key only if it is absent.
func (r *RedisStore) ClaimScan(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, scanKey(key), time.Now().UnixMilli(), ttl).Result()
}

func (r *RedisStore) ReleaseScan(ctx context.Context, key string) error {
	return r.client.Del(ctx, scanKey(key)).Err()
}

func (r *RedisStore) FlushLedgers(ctx context.Context) error {
	ids, err := r.CachedRunIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.DeleteLedger(ctx, id); err != nil {
			return err
		}
	}
	return r.client.Del(ctx, cachedRunsKey).Err()
}
