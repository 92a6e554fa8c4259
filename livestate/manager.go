package livestate

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"matflow/ledger"
	"matflow/material"
	"matflow/store"
)

// Manager caches folded run ledgers in Redis. It implements ledger.Cache;
// a miss or a Redis failure sends the ledger service back to SQL.
type Manager struct {
	db    *store.DB
	redis *RedisStore
	ttl   time.Duration
}

// NewManager returns a cache whose entries expire after ttl (0 keeps them
// until invalidated).
func NewManager(db *store.DB, redis *RedisStore, ttl time.Duration) *Manager {
	return &Manager{db: db, redis: redis, ttl: ttl}
}

var _ ledger.Cache = (*Manager)(nil)

func (m *Manager) GetLedger(runID string) ([]material.LedgerRow, bool) {
	rows, err := m.redis.GetLedger(context.Background(), runID)
	if err != nil {
		log.Printf("livestate: get ledger %s: %v", runID, err)
		return nil, false
	}
	return rows, rows != nil
}

func (m *Manager) LedgerGeneration(runID string) (uint64, bool) {
	gen, err := m.redis.LedgerGeneration(context.Background(), runID)
	if err != nil {
		log.Printf("livestate: ledger generation %s: %v", runID, err)
		return 0, false
	}
	return gen, true
}

func (m *Manager) PutLedger(runID string, gen uint64, rows []material.LedgerRow) bool {
	ok, err := m.redis.SetLedger(context.Background(), runID, gen, rows, m.ttl)
	if err != nil {
		log.Printf("livestate: put ledger %s: %v", runID, err)
		return false
	}
	return ok
}

func (m *Manager) InvalidateLedger(runID string) {
	if err := m.redis.DeleteLedger(context.Background(), runID); err != nil {
		log.Printf("livestate: invalidate ledger %s: %v", runID, err)
	}
}

// SyncRedisFromSQL rebuilds the cached ledgers of every active run from
// SQL. Called on startup.
func (m *Manager) SyncRedisFromSQL(ctx context.Context) error {
	if err := m.redis.FlushLedgers(ctx); err != nil {
		log.Printf("livestate: flush ledgers: %v", err)
	}
	runs, err := m.db.ListRuns(1000)
	if err != nil {
		return err
	}
	synced := 0
	for _, run := range runs {
		if !run.Active() {
			continue
		}
		gen, err := m.redis.LedgerGeneration(ctx, run.ID)
		if err != nil {
			log.Printf("livestate: sync generation for %s: %v", run.ID, err)
			continue
		}
		reqs, err := m.db.ListRequirements(run.ID)
		if err != nil {
			log.Printf("livestate: sync requirements for %s: %v", run.ID, err)
			continue
		}
		mvs, err := m.db.ListMovements(run.ID)
		if err != nil {
			log.Printf("livestate: sync movements for %s: %v", run.ID, err)
			continue
		}
		rows := ledger.Fold(run.ID, reqs, mvs, decimal.NewFromInt(1))
		stored, err := m.redis.SetLedger(ctx, run.ID, gen, rows, m.ttl)
		if err != nil {
			log.Printf("livestate: sync ledger for %s: %v", run.ID, err)
			continue
		}
		if !stored {
			continue
		}
		synced++
	}
	log.Printf("livestate: synced %d run ledgers to redis", synced)
	return nil
}
