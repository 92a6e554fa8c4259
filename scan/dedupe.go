package scan

import (
	"context"
	"sync"
	"time"
)

// Deduper suppresses repeated scans of the same run, item and batch inside
// a time window. Claim returns true when the key was free and is now held
// for ttl.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// DedupeKey identifies a scan for duplicate suppression.
func DedupeKey(runID, item, batch string) string {
	return runID + "|" + item + "|" + batch
}

// MemoryDeduper keeps claims in process memory.
type MemoryDeduper struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{claims: make(map[string]time.Time), now: time.Now}
}

// SetClock replaces the time source, for tests.
func (d *MemoryDeduper) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

func (d *MemoryDeduper) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.claims[key] = now.Add(ttl)
	d.sweep(now)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.claims, key)
	d.mu.Unlock()
	return nil
}

// sweep drops expired claims once the map grows.
func (d *MemoryDeduper) sweep(now time.Time) {
	if len(d.claims) < 1024 {
		return
	}
	for k, exp := range d.claims {
		if !now.Before(exp) {
			delete(d.claims, k)
		}
	}
}
