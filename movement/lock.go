package movement

import (
	"context"
	"sort"
	"sync"

	"matflow/material"
)

// Locker serializes commits that draw from the same stock position.
// Lock acquires every key in sorted order and returns a release func.
type Locker interface {
	Lock(ctx context.Context, keys []string) (unlock func(), err error)
}

// BatchKey names one stock position for locking.
func BatchKey(item, batchID, location string) string {
	return item + "|" + batchID + "|" + location
}

// SourceKeys returns the sorted, de-duplicated lock keys for the positions
// mv draws from.
func SourceKeys(mv *material.Movement) []string {
	if !mv.Purpose.NeedsSource() {
		return nil
	}
	seen := make(map[string]struct{}, len(mv.Lines))
	var keys []string
	for _, l := range mv.Lines {
		k := BatchKey(l.Item, l.BatchID, mv.SourceLocation)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LocalLocker is an in-process keyed mutex. It is enough for a single
// instance; multi-instance deployments use the Redis locker.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var held []string
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}
	for _, k := range sorted {
		if len(held) > 0 && held[len(held)-1] == k {
			continue
		}
		if err := l.acquire(ctx, k); err != nil {
			release()
			return nil, material.Conflictf("stock position %s is busy: %v", k, err)
		}
		held = append(held, k)
	}
	return release, nil
}

func (l *LocalLocker) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *LocalLocker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		return
	}
	<-kl.ch
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
