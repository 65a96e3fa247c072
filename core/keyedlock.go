package core

// keyedlock.go - per-tag FIFO serialization. Every write to a given ID-hash
// (and every merge attempt against a given head) must be serialized against
// concurrent writers touching that same ID-hash, without serializing writes
// to unrelated ID-hashes against each other. Grounded on
// core/connection_pool.go's per-address pooling/locking pattern: one entry
// per key, refcounted, torn down when the last holder releases it.

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyedLock hands out FIFO mutual exclusion scoped to an arbitrary string
// tag (typically an ID-hash's hex form). semaphore.Weighted queues waiters
// in arrival order, which is what makes this FIFO rather than the
// unspecified wakeup order of sync.Mutex under contention.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*refSem
}

type refSem struct {
	sem *semaphore.Weighted
	ref int
}

// NewKeyedLock builds an empty KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*refSem)}
}

// Lock blocks until tag is uncontended, or ctx is done. The returned
// release function must be called exactly once to hand the tag to the
// next waiter (if any) and, once nobody else is waiting, free the entry.
func (k *KeyedLock) Lock(ctx context.Context, tag string) (release func(), err error) {
	k.mu.Lock()
	rs, ok := k.locks[tag]
	if !ok {
		rs = &refSem{sem: semaphore.NewWeighted(1)}
		k.locks[tag] = rs
	}
	rs.ref++
	k.mu.Unlock()

	if err := rs.sem.Acquire(ctx, 1); err != nil {
		k.release(tag, rs)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rs.sem.Release(1)
			k.release(tag, rs)
		})
	}, nil
}

func (k *KeyedLock) release(tag string, rs *refSem) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rs.ref--
	if rs.ref <= 0 {
		delete(k.locks, tag)
	}
}
