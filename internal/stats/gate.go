package stats

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// exclusiveWeight is the semaphore weight a writer takes; readers take 1.
const exclusiveWeight = 1 << 30

// gate is a single-writer/multi-reader lock whose acquisition honours a
// context. A panic inside a write section poisons the gate for good.
type gate struct {
	sem      *semaphore.Weighted
	poisoned atomic.Bool
}

func newGate() *gate {
	return &gate{sem: semaphore.NewWeighted(exclusiveWeight)}
}

func (g *gate) read(ctx context.Context, fn func() error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return &LockError{Op: "read", Err: err}
	}
	defer g.sem.Release(1)

	if g.poisoned.Load() {
		return &LockError{Op: "read", Err: ErrLockPoisoned}
	}
	return fn()
}

func (g *gate) write(ctx context.Context, fn func() error) error {
	if err := g.sem.Acquire(ctx, exclusiveWeight); err != nil {
		return &LockError{Op: "write", Err: err}
	}
	defer g.sem.Release(exclusiveWeight)

	if g.poisoned.Load() {
		return &LockError{Op: "write", Err: ErrLockPoisoned}
	}
	defer func() {
		if r := recover(); r != nil {
			g.poisoned.Store(true)
			panic(r)
		}
	}()
	return fn()
}
