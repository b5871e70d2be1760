package cryptox

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many CPU-heavy crypto jobs (KDF runs, bulk AEAD) execute at
// once, so a slow derivation for one user does not starve the others.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool returns a pool running at most workers jobs concurrently. A
// non-positive value means runtime.NumCPU().
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// Do waits for a free slot and runs fn. If ctx is cancelled while waiting,
// fn never runs and ctx.Err() is returned.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
