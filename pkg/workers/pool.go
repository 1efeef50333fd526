// Package workers runs blocking operating-system work (file writes,
// subprocesses) with bounded concurrency so that request handling never
// waits on more of it than the pool allows.
package workers

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is used when a non-positive size is requested.
const DefaultSize = 4

// Pool bounds the number of blocking functions running at once.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// New returns a Pool that runs at most size functions concurrently.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size reports the concurrency bound.
func (p *Pool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

// Do runs fn on a worker and waits for its result. When ctx is done first,
// Do returns ctx.Err() and fn keeps its slot until it returns. A nil Pool
// runs fn inline.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if p == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
