package sandbox

import (
	"context"
	"fmt"

	"github.com/vayu-dev/vayu-engine/logger"
)

// Pool is a fixed-size set of pre-initialized Contexts, created at engine
// boot (spec section 4.D). Acquire blocks briefly when the pool is
// exhausted rather than growing it, matching spec's stated behaviour and
// the script context pool's documented "mutex-guarded acquire/release"
// ownership policy (spec section 5) — a buffered channel gives exactly
// that blocking-acquire semantics without an explicit mutex.
type Pool struct {
	log    *logger.Logger
	limits Limits
	slots  chan *Context
	size   int
}

// NewPool creates size pre-initialized contexts under limits.
func NewPool(size int, limits Limits, log *logger.Logger) (*Pool, error) {
	if size <= 0 {
		size = 64
	}
	slots := make(chan *Context, size)
	for i := 0; i < size; i++ {
		c, err := newContext(limits)
		if err != nil {
			return nil, fmt.Errorf("sandbox: create pooled context %d/%d: %w", i+1, size, err)
		}
		slots <- c
	}
	return &Pool{log: log, limits: limits, slots: slots, size: size}, nil
}

// Acquire blocks until a context is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Context, error) {
	select {
	case c := <-p.slots:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release resets c and returns it to the pool. Callers must not use c
// again after calling Release.
func (p *Pool) Release(c *Context) {
	c.reset()
	p.slots <- c
}

// Size returns the pool's fixed capacity.
func (p *Pool) Size() int { return p.size }
