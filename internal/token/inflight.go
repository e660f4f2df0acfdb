package token

import (
	"context"
	"sync"
)

// inflight coalesces concurrent exchanges per credential identifier: while one
// exchange runs, later callers for the same id wait for and share its result.
// Different ids proceed independently.
type inflight struct {
	mu      sync.Mutex
	flights map[string]*flight
}

type flight struct {
	done  chan struct{}
	token Token
	err   error
}

func newInflight() *inflight {
	return &inflight{flights: make(map[string]*flight)}
}

func (c *inflight) do(ctx context.Context, id string, fn func(ctx context.Context) (Token, error)) (Token, error) {
	c.mu.Lock()
	if f := c.flights[id]; f != nil {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return Token{}, ctx.Err()
		case <-f.done:
			return f.token, f.err
		}
	}
	f := &flight{done: make(chan struct{})}
	c.flights[id] = f
	c.mu.Unlock()

	f.token, f.err = fn(ctx)
	close(f.done)

	c.mu.Lock()
	delete(c.flights, id)
	c.mu.Unlock()
	return f.token, f.err
}
