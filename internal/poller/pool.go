package poller

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Pool is a fixed set of pollers handed out round-robin.
type Pool struct {
	pollers []*Poller
	next    atomic.Uint64
}

// NewPool creates n pollers. n below one is treated as one.
func NewPool(n int, log *slog.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{pollers: make([]*Poller, n)}
	for i := range p.pollers {
		p.pollers[i] = New(i, log)
	}
	return p
}

// Next returns the next poller in rotation.
func (p *Pool) Next() *Poller {
	i := p.next.Add(1) - 1
	return p.pollers[i%uint64(len(p.pollers))]
}

// Get returns the poller at index i, or nil if out of range.
func (p *Pool) Get(i int) *Poller {
	if i < 0 || i >= len(p.pollers) {
		return nil
	}
	return p.pollers[i]
}

// Size returns the number of pollers.
func (p *Pool) Size() int { return len(p.pollers) }

// Run runs every poller until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, pl := range p.pollers {
		g.Go(func() error { return pl.Run(ctx) })
	}
	return g.Wait()
}
