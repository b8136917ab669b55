// Package poller provides the single-goroutine run loops that own a
// stream's hot path. Work is handed to a poller as closures; a poller runs
// them one at a time in submission order.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Poller is a single-goroutine task loop. Async never blocks: tasks are
// appended to an unbounded queue that Run drains in order.
type Poller struct {
	id  int
	log *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// New creates a poller. It does nothing until Run is called. If log is
// nil, slog.Default() is used.
func New(id int, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		id:   id,
		log:  log.With("component", "poller", "poller", id),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// ID returns the poller's index within its pool.
func (p *Poller) ID() int { return p.id }

func (p *Poller) String() string { return fmt.Sprintf("poller-%d", p.id) }

// Async queues fn to run on the poller goroutine. Tasks queued after Close
// are dropped. Async reports whether fn was queued.
func (p *Poller) Async(fn func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, fn)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync queues fn and waits until it has run. It must not be called from a
// task running on the same poller. Sync returns false without waiting if
// the poller is closed.
func (p *Poller) Sync(fn func()) bool {
	ran := make(chan struct{})
	if !p.Async(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-p.done:
		return false
	}
}

// Run drains the task queue until ctx is cancelled or Close is called.
// Tasks still queued at that point are discarded.
func (p *Poller) Run(ctx context.Context) error {
	defer p.shutdown()
	p.log.Debug("poller started")

	for {
		select {
		case <-ctx.Done():
			p.log.Debug("poller stopped")
			return nil
		case <-p.done:
			return nil
		case <-p.wake:
		}

		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		p.mu.Unlock()

		for _, fn := range batch {
			p.run(fn)
		}
	}
}

func (p *Poller) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", "panic", r)
		}
	}()
	fn()
}

// Close stops the poller. Pending tasks are dropped and later Async calls
// are rejected.
func (p *Poller) Close() {
	p.shutdown()
}

func (p *Poller) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.queue = nil
	close(p.done)
}

// Done is closed once the poller has stopped.
func (p *Poller) Done() <-chan struct{} { return p.done }
