package gop

import (
	"sync"
	"sync/atomic"

	"github.com/zsiec/fanout/internal/poller"
)

// Reader is one consumer attached to a Ring.
type Reader[T any] struct {
	ring   *Ring[T]
	poller *poller.Poller
	onRead func(T)

	mu       sync.Mutex
	onDetach func()
	closed   atomic.Bool
}

// Poller returns the poller the reader's callbacks run on.
func (rd *Reader[T]) Poller() *poller.Poller { return rd.poller }

// SetDetachCB sets the callback fired on the reader's poller when the ring
// is closed underneath it. It is not fired by Reader.Close.
func (rd *Reader[T]) SetDetachCB(fn func()) {
	rd.mu.Lock()
	rd.onDetach = fn
	rd.mu.Unlock()
}

// Close detaches the reader. Frames already queued on its poller are
// discarded. Close is idempotent.
func (rd *Reader[T]) Close() {
	if rd.closed.Swap(true) {
		return
	}
	rd.ring.detach(rd)
}

// Closed reports whether the reader has been detached.
func (rd *Reader[T]) Closed() bool { return rd.closed.Load() }

func (rd *Reader[T]) post(v T) {
	rd.poller.Async(func() { rd.deliver(v) })
}

func (rd *Reader[T]) deliver(v T) {
	if rd.closed.Load() || rd.onRead == nil {
		return
	}
	rd.onRead(v)
}

func (rd *Reader[T]) detached() {
	if rd.closed.Swap(true) {
		return
	}
	rd.mu.Lock()
	fn := rd.onDetach
	rd.mu.Unlock()
	if fn != nil {
		rd.poller.Async(fn)
	}
}
