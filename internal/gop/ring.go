// Package gop implements the lookback cache that gives late joiners an
// immediately decodable stream. A Ring keeps the frames written since the
// most recent restart point (keyframe or parameter sets) and replays them
// to every newly attached Reader before live delivery begins.
package gop

import (
	"sync"

	"github.com/zsiec/fanout/internal/poller"
)

// Default sizing. The frame bound is a safety valve for sources that never
// send a restart point or send very long GOPs.
const (
	DefaultCapacity = 1024
	DefaultMaxGOPs  = 1
)

// Ring is a single-writer, multi-reader frame cache. Write is called from
// the owning stream's poller; Attach and Reader.Close may be called from
// any goroutine. Delivery to a reader always happens on the reader's own
// poller.
type Ring[T any] struct {
	capacity int
	maxGOPs  int

	mu      sync.Mutex
	gops    [][]T // last entry is the open GOP
	size    int
	started bool // a restart point has been seen
	haveKey bool // cache currently begins at a restart point
	closed  bool
	readers map[*Reader[T]]struct{}

	onReaderChanged func(count int)
}

// NewRing creates a ring holding at most capacity frames. onReaderChanged,
// if non-nil, is called once per attach and once per detach with the new
// reader count, from the goroutine that changed it. It is never called
// from Write.
func NewRing[T any](capacity int, onReaderChanged func(count int)) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{
		capacity:        capacity,
		maxGOPs:         DefaultMaxGOPs,
		gops:            make([][]T, 1),
		readers:         make(map[*Reader[T]]struct{}),
		onReaderChanged: onReaderChanged,
	}
}

// Write appends v and delivers it to every attached reader. isRestart
// marks v as a point from which a new consumer can start decoding.
func (r *Ring[T]) Write(v T, isRestart bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	r.store(v, isRestart)
	for rd := range r.readers {
		rd.post(v)
	}
}

func (r *Ring[T]) store(v T, isRestart bool) {
	if isRestart {
		r.started = true
		r.haveKey = true
		if len(r.gops[len(r.gops)-1]) > 0 {
			r.gops = append(r.gops, nil)
		}
		for len(r.gops) > r.maxGOPs {
			r.popFront()
		}
	}

	// After an overflow wipe nothing is cached until the next restart
	// point; a partial GOP is not decodable.
	if r.started && !r.haveKey {
		return
	}

	last := len(r.gops) - 1
	r.gops[last] = append(r.gops[last], v)
	r.size++
	if r.size <= r.capacity {
		return
	}
	for len(r.gops) > 1 && r.size > r.capacity {
		r.popFront()
	}
	if r.size > r.capacity {
		r.clear()
	}
}

func (r *Ring[T]) popFront() {
	r.size -= len(r.gops[0])
	r.gops[0] = nil
	r.gops = r.gops[1:]
}

func (r *Ring[T]) clear() {
	r.gops = make([][]T, 1)
	r.size = 0
	r.haveKey = false
}

// Reset drops every cached frame and forgets the last restart point.
// Attached readers stay attached. Used when the track set is renegotiated.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clear()
	r.started = false
}

// Cached returns a copy of the frames a reader attaching now would be
// replayed.
func (r *Ring[T]) Cached() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *Ring[T]) snapshot() []T {
	out := make([]T, 0, r.size)
	for _, g := range r.gops {
		out = append(out, g...)
	}
	return out
}

// Attach registers a reader whose callbacks run on p. The reader first
// receives the cached frames, then every frame written after Attach, with
// no gap and no duplicate. Attach returns nil if the ring is closed.
func (r *Ring[T]) Attach(p *poller.Poller, onRead func(T)) *Reader[T] {
	rd := &Reader[T]{ring: r, poller: p, onRead: onRead}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	cached := r.snapshot()
	if len(cached) > 0 {
		p.Async(func() {
			for _, v := range cached {
				rd.deliver(v)
			}
		})
	}
	r.readers[rd] = struct{}{}
	count := len(r.readers)
	r.mu.Unlock()

	r.notify(count)
	return rd
}

func (r *Ring[T]) detach(rd *Reader[T]) {
	r.mu.Lock()
	if _, ok := r.readers[rd]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.readers, rd)
	count := len(r.readers)
	r.mu.Unlock()

	r.notify(count)
}

func (r *Ring[T]) notify(count int) {
	if r.onReaderChanged != nil {
		r.onReaderChanged(count)
	}
}

// ReaderCount returns the number of attached readers.
func (r *Ring[T]) ReaderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readers)
}

// Close detaches every reader, firing their detach callbacks on their
// pollers, and rejects further writes and attaches.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	readers := r.readers
	r.readers = make(map[*Reader[T]]struct{})
	r.gops = make([][]T, 1)
	r.size = 0
	r.mu.Unlock()

	for rd := range readers {
		rd.detached()
	}
	if len(readers) > 0 {
		r.notify(0)
	}
}
