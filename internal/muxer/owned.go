package muxer

import (
	"sync/atomic"

	"github.com/zsiec/fanout/internal/media"
)

// Owned drives a muxer's frame path on its owner poller. Every call
// resolves the owner again, so a stream moved by its delegate follows,
// and blocks until the call has run. Once the poller has stopped, calls
// run on the caller's goroutine.
//
// Owned must not be used from a task already running on the owner
// poller.
type Owned struct{ m *Muxer }

// Owned returns the poller-bound frame path of m.
func (m *Muxer) Owned() Owned { return Owned{m} }

func (o Owned) run(fn func()) {
	var started atomic.Bool
	if o.m.OwnerPoller().Sync(func() {
		started.Store(true)
		fn()
	}) || started.Load() {
		return
	}
	fn()
}

func (o Owned) OnTrackReady(t *media.Track) bool {
	var ok bool
	o.run(func() { ok = o.m.OnTrackReady(t) })
	return ok
}

func (o Owned) OnAllTrackReady() {
	o.run(o.m.OnAllTrackReady)
}

func (o Owned) OnTrackFrame(f *media.Frame) bool {
	var ok bool
	o.run(func() { ok = o.m.OnTrackFrame(f) })
	return ok
}

func (o Owned) ResetTracks() {
	o.run(o.m.ResetTracks)
}
