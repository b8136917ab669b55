package muxer

import (
	"github.com/zsiec/fanout/internal/poller"
	"github.com/zsiec/fanout/internal/sink"
)

// Listener is the muxer's delegate, normally the stream registry. The
// muxer holds it only as a back-reference and never closes it.
type Listener interface {
	// OnReaderChanged is told the stream's total reader count after any
	// sink or cache reader attaches or detaches. It runs on the owner
	// poller.
	OnReaderChanged(m *Muxer, total int)

	// TotalReaderCount may override the reader count, e.g. to include
	// consumers of a parent stream. Returning ErrNotImplemented falls back
	// to LocalReaderCount.
	TotalReaderCount(m *Muxer) (int, error)

	// OwnerPoller may move the stream to another poller. Returning
	// ErrNotImplemented keeps the current one.
	OwnerPoller(m *Muxer) (*poller.Poller, error)
}

// BaseListener declines both optional queries and ignores reader
// changes. Embed it to implement only part of Listener.
type BaseListener struct{}

func (BaseListener) OnReaderChanged(*Muxer, int) {}

func (BaseListener) TotalReaderCount(*Muxer) (int, error) { return 0, ErrNotImplemented }

func (BaseListener) OwnerPoller(*Muxer) (*poller.Poller, error) { return nil, ErrNotImplemented }

// TrackListener is told when the stream's track set is complete.
type TrackListener interface {
	OnAllTrackReady(m *Muxer)
}

// sinkListener receives events from the sinks the muxer owns. It is a
// separate type so the muxer does not expose sink.Listener itself.
type sinkListener struct{ m *Muxer }

func (l sinkListener) OnReaderChanged(s sink.Sink, count int) {
	l.m.log.Debug("sink readers changed", "sink", s.Kind().String(), "readers", count)
	l.m.readerChanged()
}
