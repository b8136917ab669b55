// Package ingest manages active ingest connections, coupling SRT byte
// readers with metadata, lifecycle signaling, and pipeline dispatch.
package ingest

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/fanout/internal/media"
)

// InputFormat identifies the container format of an ingested stream.
type InputFormat int

// Supported ingest container formats.
const (
	FormatMPEGTS InputFormat = iota
)

// IngestStats captures connection-level metrics for an ingest stream.
type IngestStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
	Origin        string `json:"origin,omitempty"`
}

// Stream represents an active ingest connection. Bytes written to the
// internal pipe by the receiver are read by the demux pipeline.
type Stream struct {
	ID        media.StreamID
	StartedAt time.Time
	Format    InputFormat
	// Origin is the URL a pulled stream came from. Empty for published
	// streams.
	Origin string
	input  io.ReadCloser
	pw     io.WriteCloser
	done   chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters, called by the SRT
// receiver after each successful socket read.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the ingest connection.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed once the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// IngestStats returns a snapshot of ingest connection metrics.
func (s *Stream) IngestStats() IngestStats {
	addr, _ := s.remoteAddr.Load().(string)
	return IngestStats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
		Origin:        s.Origin,
	}
}

// Handler is invoked for each newly registered stream with the read side
// of its pipe. It runs on its own goroutine and owns the reader until it
// returns.
type Handler func(s *Stream, input io.Reader)

// Registry tracks active ingest streams and dispatches new ones to the
// handler. It is the rendezvous point between the SRT ingest layer and
// the demux pipeline.
type Registry struct {
	mu      sync.RWMutex
	streams map[media.StreamID]*Stream

	onStream Handler
}

// NewRegistry creates a Registry. onStream may be nil.
func NewRegistry(onStream Handler) *Registry {
	return &Registry{
		streams:  make(map[media.StreamID]*Stream),
		onStream: onStream,
	}
}

// Register creates a new ingest stream, returning the Stream and a Writer
// the receiver should write into. It returns false if id is already being
// ingested.
func (r *Registry) Register(id media.StreamID, format InputFormat, origin string) (*Stream, io.Writer, bool) {
	r.mu.Lock()
	if _, exists := r.streams[id]; exists {
		r.mu.Unlock()
		return nil, nil, false
	}
	pr, pw := io.Pipe()
	stream := &Stream{
		ID:        id,
		StartedAt: time.Now(),
		Format:    format,
		Origin:    origin,
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}
	r.streams[id] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(stream, pr)
	}
	return stream, pw, true
}

// Unregister removes a stream, closing its pipe and signaling Done.
func (r *Registry) Unregister(id media.StreamID) {
	r.mu.Lock()
	stream, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.Close()
		close(stream.done)
	}
}

// Get returns the Stream for id, or false if not found.
func (r *Registry) Get(id media.StreamID) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	return s, ok
}

// List returns every active ingest stream.
func (r *Registry) List() []*Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	return out
}
