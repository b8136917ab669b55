package sink

import (
	"sync"

	"github.com/zsiec/fanout/internal/gop"
	"github.com/zsiec/fanout/internal/poller"
)

// Live is the shared half of every streaming sink: a packet ring for
// instant join, a header replayed to each new reader, and the plumbing
// that turns ring reader changes into Listener events. Concrete sinks
// embed it and call Init from their constructor.
type Live struct {
	owner  Sink
	kind   Kind
	demand bool
	ring   *gop.Ring[Packet]

	mu       sync.RWMutex
	listener Listener
	header   []Packet
}

// Init wires the base to its concrete sink. demand makes IsEnabled depend
// on having at least one reader.
func (l *Live) Init(owner Sink, kind Kind, demand bool, capacity int) {
	l.owner = owner
	l.kind = kind
	l.demand = demand
	l.ring = gop.NewRing[Packet](capacity, l.readerChanged)
}

func (l *Live) readerChanged(count int) {
	if l.demand && count == 0 {
		// Frames are not fed while nobody reads; a stale GOP must not be
		// replayed to the next reader.
		l.ring.Reset()
	}
	l.mu.RLock()
	lis := l.listener
	l.mu.RUnlock()
	if lis != nil {
		lis.OnReaderChanged(l.owner, count)
	}
}

// Kind returns the sink kind given to Init.
func (l *Live) Kind() Kind { return l.kind }

// SetListener installs the sink's event listener.
func (l *Live) SetListener(lis Listener) {
	l.mu.Lock()
	l.listener = lis
	l.mu.Unlock()
}

// ReaderCount returns the number of attached readers.
func (l *Live) ReaderCount() int { return l.ring.ReaderCount() }

// IsEnabled reports whether the sink should be fed.
func (l *Live) IsEnabled() bool {
	return !l.demand || l.ring.ReaderCount() > 0
}

// SetHeader replaces the packets sent to every reader before any cached
// or live packet.
func (l *Live) SetHeader(pkts ...Packet) {
	l.mu.Lock()
	l.header = pkts
	l.mu.Unlock()
}

// Header returns the current header packets.
func (l *Live) Header() []Packet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.header
}

// Publish writes a packet to the ring. restart marks a packet a new
// reader may start from.
func (l *Live) Publish(pkt Packet, restart bool) {
	l.ring.Write(pkt, restart)
}

// Attach registers a reader on p. The reader receives the header, then
// the cached GOP, then live packets. It returns nil once the sink is
// closed.
func (l *Live) Attach(p *poller.Poller, fn func(Packet)) *gop.Reader[Packet] {
	hdr := l.Header()
	if len(hdr) > 0 {
		p.Async(func() {
			for _, pkt := range hdr {
				fn(pkt)
			}
		})
	}
	return l.ring.Attach(p, fn)
}

// ResetLive clears the header and cached packets.
func (l *Live) ResetLive() {
	l.SetHeader()
	l.ring.Reset()
}

// Close detaches every reader.
func (l *Live) Close() error {
	l.ring.Close()
	return nil
}
