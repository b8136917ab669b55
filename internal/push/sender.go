package push

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/mpegts"
)

// chunkSize is seven TS packets, the usual RTP/MP2T and SRT payload.
const chunkSize = 7 * mpegts.PacketSize

// sendQueue bounds the packets waiting for the network. When full, new
// packets are dropped.
const sendQueue = 1024

// srtLatencyNs is the SRT latency (120ms).
const srtLatencyNs = 120_000_000

// Sender is one forwarding session. Start, AddTrack, AddTrackCompleted
// and InputFrame are called from the stream's owning poller; Close may be
// called from anywhere.
type Sender struct {
	args Args
	log  *slog.Logger
	ssrc uint32

	tracks []*media.Track
	mux    *mpegts.Muxer
	pend   []byte
	seq    uint16

	queue  chan []byte
	done   chan struct{}
	closed sync.Once

	mu      sync.Mutex
	conn    io.WriteCloser
	onClose func(error)
}

// NewSender validates args and creates an unconnected session.
func NewSender(args Args, log *slog.Logger) (*Sender, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		args:  args,
		log:   log.With("component", "push", "ssrc", args.SSRC, "dst", args.Addr(), "transport", string(args.Transport)),
		ssrc:  args.RTPSSRC(),
		seq:   uint16(args.RTPSSRC()),
		queue: make(chan []byte, sendQueue),
		done:  make(chan struct{}),
	}, nil
}

// Args returns the session's target.
func (s *Sender) Args() Args { return s.args }

// Start dials the remote end in the background. cb is called exactly once
// with the local port on success or the dial error.
func (s *Sender) Start(ctx context.Context, cb func(localPort uint16, err error)) {
	go func() {
		conn, port, err := s.dial(ctx)
		if err != nil {
			cb(0, err)
			return
		}
		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			conn.Close()
			cb(0, ErrClosed)
			return
		default:
		}
		s.conn = conn
		s.mu.Unlock()

		go s.writeLoop(conn)
		if s.args.Transport == TransportTCP {
			go s.watchTCP(conn.(net.Conn))
		}
		s.log.Info("push connected", "local_port", port)
		cb(port, nil)
	}()
}

type dialResult struct {
	conn io.WriteCloser
	port uint16
	err  error
}

func (s *Sender) dial(ctx context.Context) (io.WriteCloser, uint16, error) {
	timeout := s.args.timeout()
	ch := make(chan dialResult, 1)
	go func() {
		conn, port, err := s.connect(ctx, timeout)
		ch <- dialResult{conn, port, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, 0, fmt.Errorf("push dial %s: %w", s.args.Addr(), res.err)
		}
		return res.conn, res.port, nil
	case <-timer.C:
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, 0, fmt.Errorf("push dial %s timed out after %s", s.args.Addr(), timeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, 0, ctx.Err()
	}
}

func (s *Sender) connect(ctx context.Context, timeout time.Duration) (io.WriteCloser, uint16, error) {
	switch s.args.Transport {
	case TransportUDP:
		d := net.Dialer{Timeout: timeout, LocalAddr: &net.UDPAddr{Port: int(s.args.SrcPort)}}
		conn, err := d.DialContext(ctx, "udp", s.args.Addr())
		if err != nil {
			return nil, 0, err
		}
		return conn, localPort(conn.LocalAddr()), nil
	case TransportTCP:
		d := net.Dialer{Timeout: timeout}
		if s.args.SrcPort != 0 {
			d.LocalAddr = &net.TCPAddr{Port: int(s.args.SrcPort)}
		}
		conn, err := d.DialContext(ctx, "tcp", s.args.Addr())
		if err != nil {
			return nil, 0, err
		}
		return conn, localPort(conn.LocalAddr()), nil
	case TransportSRT:
		cfg := srtgo.DefaultConfig()
		cfg.Latency = srtLatencyNs
		cfg.StreamID = s.args.StreamID
		conn, err := srtgo.Dial(s.args.Addr(), cfg)
		if err != nil {
			return nil, 0, err
		}
		var port uint16
		if la, ok := any(conn).(interface{ LocalAddr() net.Addr }); ok {
			port = localPort(la.LocalAddr())
		}
		return conn, port, nil
	}
	return nil, 0, ErrUnsupportedTransport
}

func localPort(a net.Addr) uint16 {
	switch v := a.(type) {
	case *net.UDPAddr:
		return uint16(v.Port)
	case *net.TCPAddr:
		return uint16(v.Port)
	}
	return 0
}

// watchTCP reports the remote closing the connection.
func (s *Sender) watchTCP(conn net.Conn) {
	buf := make([]byte, 512)
	for {
		if _, err := conn.Read(buf); err != nil {
			select {
			case <-s.done:
			default:
				s.fail(fmt.Errorf("peer closed: %w", err))
			}
			return
		}
	}
}

func (s *Sender) writeLoop(conn io.Writer) {
	for {
		select {
		case <-s.done:
			return
		case b := <-s.queue:
			if _, err := conn.Write(b); err != nil {
				s.fail(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

// SetOnClose installs the callback fired once when the session stops on
// its own (network failure or peer close). It is not fired by Close.
func (s *Sender) SetOnClose(fn func(error)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

func (s *Sender) fail(err error) {
	fired := false
	s.closed.Do(func() {
		fired = true
		s.shutdown()
	})
	if !fired {
		return
	}
	s.log.Warn("push session failed", "error", err)
	s.mu.Lock()
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// AddTrack registers a track TS can carry.
func (s *Sender) AddTrack(t *media.Track) bool {
	if !mpegts.Supports(t) {
		return false
	}
	s.tracks = append(s.tracks, t)
	return true
}

// AddTrackCompleted prepares the TS muxer.
func (s *Sender) AddTrackCompleted() {
	mux, err := mpegts.NewMuxer(s.tracks)
	if err != nil {
		s.log.Warn("push muxer not created", "error", err)
		return
	}
	tables, err := mux.Tables()
	if err != nil {
		s.log.Warn("push tables failed", "error", err)
		return
	}
	s.mux = mux
	s.pend = tables
}

// InputFrame packetizes a frame and queues it for sending.
func (s *Sender) InputFrame(f *media.Frame) bool {
	if s.mux == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}

	data, err := s.mux.WriteFrame(f)
	if err != nil || data == nil {
		return false
	}
	s.pend = append(s.pend, data...)
	ts := uint32(f.DTS * clockRate / 1000)
	for len(s.pend) >= chunkSize {
		s.send(s.pend[:chunkSize], ts)
		s.pend = s.pend[chunkSize:]
	}
	// A partial chunk is sent as is; frames never wait for the next one.
	if len(s.pend) > 0 {
		s.send(s.pend, ts)
		s.pend = nil
	}
	return true
}

func (s *Sender) send(chunk []byte, ts uint32) {
	var out []byte
	switch s.args.Transport {
	case TransportSRT:
		out = append([]byte(nil), chunk...)
	default:
		s.seq++
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    s.args.payloadType(),
				SequenceNumber: s.seq,
				Timestamp:      ts,
				SSRC:           s.ssrc,
			},
			Payload: chunk,
		}
		b, err := pkt.Marshal()
		if err != nil {
			return
		}
		if s.args.Transport == TransportTCP {
			framed := make([]byte, 2+len(b))
			binary.BigEndian.PutUint16(framed, uint16(len(b)))
			copy(framed[2:], b)
			b = framed
		}
		out = b
	}

	select {
	case s.queue <- out:
	default:
		s.log.Debug("push queue full, dropping packet")
	}
}

// Closed reports whether the session has stopped, by Close or on its own.
func (s *Sender) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close stops the session without firing the close callback.
func (s *Sender) Close() error {
	var err error
	s.closed.Do(func() { err = s.shutdown() })
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Sender) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.done)
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
