package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/fanout/internal/ingest"
	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/muxer"
	"github.com/zsiec/fanout/internal/sink"
)

// srtReadBufferSize is the read buffer for SRT socket reads.
// 1316 bytes = 7 MPEG-TS packets (188 * 7), the standard SRT payload size.
const srtReadBufferSize = 1316 * 10

// srtPayloadSize bounds each write to a player.
const srtPayloadSize = 1316

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// playQueue is how many TS packets may wait for a slow player before
// packets are dropped.
const playQueue = 512

// Lookup resolves a stream for playback.
type Lookup func(id media.StreamID) (*muxer.Muxer, bool)

// Server accepts incoming SRT connections. Publishers are registered with
// the ingest registry for demuxing; players are fed from the stream's TS
// sink.
type Server struct {
	log          *slog.Logger
	addr         string
	defaultVhost string
	registry     *ingest.Registry
	lookup       Lookup
}

// NewServer creates an SRT server that listens on addr and registers
// incoming streams with the given registry. lookup may be nil, in which
// case play requests are rejected. If log is nil, slog.Default() is used.
func NewServer(addr, defaultVhost string, registry *ingest.Registry, lookup Lookup, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:          log.With("component", "srt-server"),
		addr:         addr,
		defaultVhost: defaultVhost,
		registry:     registry,
		lookup:       lookup,
	}
}

// Start begins accepting SRT connections. It blocks until the context is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		id, mode, ok := ParseStreamID(req.StreamID, s.defaultVhost)
		if !ok {
			return srtgo.RejPeer
		}
		if mode == ModeRequest && !s.playable(id) {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		id, mode, ok := ParseStreamID(conn.StreamID(), s.defaultVhost)
		if !ok {
			conn.Close()
			continue
		}
		if mode == ModeRequest {
			s.log.Info("play", "stream", id.String(), "remote", conn.RemoteAddr())
			go s.handlePlay(ctx, conn, id)
			continue
		}
		s.log.Info("publish", "stream", id.String(), "remote", conn.RemoteAddr())
		go s.handlePublish(ctx, conn, id)
	}
}

func (s *Server) playable(id media.StreamID) bool {
	if s.lookup == nil {
		return false
	}
	_, ok := s.lookup(id)
	return ok
}

func (s *Server) handlePublish(ctx context.Context, conn *srtgo.Conn, id media.StreamID) {
	defer conn.Close()

	stream, writer, ok := s.registry.Register(id, ingest.FormatMPEGTS, "")
	if !ok {
		s.log.Warn("stream already published, rejecting", "stream", id.String())
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	receive(ctx, conn, stream, writer, s.log)

	stats := stream.IngestStats()
	s.registry.Unregister(id)
	s.log.Info("connection closed", "stream", id.String(),
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// receive copies the socket into the ingest pipe until either side ends.
func receive(ctx context.Context, conn io.Reader, stream *ingest.Stream, writer io.Writer, log *slog.Logger) {
	buf := make([]byte, srtReadBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream", stream.ID.String(), "error", err)
			}
			return
		}
		stream.RecordRead(n)
		if _, err := writer.Write(buf[:n]); err != nil {
			log.Debug("pipe write error", "stream", stream.ID.String(), "error", err)
			return
		}
	}
}

func (s *Server) handlePlay(ctx context.Context, conn *srtgo.Conn, id media.StreamID) {
	defer conn.Close()

	mx, ok := s.lookup(id)
	if !ok {
		return
	}
	if err := Play(ctx, mx, conn); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("play ended", "stream", id.String(), "error", err)
	}
	s.log.Info("player left", "stream", id.String(), "remote", conn.RemoteAddr())
}

// Play writes the stream's TS sink to w until ctx ends, w fails, or the
// stream goes away.
func Play(ctx context.Context, mx *muxer.Muxer, w io.Writer) error {
	queue := make(chan []byte, playQueue)
	gone := make(chan struct{})
	rd, err := mx.Attach(sink.KindTS, mx.OwnerPoller(), func(pkt sink.Packet) {
		select {
		case queue <- pkt.Data:
		default:
		}
	})
	if err != nil {
		return err
	}
	rd.SetDetachCB(func() { close(gone) })
	defer rd.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gone:
			return muxer.ErrClosed
		case data := <-queue:
			for len(data) > 0 {
				n := min(len(data), srtPayloadSize)
				if _, err := w.Write(data[:n]); err != nil {
					return err
				}
				data = data[n:]
			}
		}
	}
}
