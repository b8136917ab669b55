package fmp4

import (
	"log/slog"

	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/sink"
)

// Sink is the fMP4 streaming sink (HTTP-fMP4 and WebSocket-style
// playback). Readers receive the init segment, then fragments.
type Sink struct {
	sink.Live
	log *slog.Logger

	tracks []*media.Track
	frag   *Fragmenter
}

// NewSink creates an fMP4 sink for one stream.
func NewSink(id media.StreamID, demand bool, cacheSize int, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	s := &Sink{log: log.With("component", "fmp4", "stream", id.String())}
	s.Init(s, sink.KindFMP4, demand, cacheSize)
	return s
}

// AddTrack accepts H.264, H.265, AAC and Opus.
func (s *Sink) AddTrack(t *media.Track) bool {
	if !Supports(t) {
		return false
	}
	s.tracks = append(s.tracks, t)
	return true
}

// AddTrackCompleted builds the init segment.
func (s *Sink) AddTrackCompleted() {
	frag, err := NewFragmenter(s.tracks)
	if err != nil {
		s.log.Warn("fmp4 fragmenter not created", "error", err)
		return
	}
	init, err := frag.Init()
	if err != nil {
		s.log.Warn("fmp4 init segment failed", "error", err)
		return
	}
	s.frag = frag
	s.SetHeader(sink.Packet{Track: -1, Data: init})
}

// InputFrame fragments one frame.
func (s *Sink) InputFrame(f *media.Frame) bool {
	if s.frag == nil {
		return false
	}
	data, err := s.frag.Fragment(f)
	if err != nil {
		s.log.Debug("fmp4 fragment failed", "error", err)
		return false
	}
	if data == nil {
		return false
	}
	restart := !s.frag.HasVideo() || (f.Kind == media.KindVideo && f.Key)
	s.Publish(sink.Packet{Track: int(f.Kind), DTS: f.DTS, Key: f.Key, Data: data}, restart)
	return true
}

// ResetTracks drops the fragmenter and cached fragments.
func (s *Sink) ResetTracks() {
	s.tracks = nil
	s.frag = nil
	s.ResetLive()
}
