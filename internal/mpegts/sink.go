package mpegts

import (
	"log/slog"

	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/sink"
)

// Sink is the TS streaming sink (HTTP-TS playback).
type Sink struct {
	sink.Live
	log *slog.Logger

	tracks []*media.Track
	mux    *Muxer
}

// NewSink creates a TS sink for one stream.
func NewSink(id media.StreamID, demand bool, cacheSize int, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	s := &Sink{log: log.With("component", "ts", "stream", id.String())}
	s.Init(s, sink.KindTS, demand, cacheSize)
	return s
}

// AddTrack accepts H.264, H.265 and AAC.
func (s *Sink) AddTrack(t *media.Track) bool {
	if !Supports(t) {
		return false
	}
	s.tracks = append(s.tracks, t)
	return true
}

// AddTrackCompleted creates the muxer and publishes PAT/PMT as the reader
// header.
func (s *Sink) AddTrackCompleted() {
	mux, err := NewMuxer(s.tracks)
	if err != nil {
		s.log.Warn("ts muxer not created", "error", err)
		return
	}
	tables, err := mux.Tables()
	if err != nil {
		s.log.Warn("ts tables failed", "error", err)
		return
	}
	s.mux = mux
	s.SetHeader(sink.Packet{Track: -1, Data: tables})
}

// InputFrame packetizes one frame.
func (s *Sink) InputFrame(f *media.Frame) bool {
	if s.mux == nil {
		return false
	}
	data, err := s.mux.WriteFrame(f)
	if err != nil {
		s.log.Debug("ts write failed", "error", err)
		return false
	}
	if data == nil {
		return false
	}
	restart := f.Key && f.Kind == media.KindVideo
	if !s.mux.HasVideo() {
		restart = true
	}
	s.Publish(sink.Packet{Track: int(f.Kind), DTS: f.DTS, Key: f.Key, Data: data}, restart)
	return true
}

// ResetTracks drops the muxer and cached packets.
func (s *Sink) ResetTracks() {
	s.tracks = nil
	s.mux = nil
	s.ResetLive()
}
