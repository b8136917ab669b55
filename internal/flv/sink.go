// Package flv implements the RTMP streaming sink. Frames are framed as FLV
// tags, which is both the RTMP message payload and the HTTP-FLV body.
package flv

import (
	"log/slog"

	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/sink"
)

const (
	trackVideo = 0
	trackAudio = 1
)

// Sink turns frames into FLV tags and fans them out to readers.
type Sink struct {
	sink.Live
	log *slog.Logger

	video *media.Track
	audio *media.Track
	ready bool
}

// New creates an RTMP sink for one stream.
func New(id media.StreamID, demand bool, cacheSize int, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	s := &Sink{log: log.With("component", "flv", "stream", id.String())}
	s.Init(s, sink.KindRTMP, demand, cacheSize)
	return s
}

// AddTrack accepts H.264, H.265, AAC and G.711 tracks.
func (s *Sink) AddTrack(t *media.Track) bool {
	switch t.Kind {
	case media.KindVideo:
		if t.Codec != media.CodecH264 && t.Codec != media.CodecH265 {
			return false
		}
		s.video = t
		return true
	case media.KindAudio:
		switch t.Codec {
		case media.CodecAAC, media.CodecG711A, media.CodecG711U:
			s.audio = t
			return true
		}
	}
	return false
}

// AddTrackCompleted builds the header every reader receives first: the
// FLV file header and a sequence header per track.
func (s *Sink) AddTrackCompleted() {
	hdr := []sink.Packet{{Track: -1, Data: FileHeader(s.video != nil, s.audio != nil)}}
	if seq := s.videoSequenceHeader(); seq != nil {
		hdr = append(hdr, sink.Packet{Track: trackVideo, Key: true, Data: seq})
	}
	if s.audio != nil && s.audio.Codec == media.CodecAAC {
		if conf := aacConfig(s.audio); conf != nil {
			hdr = append(hdr, sink.Packet{Track: trackAudio, Data: Tag(TagAudio, 0, AACBody(true, conf))})
		}
	}
	s.SetHeader(hdr...)
	s.ready = true
	s.log.Debug("flv header built", "packets", len(hdr))
}

func (s *Sink) videoSequenceHeader() []byte {
	if s.video == nil {
		return nil
	}
	var conf []byte
	codecID := byte(codecAVC)
	switch s.video.Codec {
	case media.CodecH264:
		conf = AVCDecoderConfig(s.video.SPS, s.video.PPS)
	case media.CodecH265:
		codecID = codecHEVC
		conf = HEVCDecoderConfig(s.video.VPS, s.video.SPS, s.video.PPS)
	}
	if conf == nil {
		return nil
	}
	return Tag(TagVideo, 0, VideoBody(codecID, true, true, 0, conf))
}

func aacConfig(t *media.Track) []byte {
	if len(t.Config) > 0 {
		return t.Config
	}
	conf, err := t.AudioSpecificConfig()
	if err != nil {
		return nil
	}
	b, err := conf.Marshal()
	if err != nil {
		return nil
	}
	return b
}

// InputFrame converts one frame into an FLV tag. Parameter sets travel in
// the sequence header, so config-only video frames are dropped.
func (s *Sink) InputFrame(f *media.Frame) bool {
	if !s.ready {
		return false
	}
	switch f.Kind {
	case media.KindVideo:
		if s.video == nil {
			return false
		}
		var nalus [][]byte
		for _, n := range media.SplitAnnexB(f.Data) {
			if !media.IsParameterSet(f.Codec, n) {
				nalus = append(nalus, n)
			}
		}
		if len(nalus) == 0 {
			return false
		}
		codecID := byte(codecAVC)
		if f.Codec == media.CodecH265 {
			codecID = codecHEVC
		}
		body := VideoBody(codecID, f.Key, false, f.CompositionOffset(), media.AVCC(nalus))
		s.Publish(sink.Packet{Track: trackVideo, DTS: f.DTS, Key: f.Key, Data: Tag(TagVideo, f.DTS, body)}, f.Key)
		return true

	case media.KindAudio:
		if s.audio == nil {
			return false
		}
		var body []byte
		switch s.audio.Codec {
		case media.CodecAAC:
			body = AACBody(false, f.Data)
		case media.CodecG711A:
			body = G711Body(7, f.Data)
		case media.CodecG711U:
			body = G711Body(8, f.Data)
		}
		s.Publish(sink.Packet{Track: trackAudio, DTS: f.DTS, Data: Tag(TagAudio, f.DTS, body)}, s.video == nil)
		return true
	}
	return false
}

// ResetTracks forgets the track set and drops cached tags.
func (s *Sink) ResetTracks() {
	s.video = nil
	s.audio = nil
	s.ready = false
	s.ResetLive()
}
