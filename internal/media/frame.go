// Package media defines the track and frame types that flow from an
// upstream source through the fan-out muxer into every protocol sink.
package media

import (
	"fmt"
	"math"
	"strings"
)

// Kind is the elementary stream type carried by a track or frame.
type Kind int

// Track kinds. The numeric values index per-kind tables such as the
// timestamp revisers, so they must stay dense.
const (
	KindVideo Kind = iota
	KindAudio
	NumKinds
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Codec identifies the encoding of an elementary stream.
type Codec string

// Codecs understood by the sinks. Unknown codecs still flow through the
// muxer; sinks that cannot carry them reject the track.
const (
	CodecH264  Codec = "H264"
	CodecH265  Codec = "H265"
	CodecAAC   Codec = "AAC"
	CodecOpus  Codec = "Opus"
	CodecG711A Codec = "PCMA"
	CodecG711U Codec = "PCMU"
)

// StreamID is the immutable identity of a stream.
type StreamID struct {
	Vhost  string
	App    string
	Stream string
}

// String returns the vhost/app/stream form used as the stream's short URL.
func (id StreamID) String() string {
	return id.Vhost + "/" + id.App + "/" + id.Stream
}

// Track describes one elementary stream. Tracks are immutable once they
// have been handed to the muxer; producers that learn new parameters build
// a new Track.
type Track struct {
	Kind  Kind
	Codec Codec

	// Video parameters. SPS, PPS and VPS are raw NAL units without start
	// codes.
	Width  int
	Height int
	FPS    float64
	SPS    []byte
	PPS    []byte
	VPS    []byte

	// Audio parameters. Config holds the codec-specific configuration
	// (AudioSpecificConfig for AAC).
	SampleRate int
	Channels   int
	SampleBits int
	Config     []byte
}

// Ready reports whether the track carries enough parameters for a sink to
// build its headers.
func (t *Track) Ready() bool {
	switch t.Kind {
	case KindVideo:
		switch t.Codec {
		case CodecH264:
			return len(t.SPS) > 0 && len(t.PPS) > 0
		case CodecH265:
			return len(t.VPS) > 0 && len(t.SPS) > 0 && len(t.PPS) > 0
		}
		return true
	case KindAudio:
		return t.SampleRate > 0
	}
	return false
}

// String returns the codec followed by its kind-specific parameters, for
// example "H264[1920/1080/30]" or "AAC[48000/2/16]".
func (t *Track) String() string {
	switch t.Kind {
	case KindVideo:
		return fmt.Sprintf("%s[%d/%d/%d]", t.Codec, t.Width, t.Height, int(math.Round(t.FPS)))
	case KindAudio:
		return fmt.Sprintf("%s[%d/%d/%d]", t.Codec, t.SampleRate, t.Channels, t.SampleBits)
	}
	return string(t.Codec)
}

// Summary joins the description of every track into the one-line codec
// summary logged when a stream becomes ready.
func Summary(tracks []*Track) string {
	var b strings.Builder
	for _, t := range tracks {
		b.WriteString(t.String())
		b.WriteByte(' ')
	}
	return b.String()
}

// Frame is one encoded access unit. Video data is Annex B (start code
// prefixed NAL units); audio data is a raw access unit without any
// transport header. Timestamps are in milliseconds.
//
// Frames are shared read-only between every sink and the GOP cache.
// Anything that needs different timestamps works on a copy.
type Frame struct {
	Kind   Kind
	Codec  Codec
	DTS    int64
	PTS    int64
	Key    bool
	Config bool
	Data   []byte
}

// WithStamp returns a shallow copy of f carrying the given timestamps.
func (f *Frame) WithStamp(dts, pts int64) *Frame {
	c := *f
	c.DTS = dts
	c.PTS = pts
	return &c
}

// CompositionOffset returns PTS-DTS, clamped to zero.
func (f *Frame) CompositionOffset() int64 {
	if f.PTS < f.DTS {
		return 0
	}
	return f.PTS - f.DTS
}
