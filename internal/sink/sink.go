// Package sink defines the contract every protocol muxer and recorder
// fulfils so the fan-out muxer can drive them uniformly.
package sink

import (
	"strings"

	"github.com/zsiec/fanout/internal/media"
)

// Kind identifies a sink slot in the muxer's sink table.
type Kind int

// Sink kinds. Streaming kinds are built once with the muxer; recorder
// kinds come and go through SetupRecord.
const (
	KindRTMP Kind = iota
	KindRTSP
	KindTS
	KindFMP4
	KindHLS
	KindMP4
	NumKinds
)

var kindNames = [NumKinds]string{
	KindRTMP: "rtmp",
	KindRTSP: "rtsp",
	KindTS:   "ts",
	KindFMP4: "fmp4",
	KindHLS:  "hls",
	KindMP4:  "mp4",
}

func (k Kind) String() string {
	if k < 0 || k >= NumKinds {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind maps a name such as "hls" to its Kind.
func ParseKind(s string) (Kind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return 0, false
}

// IsRecorder reports whether k is started and stopped on demand.
func (k Kind) IsRecorder() bool {
	return k == KindHLS || k == KindMP4
}

// Sink consumes the track and frame stream of one muxer. All methods
// except ReaderCount and IsEnabled are called from the muxer's owning
// poller.
type Sink interface {
	Kind() Kind

	// AddTrack registers one track during setup. It returns false if the
	// sink cannot carry the codec.
	AddTrack(t *media.Track) bool
	// AddTrackCompleted ends setup; frames may follow.
	AddTrackCompleted()
	// InputFrame consumes one frame and reports whether it was accepted.
	InputFrame(f *media.Frame) bool
	// ResetTracks forgets the track set so setup can start again.
	ResetTracks()

	ReaderCount() int
	// IsEnabled reports whether the sink wants frames right now.
	IsEnabled() bool

	SetListener(l Listener)
	Close() error
}

// Listener receives a sink's upstream events. The muxer installs itself
// as the listener of each sink it owns; sinks keep only this reference.
type Listener interface {
	OnReaderChanged(s Sink, count int)
}

// Packet is one encoded unit produced by a streaming sink: an FLV tag,
// a run of TS packets, an fMP4 fragment or an RTP packet.
type Packet struct {
	Track int
	DTS   int64
	Key   bool
	Data  []byte
}
