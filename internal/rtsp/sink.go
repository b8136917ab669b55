// Package rtsp implements the RTSP streaming sink: frames become RTP
// packets per track, described to players by an SDP.
package rtsp

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/sink"
)

// MTU is the largest RTP packet the sink produces.
const MTU = 1400

// Dynamic payload types.
const (
	ptVideo = 96
	ptAudio = 97
)

type stream struct {
	track
	ssrc       uint32
	base       uint32
	seq        rtp.Sequencer
	packetizer rtp.Packetizer // nil for codecs payloaded by hand
}

// Sink packetizes frames into RTP.
type Sink struct {
	sink.Live
	id  media.StreamID
	log *slog.Logger

	streams [media.NumKinds]*stream
	order   []media.Kind

	mu  sync.RWMutex
	sdp []byte
}

// New creates an RTSP sink for one stream.
func New(id media.StreamID, demand bool, cacheSize int, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	s := &Sink{id: id, log: log.With("component", "rtsp", "stream", id.String())}
	s.Init(s, sink.KindRTSP, demand, cacheSize)
	return s
}

// AddTrack accepts H.264, H.265, AAC, Opus and G.711.
func (s *Sink) AddTrack(t *media.Track) bool {
	st := &stream{ssrc: rand.Uint32(), base: rand.Uint32(), seq: rtp.NewRandomSequencer()}
	st.media = t
	switch t.Codec {
	case media.CodecH264:
		st.pt, st.clockRate = ptVideo, 90000
		st.packetizer = rtp.NewPacketizer(MTU, st.pt, st.ssrc, &codecs.H264Payloader{}, st.seq, st.clockRate)
	case media.CodecH265:
		st.pt, st.clockRate = ptVideo, 90000
		st.packetizer = rtp.NewPacketizer(MTU, st.pt, st.ssrc, &codecs.H265Payloader{}, st.seq, st.clockRate)
	case media.CodecAAC:
		if t.SampleRate <= 0 {
			return false
		}
		st.pt, st.clockRate = ptAudio, uint32(t.SampleRate)
	case media.CodecOpus:
		st.pt, st.clockRate = ptAudio, 48000
		st.packetizer = rtp.NewPacketizer(MTU, st.pt, st.ssrc, &codecs.OpusPayloader{}, st.seq, st.clockRate)
	case media.CodecG711A:
		st.pt, st.clockRate = 8, 8000
		st.packetizer = rtp.NewPacketizer(MTU, st.pt, st.ssrc, &codecs.G711Payloader{}, st.seq, st.clockRate)
	case media.CodecG711U:
		st.pt, st.clockRate = 0, 8000
		st.packetizer = rtp.NewPacketizer(MTU, st.pt, st.ssrc, &codecs.G711Payloader{}, st.seq, st.clockRate)
	default:
		return false
	}
	if s.streams[t.Kind] == nil {
		s.order = append(s.order, t.Kind)
	}
	st.control = fmt.Sprintf("trackID=%d", t.Kind)
	s.streams[t.Kind] = st
	return true
}

// AddTrackCompleted renders the SDP.
func (s *Sink) AddTrackCompleted() {
	tracks := make([]*track, 0, len(s.order))
	for _, k := range s.order {
		tracks = append(tracks, &s.streams[k].track)
	}
	out, err := buildSDP(s.id.Stream, rand.Uint64N(1<<62), tracks)
	if err != nil {
		s.log.Error("build sdp failed", "error", err)
		return
	}
	s.mu.Lock()
	s.sdp = out
	s.mu.Unlock()
	s.log.Debug("sdp ready", "tracks", len(tracks))
}

// SDP returns the session description, or nil before setup completes.
func (s *Sink) SDP() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sdp
}

// SSRC returns the SSRC used for the given track kind, or 0.
func (s *Sink) SSRC(k media.Kind) uint32 {
	if st := s.streams[k]; st != nil {
		return st.ssrc
	}
	return 0
}

// InputFrame packetizes one frame. The first packet of a video keyframe
// is a restart point; for audio-only streams every packet is.
func (s *Sink) InputFrame(f *media.Frame) bool {
	st := s.streams[f.Kind]
	if st == nil || s.SDP() == nil {
		return false
	}
	ts := st.base + uint32(f.PTS*int64(st.clockRate)/1000)

	var pkts []*rtp.Packet
	if st.packetizer != nil {
		pkts = st.packetizer.Packetize(f.Data, 0)
	} else {
		pkts = packetizeAAC(st, f.Data)
	}
	if len(pkts) == 0 {
		return false
	}

	audioOnly := s.streams[media.KindVideo] == nil
	for i, pkt := range pkts {
		pkt.Timestamp = ts
		b, err := pkt.Marshal()
		if err != nil {
			s.log.Warn("marshal rtp failed", "error", err)
			return false
		}
		restart := (f.Kind == media.KindVideo && f.Key && i == 0) || (audioOnly && i == 0)
		s.Publish(sink.Packet{Track: int(f.Kind), DTS: f.DTS, Key: f.Key && i == 0, Data: b}, restart)
	}
	return true
}

// packetizeAAC splits an access unit into RFC 3640 AAC-hbr packets. An
// access unit larger than one packet is fragmented; every fragment carries
// the full AU size.
func packetizeAAC(st *stream, au []byte) []*rtp.Packet {
	const hdrLen = 4
	maxPayload := MTU - 12 - hdrLen
	var pkts []*rtp.Packet
	for off := 0; off < len(au) || off == 0; off += maxPayload {
		end := min(off+maxPayload, len(au))
		payload := make([]byte, hdrLen+end-off)
		payload[0], payload[1] = 0x00, 0x10 // AU-headers-length: 16 bits
		payload[2] = byte(len(au) >> 5)
		payload[3] = byte(len(au)&0x1F) << 3
		copy(payload[hdrLen:], au[off:end])
		pkts = append(pkts, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    st.pt,
				SequenceNumber: st.seq.NextSequenceNumber(),
				SSRC:           st.ssrc,
				Marker:         end == len(au),
			},
			Payload: payload,
		})
		if end == len(au) {
			break
		}
	}
	return pkts
}

// ResetTracks drops the track set, the SDP and cached packets.
func (s *Sink) ResetTracks() {
	s.streams = [media.NumKinds]*stream{}
	s.order = nil
	s.mu.Lock()
	s.sdp = nil
	s.mu.Unlock()
	s.ResetLive()
}
