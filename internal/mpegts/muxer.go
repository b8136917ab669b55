// Package mpegts packetizes frames into an MPEG transport stream with
// go-astits and provides the TS streaming sink built on it.
package mpegts

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astits"

	"github.com/zsiec/fanout/internal/media"
)

// Elementary PIDs assigned by the muxer.
const (
	PIDVideo uint16 = 0x100
	PIDAudio uint16 = 0x101
)

// PacketSize is the size of one transport stream packet.
const PacketSize = 188

// ErrUnsupportedCodec is returned for tracks TS cannot carry.
var ErrUnsupportedCodec = errors.New("mpegts: unsupported codec")

type esTrack struct {
	track    *media.Track
	pid      uint16
	streamID uint8
	profile  int
}

// Muxer turns frames into TS packets. Each call returns the bytes it
// produced; the muxer keeps continuity counters across calls. Not safe for
// concurrent use.
type Muxer struct {
	buf    bytes.Buffer
	mux    *astits.Muxer
	tracks [media.NumKinds]*esTrack
}

// NewMuxer creates a muxer for the given tracks. Tracks with a codec TS
// cannot carry are skipped; an error is returned only if none remain.
func NewMuxer(tracks []*media.Track) (*Muxer, error) {
	m := &Muxer{}
	m.mux = astits.NewMuxer(context.Background(), &m.buf)

	var pcrPID uint16
	for _, t := range tracks {
		es, st, err := esFor(t)
		if err != nil {
			continue
		}
		if err := m.mux.AddElementaryStream(astits.PMTElementaryStream{
			ElementaryPID: es.pid,
			StreamType:    st,
		}); err != nil {
			return nil, fmt.Errorf("add elementary stream %s: %w", t.Codec, err)
		}
		m.tracks[t.Kind] = es
		if t.Kind == media.KindVideo || pcrPID == 0 {
			pcrPID = es.pid
		}
	}
	if pcrPID == 0 {
		return nil, ErrUnsupportedCodec
	}
	m.mux.SetPCRPID(pcrPID)
	return m, nil
}

func esFor(t *media.Track) (*esTrack, astits.StreamType, error) {
	switch t.Codec {
	case media.CodecH264:
		return &esTrack{track: t, pid: PIDVideo, streamID: 0xE0}, astits.StreamTypeH264Video, nil
	case media.CodecH265:
		return &esTrack{track: t, pid: PIDVideo, streamID: 0xE0}, astits.StreamTypeH265Video, nil
	case media.CodecAAC:
		profile := 1
		if asc, err := t.AudioSpecificConfig(); err == nil && asc.Type > 0 {
			profile = int(asc.Type) - 1
		}
		return &esTrack{track: t, pid: PIDAudio, streamID: 0xC0, profile: profile}, astits.StreamTypeAACAudio, nil
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedCodec, t.Codec)
}

// Supports reports whether TS can carry the track.
func Supports(t *media.Track) bool {
	_, _, err := esFor(t)
	return err == nil
}

// HasVideo reports whether a video elementary stream was registered.
func (m *Muxer) HasVideo() bool { return m.tracks[media.KindVideo] != nil }

// Tables returns a PAT followed by a PMT.
func (m *Muxer) Tables() ([]byte, error) {
	if _, err := m.mux.WriteTables(); err != nil {
		return nil, fmt.Errorf("write tables: %w", err)
	}
	return m.take(), nil
}

// WriteFrame packetizes one frame. Keyframes on the PCR stream are
// preceded by fresh tables. A frame for an unregistered kind returns nil.
func (m *Muxer) WriteFrame(f *media.Frame) ([]byte, error) {
	es := m.tracks[f.Kind]
	if es == nil {
		return nil, nil
	}

	data := f.Data
	if f.Kind == media.KindAudio {
		hdr, err := media.ADTSHeader(es.profile, es.track.SampleRate, es.track.Channels, len(f.Data))
		if err != nil {
			return nil, err
		}
		data = append(hdr, f.Data...)
	}

	dts := f.DTS * 90
	pts := f.PTS * 90
	oh := &astits.PESOptionalHeader{
		MarkerBits:      2,
		PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
		PTS:             &astits.ClockReference{Base: pts},
	}
	if f.Kind == media.KindVideo && pts != dts {
		oh.PTSDTSIndicator = astits.PTSDTSIndicatorBothPresent
		oh.DTS = &astits.ClockReference{Base: dts}
	}

	isPCR := es.pid == m.pcrPID()
	var af *astits.PacketAdaptationField
	if isPCR {
		af = &astits.PacketAdaptationField{
			HasPCR: true,
			PCR:    &astits.ClockReference{Base: dts},
		}
		if f.Key || f.Kind == media.KindAudio {
			af.RandomAccessIndicator = true
		}
	}

	if _, err := m.mux.WriteData(&astits.MuxerData{
		PID:             es.pid,
		AdaptationField: af,
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				StreamID:       es.streamID,
				OptionalHeader: oh,
			},
			Data: data,
		},
	}); err != nil {
		return nil, fmt.Errorf("write pes: %w", err)
	}
	return m.take(), nil
}

func (m *Muxer) pcrPID() uint16 {
	if v := m.tracks[media.KindVideo]; v != nil {
		return v.pid
	}
	if a := m.tracks[media.KindAudio]; a != nil {
		return a.pid
	}
	return 0
}

func (m *Muxer) take() []byte {
	out := make([]byte, m.buf.Len())
	copy(out, m.buf.Bytes())
	m.buf.Reset()
	return out
}
