// Package fmp4 builds fragmented MP4 with mediacommon: an init segment per
// track set and one fragment per frame. The streaming sink and the MP4
// recorder both use it.
package fmp4

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/fanout/internal/media"
)

// ErrNoTracks is returned when none of the tracks can be carried in MP4.
var ErrNoTracks = errors.New("fmp4: no supported tracks")

const videoTimeScale = 90000

type fragTrack struct {
	id        int
	timeScale uint32
	codec     mp4.Codec
	lastDTS   int64
	started   bool
	defDur    uint32
}

// Fragmenter converts frames to fMP4 fragments. Not safe for concurrent
// use.
type Fragmenter struct {
	tracks [media.NumKinds]*fragTrack
	seq    uint32
}

// NewFragmenter prepares a fragmenter for the given tracks. Tracks whose
// codec MP4 cannot carry are skipped.
func NewFragmenter(tracks []*media.Track) (*Fragmenter, error) {
	f := &Fragmenter{seq: 1}
	for _, t := range tracks {
		ft := codecFor(t)
		if ft == nil {
			continue
		}
		ft.id = int(t.Kind) + 1
		f.tracks[t.Kind] = ft
	}
	if f.tracks[media.KindVideo] == nil && f.tracks[media.KindAudio] == nil {
		return nil, ErrNoTracks
	}
	return f, nil
}

func codecFor(t *media.Track) *fragTrack {
	switch t.Codec {
	case media.CodecH264:
		return &fragTrack{timeScale: videoTimeScale, defDur: videoTimeScale / 25,
			codec: &mp4.CodecH264{SPS: t.SPS, PPS: t.PPS}}
	case media.CodecH265:
		return &fragTrack{timeScale: videoTimeScale, defDur: videoTimeScale / 25,
			codec: &mp4.CodecH265{VPS: t.VPS, SPS: t.SPS, PPS: t.PPS}}
	case media.CodecAAC:
		conf, err := t.AudioSpecificConfig()
		if err != nil || conf.SampleRate <= 0 {
			return nil
		}
		return &fragTrack{timeScale: uint32(conf.SampleRate), defDur: 1024,
			codec: &mp4.CodecMPEG4Audio{Config: conf}}
	case media.CodecOpus:
		return &fragTrack{timeScale: 48000, defDur: 960,
			codec: &mp4.CodecOpus{ChannelCount: max(t.Channels, 1)}}
	}
	return nil
}

// Supports reports whether MP4 can carry the track.
func Supports(t *media.Track) bool { return codecFor(t) != nil }

// HasVideo reports whether a video track was registered.
func (f *Fragmenter) HasVideo() bool { return f.tracks[media.KindVideo] != nil }

// Init returns the initialization segment (ftyp + moov).
func (f *Fragmenter) Init() ([]byte, error) {
	init := &fmp4.Init{}
	for _, ft := range f.tracks {
		if ft == nil {
			continue
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        ft.id,
			TimeScale: ft.timeScale,
			Codec:     ft.codec,
		})
	}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshal init segment: %w", err)
	}
	return buf.Bytes(), nil
}

// Fragment returns one moof+mdat holding the frame, or nil for a frame of
// an unregistered kind or a video frame carrying only parameter sets.
func (f *Fragmenter) Fragment(fr *media.Frame) ([]byte, error) {
	ft := f.tracks[fr.Kind]
	if ft == nil {
		return nil, nil
	}

	payload := fr.Data
	if fr.Kind == media.KindVideo {
		var nalus [][]byte
		for _, n := range media.SplitAnnexB(fr.Data) {
			if !media.IsParameterSet(fr.Codec, n) {
				nalus = append(nalus, n)
			}
		}
		if len(nalus) == 0 {
			return nil, nil
		}
		payload = media.AVCC(nalus)
	}

	dts := fr.DTS * int64(ft.timeScale) / 1000
	dur := ft.defDur
	if ft.started && dts > ft.lastDTS {
		dur = uint32(dts - ft.lastDTS)
	}
	ft.started = true
	ft.lastDTS = dts

	sample := &fmp4.Sample{
		Duration:        dur,
		PTSOffset:       int32(fr.CompositionOffset() * int64(ft.timeScale) / 1000),
		IsNonSyncSample: fr.Kind == media.KindVideo && !fr.Key,
		Payload:         payload,
	}
	part := &fmp4.Part{
		SequenceNumber: f.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       ft.id,
			BaseTime: uint64(max(dts, 0)),
			Samples:  []*fmp4.Sample{sample},
		}},
	}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshal fragment: %w", err)
	}
	f.seq++
	return buf.Bytes(), nil
}
