// Package pipeline demuxes an ingested MPEG-TS byte stream with go-astits
// and feeds the resulting tracks and frames into a fan-out muxer.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/asticode/go-astits"

	"github.com/zsiec/fanout/internal/media"
)

// maxPending is how many frames are held back while waiting for every
// elementary stream in the PMT to yield a track. Past it the stream is
// declared ready with the tracks found so far.
const maxPending = 256

// Target is the muxer surface the pipeline drives.
type Target interface {
	OnTrackReady(t *media.Track) bool
	OnAllTrackReady()
	OnTrackFrame(f *media.Frame) bool
}

// Stats are the pipeline's forwarding counters.
type Stats struct {
	VideoFrames int64 `json:"videoFrames"`
	AudioFrames int64 `json:"audioFrames"`
	Dropped     int64 `json:"dropped"`
}

type elementary struct {
	kind  media.Kind
	codec media.Codec
	track *media.Track
}

// Pipeline bridges a single stream's TS input and its muxer. It is driven
// by Run on one goroutine.
type Pipeline struct {
	log    *slog.Logger
	input  io.Reader
	target Target

	streams map[uint16]*elementary
	ready   bool
	pending []*media.Frame

	videoFrames atomic.Int64
	audioFrames atomic.Int64
	dropped     atomic.Int64
}

// New creates a Pipeline reading TS from input. If log is nil,
// slog.Default() is used.
func New(id media.StreamID, input io.Reader, target Target, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:     log.With("component", "pipeline", "stream", id.String()),
		input:   input,
		target:  target,
		streams: make(map[uint16]*elementary),
	}
}

// Stats returns a snapshot of the forwarding counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		VideoFrames: p.videoFrames.Load(),
		AudioFrames: p.audioFrames.Load(),
		Dropped:     p.dropped.Load(),
	}
}

// Run demuxes until the input ends or ctx is cancelled. A clean end of
// input returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	dmx := astits.NewDemuxer(ctx, p.input, astits.DemuxerOptPacketSize(188))
	defer p.finish()

	for {
		data, err := dmx.NextData()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			p.log.Debug("skipping corrupt packet", "error", err)
			continue
		}

		if data.PMT != nil {
			p.handlePMT(data.PMT)
			continue
		}
		if data.PES == nil || len(data.PES.Data) == 0 {
			continue
		}
		es, ok := p.streams[data.PID]
		if !ok {
			continue
		}
		switch es.kind {
		case media.KindVideo:
			p.handleVideo(es, data.PES)
		case media.KindAudio:
			p.handleAudio(es, data.PES)
		}
	}
}

// finish declares the stream ready if input ended before every track was
// found, so that the frames already seen are not lost.
func (p *Pipeline) finish() {
	if !p.ready && p.haveTrack() {
		p.markReady()
	}
}

func (p *Pipeline) handlePMT(pmt *astits.PMTData) {
	for _, es := range pmt.ElementaryStreams {
		if _, exists := p.streams[es.ElementaryPID]; exists {
			continue
		}
		e := &elementary{}
		switch es.StreamType {
		case astits.StreamTypeH264Video:
			e.kind, e.codec = media.KindVideo, media.CodecH264
		case astits.StreamTypeH265Video:
			e.kind, e.codec = media.KindVideo, media.CodecH265
		case astits.StreamTypeAACAudio:
			e.kind, e.codec = media.KindAudio, media.CodecAAC
		default:
			p.log.Debug("ignoring elementary stream", "pid", es.ElementaryPID, "type", es.StreamType)
			continue
		}
		if p.hasKind(e.kind) {
			continue
		}
		p.streams[es.ElementaryPID] = e
		p.log.Info("found elementary stream", "pid", es.ElementaryPID, "codec", e.codec)
	}
}

func (p *Pipeline) hasKind(k media.Kind) bool {
	for _, e := range p.streams {
		if e.kind == k {
			return true
		}
	}
	return false
}

func (p *Pipeline) haveTrack() bool {
	for _, e := range p.streams {
		if e.track != nil {
			return true
		}
	}
	return false
}

func stamps(pes *astits.PESData) (dts, pts int64) {
	if pes.Header == nil || pes.Header.OptionalHeader == nil {
		return 0, 0
	}
	oh := pes.Header.OptionalHeader
	if oh.PTS != nil {
		pts = oh.PTS.Base / 90
	}
	dts = pts
	if oh.DTS != nil {
		dts = oh.DTS.Base / 90
	}
	return dts, pts
}

func (p *Pipeline) handleVideo(es *elementary, pes *astits.PESData) {
	dts, pts := stamps(pes)

	var nalus [][]byte
	key, config := false, false
	for _, nalu := range media.SplitAnnexB(pes.Data) {
		if len(nalu) == 0 || isFiller(es.codec, nalu) {
			continue
		}
		if media.IsRandomAccess(es.codec, nalu) {
			key = true
		}
		if media.IsParameterSet(es.codec, nalu) {
			config = true
		}
		nalus = append(nalus, nalu)
	}
	if len(nalus) == 0 {
		return
	}
	au := media.JoinAnnexB(nalus)

	if es.track == nil {
		if !config {
			p.dropped.Add(1)
			return
		}
		vps, sps, pps := media.ParameterSets(es.codec, au)
		t := media.VideoTrack(es.codec, vps, sps, pps)
		if !t.Ready() {
			p.dropped.Add(1)
			return
		}
		p.addTrack(es, t)
	}

	p.emit(&media.Frame{
		Kind:   media.KindVideo,
		Codec:  es.codec,
		DTS:    dts,
		PTS:    pts,
		Key:    key,
		Config: config,
		Data:   au,
	})
}

func (p *Pipeline) handleAudio(es *elementary, pes *astits.PESData) {
	_, pts := stamps(pes)

	frames, err := media.ParseADTS(pes.Data)
	if err != nil {
		p.log.Warn("failed to parse ADTS", "error", err)
		return
	}
	for i, aac := range frames {
		if es.track == nil {
			t, err := media.AACTrack(aac.SampleRate, aac.Channels)
			if err != nil {
				p.log.Warn("bad AAC parameters", "error", err)
				return
			}
			p.addTrack(es, t)
		}
		stamp := pts
		if aac.SampleRate > 0 {
			stamp += int64(i) * 1024 * 1000 / int64(aac.SampleRate)
		}
		p.emit(&media.Frame{
			Kind:  media.KindAudio,
			Codec: media.CodecAAC,
			DTS:   stamp,
			PTS:   stamp,
			Key:   true,
			Data:  aac.AU,
		})
	}
}

func (p *Pipeline) addTrack(es *elementary, t *media.Track) {
	es.track = t
	if p.ready {
		// Tracks are fixed once the muxer is ready.
		return
	}
	if !p.target.OnTrackReady(t) {
		p.log.Warn("track rejected", "track", t.String())
	}
	for _, e := range p.streams {
		if e.track == nil {
			return
		}
	}
	p.markReady()
}

func (p *Pipeline) markReady() {
	p.ready = true
	for _, e := range p.streams {
		if e.track == nil {
			p.log.Info("elementary stream produced no track", "codec", e.codec)
		}
	}
	p.target.OnAllTrackReady()
	for _, f := range p.pending {
		p.forward(f)
	}
	p.pending = nil
}

func (p *Pipeline) emit(f *media.Frame) {
	if p.ready {
		p.forward(f)
		return
	}
	p.pending = append(p.pending, f)
	if len(p.pending) >= maxPending {
		p.markReady()
	}
}

func (p *Pipeline) forward(f *media.Frame) {
	if !p.target.OnTrackFrame(f) {
		p.dropped.Add(1)
		return
	}
	switch f.Kind {
	case media.KindVideo:
		p.videoFrames.Add(1)
	case media.KindAudio:
		p.audioFrames.Add(1)
	}
}

// isFiller reports access unit delimiters and filler data, which no sink
// needs.
func isFiller(codec media.Codec, nalu []byte) bool {
	switch codec {
	case media.CodecH264:
		switch nalu[0] & 0x1F {
		case 9, 12:
			return true
		}
	case media.CodecH265:
		switch (nalu[0] >> 1) & 0x3F {
		case 35, 38:
			return true
		}
	}
	return false
}
