package muxer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/fanout/internal/config"
	"github.com/zsiec/fanout/internal/flv"
	"github.com/zsiec/fanout/internal/fmp4"
	"github.com/zsiec/fanout/internal/hls"
	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/mpegts"
	"github.com/zsiec/fanout/internal/record"
	"github.com/zsiec/fanout/internal/rtsp"
	"github.com/zsiec/fanout/internal/sink"
)

// SinkFactory builds the sink of kind k for stream id. Recorder kinds read
// their save path and duration from opt.
type SinkFactory func(k sink.Kind, id media.StreamID, opt config.ProtocolOption) (sink.Sink, error)

// DefaultFactory builds the protocol sinks of this module. cacheSize is the
// packet capacity of each streaming sink's instant-join cache.
func DefaultFactory(cacheSize int, now func() time.Time, log *slog.Logger) SinkFactory {
	if now == nil {
		now = time.Now
	}
	return func(k sink.Kind, id media.StreamID, opt config.ProtocolOption) (sink.Sink, error) {
		switch k {
		case sink.KindRTMP:
			return flv.New(id, opt.RTMPDemand, cacheSize, log), nil
		case sink.KindRTSP:
			return rtsp.New(id, opt.RTSPDemand, cacheSize, log), nil
		case sink.KindTS:
			return mpegts.NewSink(id, opt.TSDemand, cacheSize, log), nil
		case sink.KindFMP4:
			return fmp4.NewSink(id, opt.FMP4Demand, cacheSize, log), nil
		case sink.KindHLS:
			r, err := hls.New(id, hls.Options{
				Root:            opt.HLSSavePath,
				SegmentDuration: opt.HLSSegmentDuration,
				SegmentCount:    opt.HLSSegmentCount,
				Demand:          opt.HLSDemand,
				Now:             now,
				Log:             log,
			})
			if err != nil {
				return nil, err
			}
			return r, nil
		case sink.KindMP4:
			r, err := record.New(id, record.Options{
				Root:      opt.MP4SavePath,
				MaxSecond: opt.MP4MaxSecond,
				Now:       now,
				Log:       log,
			})
			if err != nil {
				return nil, err
			}
			return r, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNoSink, k)
	}
}
