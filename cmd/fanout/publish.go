package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asticode/go-astits"
	"github.com/spf13/cobra"
	srtgo "github.com/zsiec/srtgo"
)

const tsPacketSize = 188

// PublishOptions holds the publish command's flags.
type PublishOptions struct {
	Addr     string
	StreamID string
	Duration time.Duration
	Once     bool
}

// NewPublishCommand loops a TS file into an SRT listener in real time.
func NewPublishCommand() *cobra.Command {
	opts := &PublishOptions{}

	cmd := &cobra.Command{
		Use:   "publish <file.ts>",
		Short: "Publish a TS file over SRT",
		Long: `Publish a TS file to an SRT listener, paced to real time and looped until
interrupted. The pace comes from the file's PTS span unless --duration is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPublish(ctx, args[0], opts, slog.Default())
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:6000", "SRT listener address")
	cmd.Flags().StringVar(&opts.StreamID, "stream-id", "", "SRT stream id (default live/<file name>)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "Known duration of the file")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "Send the file once instead of looping")

	return cmd
}

func runPublish(ctx context.Context, path string, opts *PublishOptions, log *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data)%tsPacketSize != 0 {
		log.Warn("file size is not a multiple of the TS packet size", "size", len(data))
	}

	streamID := opts.StreamID
	if streamID == "" {
		base := filepath.Base(path)
		streamID = "live/" + base[:len(base)-len(filepath.Ext(base))]
	}

	duration := opts.Duration
	if duration <= 0 {
		duration = probeDuration(ctx, data)
	}
	if duration <= 0 {
		duration = time.Minute
	}
	bytesPerSec := float64(len(data)) / duration.Seconds()
	log = log.With("stream_id", streamID, "addr", opts.Addr)
	log.Info("publishing", "file", path, "packets", len(data)/tsPacketSize, "duration", duration, "bytes_per_sec", int(bytesPerSec))

	for {
		cfg := srtgo.DefaultConfig()
		cfg.StreamID = streamID
		conn, err := srtgo.Dial(opts.Addr, cfg)
		if err != nil {
			log.Warn("SRT connect failed, retrying", "error", err)
		} else {
			log.Info("connected")
			err = sendLoop(ctx, conn, data, bytesPerSec, opts.Once, log)
			conn.Close()
			if err == nil || ctx.Err() != nil {
				return nil
			}
			log.Warn("connection lost, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// sendLoop writes data in SRT-sized chunks, pacing against one clock so
// loop boundaries produce no burst.
func sendLoop(ctx context.Context, conn *srtgo.Conn, data []byte, bytesPerSec float64, once bool, log *slog.Logger) error {
	const chunkSize = tsPacketSize * 7
	start := time.Now()
	var sent int64

	for loop := 1; ; loop++ {
		for i := 0; i < len(data); i += chunkSize {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			end := min(i+chunkSize, len(data))
			if _, err := conn.Write(data[i:end]); err != nil {
				return err
			}
			sent += int64(end - i)

			expected := time.Duration(float64(sent) / bytesPerSec * float64(time.Second))
			if wait := expected - time.Since(start); wait > 0 {
				time.Sleep(wait)
			}
		}
		if once {
			return nil
		}
		log.Debug("loop complete", "loop", loop, "sent_mb", float64(sent)/(1024*1024))
	}
}

// probeDuration returns the PTS span of the file's first timed stream.
func probeDuration(ctx context.Context, data []byte) time.Duration {
	dmx := astits.NewDemuxer(ctx, bytes.NewReader(data), astits.DemuxerOptPacketSize(tsPacketSize))
	var pid uint16
	first, last := int64(-1), int64(-1)
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			if ctx.Err() != nil {
				return 0
			}
			continue
		}
		if d.PES == nil || d.PES.Header == nil || d.PES.Header.OptionalHeader == nil || d.PES.Header.OptionalHeader.PTS == nil {
			continue
		}
		if first < 0 {
			pid = d.PID
		}
		if d.PID != pid {
			continue
		}
		pts := d.PES.Header.OptionalHeader.PTS.Base
		if first < 0 {
			first = pts
		}
		last = pts
	}
	if first < 0 || last <= first {
		return 0
	}
	return time.Duration(last-first) * time.Second / 90000
}
