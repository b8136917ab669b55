package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/fanout/internal/certs"
	"github.com/zsiec/fanout/internal/config"
	"github.com/zsiec/fanout/internal/distribution"
	"github.com/zsiec/fanout/internal/events"
	"github.com/zsiec/fanout/internal/ingest"
	srtingest "github.com/zsiec/fanout/internal/ingest/srt"
	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/muxer"
	"github.com/zsiec/fanout/internal/pipeline"
	"github.com/zsiec/fanout/internal/poller"
	"github.com/zsiec/fanout/internal/stream"
)

// NewServeCommand runs the server.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fan-out server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, slog.Default())
		},
	}
}

type app struct {
	log      *slog.Logger
	mgr      *stream.Manager
	registry *ingest.Registry
	caller   *srtingest.Caller
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	var cert *certs.CertInfo
	if cfg.Server.H3Addr != "" {
		var err error
		cert, err = certs.Load(cfg.Server.CertFile, cfg.Server.KeyFile)
		if err != nil {
			return fmt.Errorf("tls certificate: %w", err)
		}
		log.Info("certificate ready",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
	}

	pool := poller.NewPool(cfg.General.PollerCount, log)
	hub := events.NewHub(log)
	a := &app{
		log: log,
		mgr: stream.NewManager(stream.Options{
			Config: cfg,
			Pool:   pool,
			Hub:    hub,
			Log:    log,
		}),
	}

	log.Info("fanout starting",
		"version", version,
		"srt", cfg.Server.SRTAddr,
		"http", cfg.Server.HTTPAddr,
		"http3", cfg.Server.H3Addr,
		"pollers", pool.Size(),
	)

	g, ctx := errgroup.WithContext(ctx)

	// The registry and caller are built after the errgroup so their
	// closures capture its context.
	a.registry = ingest.NewRegistry(func(s *ingest.Stream, input io.Reader) {
		a.handleNewStream(ctx, s, input)
	})
	a.caller = srtingest.NewCaller(a.registry, cfg.Server.DefaultVhost, log)

	dist, err := distribution.NewServer(distribution.ServerConfig{
		HTTPAddr: cfg.Server.HTTPAddr,
		H3Addr:   cfg.Server.H3Addr,
		Cert:     cert,
		Streams:  a.mgr,
		HLSRoot:  cfg.Protocol.HLSSavePath,
		Pull: func(ctx context.Context, req srtingest.PullRequest) error {
			return a.caller.Pull(ctx, req)
		},
		StopPull:  a.caller.Stop,
		ListPulls: a.caller.ActivePulls,
		Log:       log,
	})
	if err != nil {
		return err
	}

	srtSrv := srtingest.NewServer(cfg.Server.SRTAddr, cfg.Server.DefaultVhost, a.registry, a.lookup, log)

	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return a.mgr.Run(ctx) })
	g.Go(func() error { return srtSrv.Start(ctx) })
	g.Go(func() error { return dist.Start(ctx) })
	g.Go(func() error {
		a.logEvents(ctx, hub)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func (a *app) lookup(id media.StreamID) (*muxer.Muxer, bool) {
	st, ok := a.mgr.Get(id.String())
	if !ok {
		return nil, false
	}
	return st.Muxer, true
}

// handleNewStream runs one ingested stream through its muxer for as long
// as the publisher stays connected.
func (a *app) handleNewStream(ctx context.Context, s *ingest.Stream, input io.Reader) {
	log := a.log.With("stream", s.ID.String())
	log.Info("new stream from ingest", "origin", s.Origin)

	st, created := a.mgr.Create(s.ID)
	if !created {
		log.Warn("rejecting duplicate stream connection")
		a.registry.Unregister(s.ID)
		return
	}
	defer a.mgr.Remove(st.Key)
	if s.Origin != "" {
		st.Muxer.SetOriginURL(s.Origin)
	}

	// An idle stream closed by the manager disconnects its publisher.
	go func() {
		select {
		case <-st.Done():
			a.registry.Unregister(s.ID)
		case <-s.Done():
		}
	}()

	p := pipeline.New(s.ID, input, st.Muxer.Owned(), a.log)
	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("pipeline error", "error", err)
	}
	stats := p.Stats()
	log.Info("stream ended",
		"video_frames", stats.VideoFrames,
		"audio_frames", stats.AudioFrames,
		"dropped", stats.Dropped,
	)
}

func (a *app) logEvents(ctx context.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			switch ev := e.(type) {
			case events.PushStopped:
				a.log.Info("event", "name", ev.Name(), "stream", ev.Stream.String(), "ssrc", ev.SSRC, "error", ev.Err)
			case events.RecordChanged:
				a.log.Info("event", "name", ev.Name(), "stream", ev.Stream.String(), "kind", ev.Kind, "recording", ev.Recording)
			}
		}
	}
}
