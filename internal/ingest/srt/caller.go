package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/fanout/internal/ingest"
	"github.com/zsiec/fanout/internal/media"
)

// dialTimeout bounds the SRT handshake of a pull.
const dialTimeout = 10 * time.Second

// PullRequest describes a remote SRT source to pull from and the local
// stream it becomes.
type PullRequest struct {
	Address string `json:"address"`
	// RemoteID is the stream id sent to the remote listener. It defaults
	// to app/stream.
	RemoteID string `json:"remoteId,omitempty"`
	Vhost    string `json:"vhost,omitempty"`
	App      string `json:"app"`
	Stream   string `json:"stream"`
}

// ID returns the local stream identity.
func (r PullRequest) ID(defaultVhost string) media.StreamID {
	id := media.StreamID{Vhost: r.Vhost, App: r.App, Stream: r.Stream}
	if id.Vhost == "" {
		id.Vhost = defaultVhost
	}
	if id.App == "" {
		id.App = DefaultApp
	}
	return id
}

func (r PullRequest) remoteID() string {
	if r.RemoteID != "" {
		return r.RemoteID
	}
	app := r.App
	if app == "" {
		app = DefaultApp
	}
	return app + "/" + r.Stream
}

// Origin returns the srt:// URL of the source.
func (r PullRequest) Origin() string {
	u := url.URL{Scheme: "srt", Host: r.Address, RawQuery: url.Values{"streamid": {r.remoteID()}}.Encode()}
	return u.String()
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller manages SRT pull connections, dialing remote SRT sources and
// streaming their data into the ingest registry.
type Caller struct {
	log          *slog.Logger
	registry     *ingest.Registry
	defaultVhost string

	mu    sync.Mutex
	pulls map[media.StreamID]*activePull
}

// NewCaller returns a Caller publishing pulled streams into registry under
// defaultVhost when a request names none. A nil log means slog.Default().
func NewCaller(registry *ingest.Registry, defaultVhost string, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:          log.With("component", "srt-caller"),
		registry:     registry,
		defaultVhost: defaultVhost,
		pulls:        make(map[media.StreamID]*activePull),
	}
}

// Pull connects to req.Address and returns once the handshake succeeds
// or fails. The stream then runs on its own goroutine until Stop or the
// remote end closes.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return errors.New("address is required")
	}
	if req.Stream == "" {
		return errors.New("stream is required")
	}
	id := req.ID(c.defaultVhost)

	c.mu.Lock()
	if _, exists := c.pulls[id]; exists {
		c.mu.Unlock()
		return fmt.Errorf("pull already active for %s", id)
	}
	c.mu.Unlock()

	c.log.Info("dialing", "address", req.Address, "stream", id.String())

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = req.remoteID()

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return c.startStreaming(ctx, req, id, res.conn)
	case <-timer.C:
		drain()
		return fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		drain()
		return ctx.Err()
	}
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, id media.StreamID, conn *srtgo.Conn) error {
	c.mu.Lock()
	if _, exists := c.pulls[id]; exists {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("pull already active for %s", id)
	}
	stream, writer, ok := c.registry.Register(id, ingest.FormatMPEGTS, req.Origin())
	if !ok {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("stream %s is already being ingested", id)
	}
	// The pull outlives the request that started it.
	pullCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.pulls[id] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "stream", id.String())
	stream.SetRemoteAddr(req.Address)

	go func() {
		defer func() {
			conn.Close()
			stats := stream.IngestStats()
			c.registry.Unregister(id)
			c.mu.Lock()
			delete(c.pulls, id)
			c.mu.Unlock()
			cancel()
			c.log.Info("pull ended", "stream", id.String(),
				"bytes", stats.BytesReceived, "reads", stats.ReadCount,
				"uptime_ms", stats.UptimeMs)
		}()
		go func() {
			<-pullCtx.Done()
			conn.Close()
		}()
		receive(pullCtx, conn, stream, writer, c.log)
	}()

	return nil
}

// Stop ends the pull feeding id.
func (c *Caller) Stop(id media.StreamID) error {
	c.mu.Lock()
	ap, ok := c.pulls[id]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active pull for %s", id)
	}

	ap.cancel()
	return nil
}

// ActivePulls returns the requests of every running pull.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	return out
}
