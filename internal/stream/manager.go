// Package stream tracks the lifecycle of active live streams. The Manager
// owns one fan-out muxer per stream, assigns each to a poller, and acts as
// the muxers' delegate.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zsiec/fanout/internal/config"
	"github.com/zsiec/fanout/internal/events"
	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/muxer"
	"github.com/zsiec/fanout/internal/poller"
	"github.com/zsiec/fanout/internal/sink"
)

// Stream represents a live stream.
type Stream struct {
	Key       string
	ID        media.StreamID
	StartedAt time.Time
	Muxer     *muxer.Muxer
	done      chan struct{}

	mu       sync.Mutex
	readers  int
	lastSeen time.Time
}

// Done is closed when the stream is removed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Readers returns the last reader total reported by the muxer.
func (s *Stream) Readers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readers
}

// Options configures a Manager.
type Options struct {
	Config config.Config
	Pool   *poller.Pool
	Hub    *events.Hub
	// Factory overrides the muxers' sink factory.
	Factory muxer.SinkFactory
	Now     func() time.Time
	Log     *slog.Logger
}

// Manager manages the lifecycle of active streams.
type Manager struct {
	muxer.BaseListener

	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If opts.Log is nil,
// slog.Default() is used.
func NewManager(opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	log := opts.Log
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Pool == nil {
		opts.Pool = poller.NewPool(max(opts.Config.General.PollerCount, 1), log)
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub(log)
	}
	return &Manager{
		opts:    opts,
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Hub returns the event hub shared by every stream.
func (m *Manager) Hub() *events.Hub { return m.opts.Hub }

// Pool returns the poller pool streams are assigned to.
func (m *Manager) Pool() *poller.Pool { return m.opts.Pool }

// Create registers a new stream and builds its muxer. Returns the stream
// and true if created, or nil and false if the stream already exists.
func (m *Manager) Create(id media.StreamID) (*Stream, bool) {
	key := id.String()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	now := m.opts.Now()
	mx := muxer.New(id, m.opts.Config.Protocol, muxer.Options{
		General: m.opts.Config.General,
		Owner:   m.opts.Pool.Next(),
		Factory: m.opts.Factory,
		Hub:     m.opts.Hub,
		Now:     m.opts.Now,
		Log:     m.opts.Log,
	})
	s := &Stream{
		Key:       key,
		ID:        id,
		StartedAt: now,
		Muxer:     mx,
		done:      make(chan struct{}),
		lastSeen:  now,
	}
	mx.SetListener(m)

	m.streams[key] = s
	m.log.Info("stream created", "key", key, "poller", mx.OwnerPoller().String())
	return s, true
}

// Get returns the stream with the given key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Remove closes the stream's muxer and removes it from the manager.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if ok {
		if err := s.Muxer.Close(); err != nil {
			m.log.Warn("muxer close failed", "key", key, "error", err)
		}
		close(s.done)
		m.log.Info("stream removed", "key", key)
	}
}

// List returns all active streams ordered by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}

// OnReaderChanged records the muxer's new reader total.
func (m *Manager) OnReaderChanged(mx *muxer.Muxer, total int) {
	s, ok := m.Get(mx.ID().String())
	if !ok {
		return
	}
	s.mu.Lock()
	s.readers = total
	if total > 0 {
		s.lastSeen = m.opts.Now()
	}
	s.mu.Unlock()
	m.log.Debug("readers changed", "key", s.Key, "readers", total)
}

type viewerSweeper interface {
	Sweep()
}

// Sweep expires stale HLS viewers and, with auto close enabled, removes
// streams nobody has consumed for StreamNoneReaderDelay.
func (m *Manager) Sweep() {
	now := m.opts.Now()
	delay := m.opts.Config.General.StreamNoneReaderDelay
	var idle []string
	for _, s := range m.List() {
		if v, ok := s.Muxer.Sink(sink.KindHLS).(viewerSweeper); ok {
			v.Sweep()
		}

		s.mu.Lock()
		if s.Muxer.IsEnabled() {
			s.lastSeen = now
		}
		stale := now.Sub(s.lastSeen) > delay
		s.mu.Unlock()

		if m.opts.Config.General.AutoClose && stale {
			idle = append(idle, s.Key)
		}
	}
	for _, key := range idle {
		m.log.Info("closing idle stream", "key", key, "idle_after", delay)
		m.Remove(key)
	}
}

// Run sweeps on the configured interval until ctx is cancelled, then
// removes every stream.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.opts.Config.General.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), m.Sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	for _, s := range m.List() {
		m.Remove(s.Key)
	}
	return nil
}
