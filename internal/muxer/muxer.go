// Package muxer fans one live stream out to every protocol sink, the
// instant-join GOP cache and the stream's push sessions.
//
// The frame path (OnTrackReady, OnAllTrackReady, OnTrackFrame,
// ResetTracks) must be driven by one goroutine at a time, normally the
// stream's owner poller through Owned. Control calls (SetupRecord,
// StartPush, StopPush, IsRecording, TotalReaderCount, IsEnabled) may come
// from any goroutine.
package muxer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/fanout/internal/config"
	"github.com/zsiec/fanout/internal/events"
	"github.com/zsiec/fanout/internal/gop"
	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/poller"
	"github.com/zsiec/fanout/internal/sink"
)

// Options carries the muxer's collaborators.
type Options struct {
	General config.General
	// Owner is the initial owner poller. It must not be nil.
	Owner *poller.Poller
	// Factory builds sinks. Nil means DefaultFactory.
	Factory SinkFactory
	Hub     *events.Hub
	Now     func() time.Time
	Log     *slog.Logger
}

// slot wraps a sink so it can sit behind an atomic.Pointer.
type slot struct{ s sink.Sink }

// Muxer is the fan-out multiplexer of one stream.
type Muxer struct {
	id      media.StreamID
	general config.General
	factory SinkFactory
	hub     *events.Hub
	now     func() time.Time
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool

	// sinks is indexed by sink.Kind. A non-nil slot holds a sink that has
	// already been given the current track set.
	sinks [sink.NumKinds]atomic.Pointer[slot]

	ringMu sync.Mutex
	ring   atomic.Pointer[gop.Ring[*media.Frame]]

	// optMu guards opt and serializes recorder start/stop.
	optMu sync.Mutex
	opt   config.ProtocolOption

	// trackMu guards the track set and orders track setup against
	// recorders being seeded.
	trackMu  sync.Mutex
	tracks   []*media.Track
	allReady bool
	hasVideo atomic.Bool

	// Frame path state, owner poller only. enableAudio and modifyStamp
	// never change after New.
	enableAudio bool
	modifyStamp bool
	stamps      [media.NumKinds]media.Stamp
	mute        *media.MuteAudio
	// videoKeyPos is set while the last video frame was a key or config
	// frame.
	videoKeyPos bool

	ownerMu sync.Mutex
	owner   *poller.Poller

	lisMu    sync.RWMutex
	listener Listener
	trackLis TrackListener

	enMu      sync.Mutex
	enabled   bool
	lastCheck time.Time

	pushMu sync.Mutex
	pushes map[string]*pushEntry

	urlMu     sync.RWMutex
	originURL string
}

// New creates the muxer of stream id and builds every sink opt enables.
func New(id media.StreamID, opt config.ProtocolOption, o Options) *Muxer {
	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Factory == nil {
		o.Factory = DefaultFactory(o.General.GOPCacheSize, o.Now, log)
	}
	if o.Hub == nil {
		o.Hub = events.NewHub(log)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Muxer{
		id:      id,
		general: o.General,
		factory: o.Factory,
		hub:     o.Hub,
		now:     o.Now,
		log:     log.With("component", "muxer", "stream", id.String()),
		ctx:     ctx,
		cancel:  cancel,
		opt:     opt,
		owner:   o.Owner,
		pushes:  make(map[string]*pushEntry),

		enableAudio: opt.EnableAudio,
		modifyStamp: opt.ModifyStamp,
	}

	enabled := [sink.NumKinds]bool{
		sink.KindRTMP: opt.EnableRTMP,
		sink.KindRTSP: opt.EnableRTSP,
		sink.KindTS:   opt.EnableTS,
		sink.KindFMP4: opt.EnableFMP4,
		sink.KindHLS:  opt.EnableHLS,
		sink.KindMP4:  opt.EnableMP4,
	}
	for k := range sink.NumKinds {
		if !enabled[k] {
			continue
		}
		s, err := m.factory(k, id, opt)
		if err != nil {
			m.log.Warn("sink not created", "sink", k.String(), "error", err)
			continue
		}
		s.SetListener(sinkListener{m})
		m.sinks[k].Store(&slot{s})
	}
	return m
}

// ID returns the stream identity.
func (m *Muxer) ID() media.StreamID { return m.id }

func (m *Muxer) Vhost() string  { return m.id.Vhost }
func (m *Muxer) App() string    { return m.id.App }
func (m *Muxer) Stream() string { return m.id.Stream }

// SetOriginURL sets the URL the stream was pulled from, shown by ShortURL.
func (m *Muxer) SetOriginURL(u string) {
	m.urlMu.Lock()
	m.originURL = u
	m.urlMu.Unlock()
}

// OriginURL returns the URL set by SetOriginURL.
func (m *Muxer) OriginURL() string {
	m.urlMu.RLock()
	defer m.urlMu.RUnlock()
	return m.originURL
}

// ShortURL returns the origin URL if one was set, otherwise
// vhost/app/stream.
func (m *Muxer) ShortURL() string {
	m.urlMu.RLock()
	defer m.urlMu.RUnlock()
	if m.originURL != "" {
		return m.originURL
	}
	return m.id.String()
}

// SetListener installs the delegate.
func (m *Muxer) SetListener(l Listener) {
	m.lisMu.Lock()
	m.listener = l
	m.lisMu.Unlock()
}

// SetTrackListener installs the listener told about OnAllTrackReady.
func (m *Muxer) SetTrackListener(l TrackListener) {
	m.lisMu.Lock()
	m.trackLis = l
	m.lisMu.Unlock()
}

func (m *Muxer) delegate() Listener {
	m.lisMu.RLock()
	defer m.lisMu.RUnlock()
	return m.listener
}

// OwnerPoller returns the poller that owns the stream's frame path. The
// delegate may move the stream; the answer is resolved on every call.
func (m *Muxer) OwnerPoller() *poller.Poller {
	if l := m.delegate(); l != nil {
		p, err := l.OwnerPoller(m)
		switch {
		case err == nil && p != nil:
			m.ownerMu.Lock()
			if p != m.owner {
				m.log.Info("owner poller changed", "from", m.owner.String(), "to", p.String())
				m.owner = p
			}
			m.ownerMu.Unlock()
			return p
		case err != nil && !errors.Is(err, ErrNotImplemented):
			m.log.Debug("owner poller query failed", "error", err)
		}
	}
	m.ownerMu.Lock()
	defer m.ownerMu.Unlock()
	return m.owner
}

// post runs fn on the current owner poller, or inline if that poller has
// stopped.
func (m *Muxer) post(fn func()) {
	if !m.OwnerPoller().Async(fn) {
		fn()
	}
}

// readerChanged tells the delegate the new total on the owner poller.
func (m *Muxer) readerChanged() {
	if m.closed.Load() {
		return
	}
	m.OwnerPoller().Async(func() {
		if l := m.delegate(); l != nil {
			l.OnReaderChanged(m, m.TotalReaderCount())
		}
	})
}

// TotalReaderCount returns the delegate's count if it provides one,
// otherwise LocalReaderCount.
func (m *Muxer) TotalReaderCount() int {
	if l := m.delegate(); l != nil {
		n, err := l.TotalReaderCount(m)
		if err == nil {
			return n
		}
		if !errors.Is(err, ErrNotImplemented) {
			m.log.Debug("reader count query failed", "error", err)
		}
	}
	return m.LocalReaderCount()
}

// LocalReaderCount sums the readers of every present sink and of the GOP
// cache. An MP4 recording counts as one reader when MP4AsPlayer is set.
func (m *Muxer) LocalReaderCount() int {
	n := 0
	for k := range sink.NumKinds {
		if sl := m.sinks[k].Load(); sl != nil {
			n += sl.s.ReaderCount()
		}
	}
	if m.sinks[sink.KindMP4].Load() != nil && m.mp4AsPlayer() {
		n++
	}
	if r := m.ring.Load(); r != nil {
		n += r.ReaderCount()
	}
	return n
}

func (m *Muxer) mp4AsPlayer() bool {
	m.optMu.Lock()
	defer m.optMu.Unlock()
	return m.opt.MP4AsPlayer
}

// IsEnabled reports whether anything consumes the stream. A positive
// answer is trusted for StreamNoneReaderDelay before it is checked again;
// a negative one is rechecked on every call.
func (m *Muxer) IsEnabled() bool {
	m.enMu.Lock()
	defer m.enMu.Unlock()
	now := m.now()
	if !m.enabled || now.Sub(m.lastCheck) > m.general.StreamNoneReaderDelay {
		m.enabled = m.consumed()
		if m.enabled {
			m.lastCheck = now
		}
	}
	return m.enabled
}

func (m *Muxer) consumed() bool {
	for k := range sink.NumKinds {
		if sl := m.sinks[k].Load(); sl != nil && sl.s.IsEnabled() {
			return true
		}
	}
	r := m.ring.Load()
	return r != nil && r.ReaderCount() > 0
}

// ensureRing returns the GOP cache, creating it on first use.
func (m *Muxer) ensureRing() *gop.Ring[*media.Frame] {
	if r := m.ring.Load(); r != nil {
		return r
	}
	m.ringMu.Lock()
	defer m.ringMu.Unlock()
	if r := m.ring.Load(); r != nil {
		return r
	}
	r := gop.NewRing[*media.Frame](m.general.GOPCacheSize, func(int) { m.readerChanged() })
	m.ring.Store(r)
	return r
}

// Ring returns the GOP cache, or nil if it has not been created.
func (m *Muxer) Ring() *gop.Ring[*media.Frame] { return m.ring.Load() }

// AttachFrames attaches a raw frame reader to the GOP cache on p. The
// reader first receives the cached frames from the last restart point.
func (m *Muxer) AttachFrames(p *poller.Poller, fn func(*media.Frame)) (*gop.Reader[*media.Frame], error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	rd := m.ensureRing().Attach(p, fn)
	if rd == nil {
		return nil, ErrClosed
	}
	return rd, nil
}

type packetSource interface {
	Attach(p *poller.Poller, fn func(sink.Packet)) *gop.Reader[sink.Packet]
}

// Attach registers a packet reader on streaming sink k.
func (m *Muxer) Attach(k sink.Kind, p *poller.Poller, fn func(sink.Packet)) (*gop.Reader[sink.Packet], error) {
	if k < 0 || k >= sink.NumKinds {
		return nil, ErrNoSink
	}
	sl := m.sinks[k].Load()
	if sl == nil {
		return nil, ErrNoSink
	}
	src, ok := sl.s.(packetSource)
	if !ok {
		return nil, ErrNoSink
	}
	rd := src.Attach(p, fn)
	if rd == nil {
		return nil, ErrClosed
	}
	return rd, nil
}

// Sink returns the sink in slot k, or nil.
func (m *Muxer) Sink(k sink.Kind) sink.Sink {
	if k < 0 || k >= sink.NumKinds {
		return nil
	}
	if sl := m.sinks[k].Load(); sl != nil {
		return sl.s
	}
	return nil
}

type viewerSink interface {
	Touch(id string)
}

// TouchHLS counts viewer as an HLS viewer. It reports false if the HLS
// recorder is not running.
func (m *Muxer) TouchHLS(viewer string) bool {
	sl := m.sinks[sink.KindHLS].Load()
	if sl == nil {
		return false
	}
	v, ok := sl.s.(viewerSink)
	if ok {
		v.Touch(viewer)
	}
	return ok
}

// Tracks returns a copy of the current track set.
func (m *Muxer) Tracks() []*media.Track {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	return append([]*media.Track(nil), m.tracks...)
}

// OnTrackReady adds a track and forwards it to every present sink. It
// reports whether any sink accepted it.
func (m *Muxer) OnTrackReady(t *media.Track) bool {
	if t.Kind == media.KindAudio && !m.enableAudio {
		return false
	}
	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	return m.addTrackLocked(t)
}

func (m *Muxer) addTrackLocked(t *media.Track) bool {
	m.tracks = append(m.tracks, t)
	if t.Kind == media.KindVideo {
		m.hasVideo.Store(true)
	}
	accepted := false
	for k := range sink.NumKinds {
		if sl := m.sinks[k].Load(); sl != nil && sl.s.AddTrack(t) {
			accepted = true
		}
	}
	return accepted
}

// OnAllTrackReady completes setup. A silent audio track is added first if
// configured and the stream has video only.
func (m *Muxer) OnAllTrackReady() {
	opt := m.option()

	m.trackMu.Lock()
	if opt.AddMuteAudio && m.enableAudio && m.hasVideo.Load() && !m.hasKindLocked(media.KindAudio) {
		m.addTrackLocked(media.NewMuteAudioTrack())
		m.mute = &media.MuteAudio{}
		m.log.Info("silent audio track added")
	}
	m.allReady = true
	for k := range sink.NumKinds {
		if sl := m.sinks[k].Load(); sl != nil {
			sl.s.AddTrackCompleted()
		}
	}
	summary := media.Summary(m.tracks)
	m.trackMu.Unlock()

	if m.general.GOPCache {
		m.ensureRing()
	}
	m.log.Info("stream ready", "tracks", summary, "owner", m.OwnerPoller().String())

	m.lisMu.RLock()
	tl := m.trackLis
	m.lisMu.RUnlock()
	if tl != nil {
		tl.OnAllTrackReady(m)
	}
}

func (m *Muxer) hasKindLocked(k media.Kind) bool {
	for _, t := range m.tracks {
		if t.Kind == k {
			return true
		}
	}
	return false
}

// OnTrackFrame forwards a frame to every present sink and to the GOP
// cache. It reports whether any sink accepted the frame.
func (m *Muxer) OnTrackFrame(f *media.Frame) bool {
	if m.closed.Load() {
		return false
	}
	if f.Kind == media.KindAudio {
		if m.mute != nil {
			// The silent track replaces real audio on a video-only stream.
			return false
		}
		if !m.enableAudio {
			return false
		}
	}
	if m.modifyStamp && f.Kind >= 0 && f.Kind < media.NumKinds {
		dts, pts := m.stamps[f.Kind].Revise(f.DTS, f.PTS)
		f = f.WithStamp(dts, pts)
	}

	accepted := m.fanOut(f)
	if m.mute != nil && f.Kind == media.KindVideo {
		for _, af := range m.mute.Until(f.DTS) {
			m.fanOut(af)
		}
	}
	return accepted
}

func (m *Muxer) fanOut(f *media.Frame) bool {
	accepted := false
	for k := range sink.NumKinds {
		sl := m.sinks[k].Load()
		if sl == nil || !sl.s.IsEnabled() {
			continue
		}
		if sl.s.InputFrame(f) {
			accepted = true
		}
	}
	restart := m.isRestart(f)
	if r := m.ring.Load(); r != nil {
		r.Write(f, restart)
	}
	return accepted
}

// isRestart reports whether f opens a new GOP. A run of config and key
// frames opens one GOP at its first frame, so parameter sets sent as
// separate frames stay cached with their key frame.
func (m *Muxer) isRestart(f *media.Frame) bool {
	if !m.hasVideo.Load() {
		return true
	}
	if f.Kind != media.KindVideo {
		return false
	}
	keyPos := f.Key || f.Config
	restart := keyPos && !m.videoKeyPos
	m.videoKeyPos = keyPos
	return restart
}

// ResetTracks forgets the track set so the source can set up again.
func (m *Muxer) ResetTracks() {
	m.trackMu.Lock()
	m.tracks = nil
	m.allReady = false
	m.hasVideo.Store(false)
	for k := range sink.NumKinds {
		if sl := m.sinks[k].Load(); sl != nil {
			sl.s.ResetTracks()
		}
	}
	m.trackMu.Unlock()

	for i := range m.stamps {
		m.stamps[i].Reset()
	}
	m.mute = nil
	m.videoKeyPos = false
	if r := m.ring.Load(); r != nil {
		r.Reset()
	}
}

func (m *Muxer) option() config.ProtocolOption {
	m.optMu.Lock()
	defer m.optMu.Unlock()
	return m.opt
}

// Option returns a copy of the stream's protocol options.
func (m *Muxer) Option() config.ProtocolOption { return m.option() }

// SetupRecord starts or stops the recorder of kind k. Starting a running
// recorder is a no-op. A non-empty path overrides the save directory and a
// positive maxSecond the MP4 file duration. It reports false for kinds
// that are not recorders and for starts after Close.
func (m *Muxer) SetupRecord(k sink.Kind, start bool, path string, maxSecond int) bool {
	if !k.IsRecorder() {
		return false
	}
	m.optMu.Lock()
	defer m.optMu.Unlock()
	if start && m.closed.Load() {
		return false
	}

	changed := false
	if start {
		if m.sinks[k].Load() == nil {
			changed = m.startRecorderLocked(k, path, maxSecond)
		}
	} else if old := m.sinks[k].Swap(nil); old != nil {
		changed = true
		m.post(func() {
			if err := old.s.Close(); err != nil {
				m.log.Warn("recorder close failed", "sink", k.String(), "error", err)
			}
		})
		m.log.Info("recording stopped", "sink", k.String())
	}
	if !changed {
		return true
	}

	m.hub.Publish(events.RecordChanged{Stream: m.id, Kind: k.String(), Recording: start, At: m.now()})
	if k == sink.KindMP4 && m.opt.MP4AsPlayer {
		m.readerChanged()
	}
	return true
}

func (m *Muxer) startRecorderLocked(k sink.Kind, path string, maxSecond int) bool {
	switch k {
	case sink.KindHLS:
		if path != "" {
			m.opt.HLSSavePath = path
		}
	case sink.KindMP4:
		if path != "" {
			m.opt.MP4SavePath = path
		}
		if maxSecond > 0 {
			m.opt.MP4MaxSecond = maxSecond
		}
	}
	s, err := m.factory(k, m.id, m.opt)
	if err != nil {
		m.log.Warn("recorder not started", "sink", k.String(), "error", err)
		return false
	}
	s.SetListener(sinkListener{m})

	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	for _, t := range m.tracks {
		s.AddTrack(t)
	}
	if m.allReady {
		s.AddTrackCompleted()
	}
	m.sinks[k].Store(&slot{s})
	m.log.Info("recording started", "sink", k.String())
	return true
}

// IsRecording reports whether the recorder of kind k is running.
func (m *Muxer) IsRecording(k sink.Kind) bool {
	return k.IsRecorder() && m.sinks[k].Load() != nil
}

// Close stops every push session and releases every sink. Sinks are
// closed on the owner poller after any frame in progress.
func (m *Muxer) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.cancel()
	m.StopPush("")

	// optMu keeps a concurrent SetupRecord from installing a recorder
	// after the table is emptied.
	var closing []sink.Sink
	m.optMu.Lock()
	for k := range sink.NumKinds {
		if sl := m.sinks[k].Swap(nil); sl != nil {
			closing = append(closing, sl.s)
		}
	}
	m.optMu.Unlock()
	m.post(func() {
		var errs []error
		for _, s := range closing {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if r := m.ring.Load(); r != nil {
			r.Close()
		}
		if err := errors.Join(errs...); err != nil {
			m.log.Warn("sink close failed", "error", err)
		}
	})
	m.log.Info("muxer closed")
	return nil
}
