// Package hls records a stream as MPEG-TS segments with a sliding m3u8
// playlist. Players fetching the playlist are counted as viewers for a
// limited time after each request.
package hls

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/mpegts"
	"github.com/zsiec/fanout/internal/sink"
)

// PlaylistName is the file name of the live playlist in the stream
// directory.
const PlaylistName = "hls.m3u8"

// Options configures a Recorder.
type Options struct {
	// Root is the directory under which vhost/app/stream is created.
	Root            string
	SegmentDuration time.Duration
	SegmentCount    int
	// Demand makes IsEnabled depend on having viewers.
	Demand bool
	// ViewerTTL is how long a Touch keeps a viewer counted.
	ViewerTTL time.Duration
	Now       func() time.Time
	Log       *slog.Logger
}

type segment struct {
	name     string
	duration time.Duration
}

// Recorder is the HLS segment recorder sink.
type Recorder struct {
	opts Options
	dir  string
	log  *slog.Logger

	// wmu guards the track and segment state below. Close may run on a
	// different goroutine than the frame path.
	wmu    sync.Mutex
	closed bool
	tracks []*media.Track
	mux    *mpegts.Muxer
	tables []byte

	file     *os.File
	fileName string
	startDTS int64
	lastDTS  int64
	seq      int
	segments []segment

	mu       sync.Mutex
	listener sink.Listener
	viewers  map[string]time.Time
}

// New creates a recorder writing under opts.Root/vhost/app/stream.
func New(id media.StreamID, opts Options) (*Recorder, error) {
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = 2 * time.Second
	}
	if opts.SegmentCount <= 0 {
		opts.SegmentCount = 3
	}
	if opts.ViewerTTL <= 0 {
		opts.ViewerTTL = opts.SegmentDuration * time.Duration(opts.SegmentCount+2)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	dir := filepath.Join(opts.Root, id.Vhost, id.App, id.Stream)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create hls dir: %w", err)
	}
	return &Recorder{
		opts:    opts,
		dir:     dir,
		log:     log.With("component", "hls", "stream", id.String()),
		viewers: make(map[string]time.Time),
	}, nil
}

// Kind returns sink.KindHLS.
func (r *Recorder) Kind() sink.Kind { return sink.KindHLS }

// Dir returns the directory holding the playlist and segments.
func (r *Recorder) Dir() string { return r.dir }

// PlaylistPath returns the path of the live playlist.
func (r *Recorder) PlaylistPath() string { return filepath.Join(r.dir, PlaylistName) }

// AddTrack accepts tracks TS can carry.
func (r *Recorder) AddTrack(t *media.Track) bool {
	if !mpegts.Supports(t) {
		return false
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()
	r.tracks = append(r.tracks, t)
	return true
}

// AddTrackCompleted prepares the TS muxer.
func (r *Recorder) AddTrackCompleted() {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	mux, err := mpegts.NewMuxer(r.tracks)
	if err != nil {
		r.log.Warn("hls muxer not created", "error", err)
		return
	}
	tables, err := mux.Tables()
	if err != nil {
		r.log.Warn("hls tables failed", "error", err)
		return
	}
	r.mux = mux
	r.tables = tables
}

// InputFrame appends the frame to the current segment, cutting a new one
// at a restart point once the target duration is reached.
func (r *Recorder) InputFrame(f *media.Frame) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if r.closed || r.mux == nil {
		return false
	}
	restart := !r.mux.HasVideo() || (f.Kind == media.KindVideo && f.Key)
	if r.file == nil && !restart {
		return false
	}
	if restart && (r.file == nil || time.Duration(f.DTS-r.startDTS)*time.Millisecond >= r.opts.SegmentDuration) {
		if err := r.cut(f.DTS); err != nil {
			r.log.Warn("hls segment cut failed", "error", err)
			return false
		}
	}

	data, err := r.mux.WriteFrame(f)
	if err != nil || data == nil {
		return false
	}
	if _, err := r.file.Write(data); err != nil {
		r.log.Warn("hls segment write failed", "file", r.fileName, "error", err)
		return false
	}
	if f.DTS > r.lastDTS {
		r.lastDTS = f.DTS
	}
	return true
}

func (r *Recorder) cut(dts int64) error {
	if r.file != nil {
		if err := r.finish(dts); err != nil {
			return err
		}
	}
	name := fmt.Sprintf("%d.ts", r.seq)
	f, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	if _, err := f.Write(r.tables); err != nil {
		f.Close()
		return fmt.Errorf("write tables: %w", err)
	}
	r.seq++
	r.file = f
	r.fileName = name
	r.startDTS = dts
	r.lastDTS = dts
	return nil
}

// finish closes the current segment, ending it at endDTS, and rewrites
// the playlist.
func (r *Recorder) finish(endDTS int64) error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	dur := time.Duration(endDTS-r.startDTS) * time.Millisecond
	r.segments = append(r.segments, segment{name: r.fileName, duration: dur})
	r.file = nil

	for len(r.segments) > r.opts.SegmentCount {
		old := r.segments[0]
		r.segments = r.segments[1:]
		if err := os.Remove(filepath.Join(r.dir, old.name)); err != nil && !os.IsNotExist(err) {
			r.log.Debug("remove old segment failed", "file", old.name, "error", err)
		}
	}
	return r.writePlaylist(false)
}

func (r *Recorder) writePlaylist(ended bool) error {
	target := r.opts.SegmentDuration
	for _, s := range r.segments {
		target = max(target, s.duration)
	}
	first := r.seq - len(r.segments)
	if r.file != nil {
		first--
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int((target+time.Second-1)/time.Second))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", max(first, 0))
	for _, s := range r.segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", s.duration.Seconds(), s.name)
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	tmp := r.PlaylistPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write playlist: %w", err)
	}
	if err := os.Rename(tmp, r.PlaylistPath()); err != nil {
		return fmt.Errorf("rename playlist: %w", err)
	}
	return nil
}

// Segments returns the names of the segments listed in the playlist.
func (r *Recorder) Segments() []string {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	out := make([]string, len(r.segments))
	for i, s := range r.segments {
		out[i] = s.name
	}
	return out
}

// ResetTracks closes the open segment and drops the muxer.
func (r *Recorder) ResetTracks() {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if r.file != nil {
		if err := r.finish(r.lastDTS); err != nil {
			r.log.Warn("hls finish on reset failed", "error", err)
		}
	}
	r.tracks = nil
	r.mux = nil
	r.tables = nil
}

// SetListener installs the listener told about viewer changes.
func (r *Recorder) SetListener(l sink.Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// Touch records a playlist or segment request from viewer id.
func (r *Recorder) Touch(id string) {
	r.mu.Lock()
	_, known := r.viewers[id]
	r.viewers[id] = r.opts.Now().Add(r.opts.ViewerTTL)
	count := len(r.viewers)
	lis := r.listener
	r.mu.Unlock()

	if !known && lis != nil {
		lis.OnReaderChanged(r, count)
	}
}

// Sweep drops viewers whose last request is older than the TTL.
func (r *Recorder) Sweep() {
	r.mu.Lock()
	now := r.opts.Now()
	removed := 0
	for id, exp := range r.viewers {
		if now.After(exp) {
			delete(r.viewers, id)
			removed++
		}
	}
	count := len(r.viewers)
	lis := r.listener
	r.mu.Unlock()

	if removed > 0 && lis != nil {
		lis.OnReaderChanged(r, count)
	}
}

// ReaderCount returns the number of viewers seen within the TTL.
func (r *Recorder) ReaderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.opts.Now()
	n := 0
	for _, exp := range r.viewers {
		if !now.After(exp) {
			n++
		}
	}
	return n
}

// IsEnabled reports whether the recorder wants frames.
func (r *Recorder) IsEnabled() bool {
	return !r.opts.Demand || r.ReaderCount() > 0
}

// Close finishes the open segment and marks the playlist ended. Frames
// arriving after Close are rejected.
func (r *Recorder) Close() error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.file != nil {
		if err := r.finish(r.lastDTS); err != nil {
			return err
		}
	}
	if len(r.segments) == 0 {
		return nil
	}
	return r.writePlaylist(true)
}
