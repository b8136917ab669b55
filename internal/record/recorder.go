// Package record writes a stream to rotating fragmented MP4 files.
package record

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zsiec/fanout/internal/fmp4"
	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/sink"
)

// Options configures a Recorder.
type Options struct {
	// Root is the directory under which vhost/app/stream is created.
	Root string
	// MaxSecond rotates the file at the first restart point after this
	// many seconds of media. Zero disables rotation.
	MaxSecond int
	Now       func() time.Time
	Log       *slog.Logger
}

// Recorder is the MP4 container recorder sink. Files are written under a
// hidden name and renamed once complete.
type Recorder struct {
	opts Options
	dir  string
	log  *slog.Logger

	// wmu guards the track and file state below. Close may run on a
	// different goroutine than the frame path.
	wmu    sync.Mutex
	closed bool
	tracks []*media.Track
	frag   *fmp4.Fragmenter
	init   []byte

	file     *os.File
	tmpPath  string
	path     string
	startDTS int64

	mu    sync.Mutex
	files []string
}

// New creates a recorder writing under opts.Root/vhost/app/stream.
func New(id media.StreamID, opts Options) (*Recorder, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Join(opts.Root, id.Vhost, id.App, id.Stream)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &Recorder{
		opts: opts,
		dir:  dir,
		log:  log.With("component", "mp4-record", "stream", id.String()),
	}, nil
}

func (r *Recorder) Kind() sink.Kind { return sink.KindMP4 }

func (r *Recorder) AddTrack(t *media.Track) bool {
	if !fmp4.Supports(t) {
		return false
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()
	r.tracks = append(r.tracks, t)
	return true
}

func (r *Recorder) AddTrackCompleted() {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	frag, err := fmp4.NewFragmenter(r.tracks)
	if err != nil {
		r.log.Warn("mp4 fragmenter not created", "error", err)
		return
	}
	init, err := frag.Init()
	if err != nil {
		r.log.Warn("mp4 init segment failed", "error", err)
		return
	}
	r.frag = frag
	r.init = init
}

func (r *Recorder) InputFrame(f *media.Frame) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if r.closed || r.frag == nil {
		return false
	}
	restart := !r.frag.HasVideo() || (f.Kind == media.KindVideo && f.Key)
	if r.file == nil && !restart {
		return false
	}
	if restart && r.shouldRotate(f.DTS) {
		if err := r.open(f.DTS); err != nil {
			r.log.Warn("mp4 file open failed", "error", err)
			return false
		}
	}
	data, err := r.frag.Fragment(f)
	if err != nil || data == nil {
		return false
	}
	if _, err := r.file.Write(data); err != nil {
		r.log.Warn("mp4 write failed", "file", r.tmpPath, "error", err)
		return false
	}
	return true
}

func (r *Recorder) shouldRotate(dts int64) bool {
	if r.file == nil {
		return true
	}
	if r.opts.MaxSecond <= 0 {
		return false
	}
	return dts-r.startDTS >= int64(r.opts.MaxSecond)*1000
}

func (r *Recorder) open(dts int64) error {
	if err := r.closeFile(); err != nil {
		return err
	}
	now := r.opts.Now()
	day := filepath.Join(r.dir, now.Format("2006-01-02"))
	if err := os.MkdirAll(day, 0o755); err != nil {
		return fmt.Errorf("create day dir: %w", err)
	}
	name := now.Format("15-04-05") + ".mp4"
	path := filepath.Join(day, name)
	tmp := filepath.Join(day, "."+name)

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := f.Write(r.init); err != nil {
		f.Close()
		return fmt.Errorf("write init segment: %w", err)
	}
	r.file = f
	r.tmpPath = tmp
	r.path = path
	r.startDTS = dts
	r.log.Info("mp4 recording started", "file", path)
	return nil
}

func (r *Recorder) closeFile() error {
	if r.file == nil {
		return nil
	}
	f := r.file
	r.file = nil
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(r.tmpPath, r.path); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	r.mu.Lock()
	r.files = append(r.files, r.path)
	r.mu.Unlock()
	r.log.Info("mp4 recording finished", "file", r.path)
	return nil
}

// Files returns the completed recordings.
func (r *Recorder) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}

// ResetTracks closes the current file; a new one starts after setup.
func (r *Recorder) ResetTracks() {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if err := r.closeFile(); err != nil {
		r.log.Warn("mp4 close on reset failed", "error", err)
	}
	r.tracks = nil
	r.frag = nil
	r.init = nil
}

// ReaderCount is always zero; whether a recording counts as a viewer is
// decided by the muxer.
func (r *Recorder) ReaderCount() int { return 0 }

func (r *Recorder) IsEnabled() bool { return true }

// SetListener is a no-op: the recorder has no readers.
func (r *Recorder) SetListener(sink.Listener) {}

// Close finishes the current file. Frames arriving after Close are
// rejected.
func (r *Recorder) Close() error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	r.closed = true
	return r.closeFile()
}
