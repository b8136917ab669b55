package pipeline

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/mpegts"
)

type recorder struct {
	mu        sync.Mutex
	tracks    []*media.Track
	readyAt   int // frames seen when OnAllTrackReady ran, -1 if never
	readyHits int
	frames    []*media.Frame
}

func newRecorder() *recorder { return &recorder{readyAt: -1} }

func (r *recorder) OnTrackReady(t *media.Track) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = append(r.tracks, t)
	return true
}

func (r *recorder) OnAllTrackReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readyHits++
	r.readyAt = len(r.frames)
}

func (r *recorder) OnTrackFrame(f *media.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return true
}

func (r *recorder) dts(k media.Kind) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, f := range r.frames {
		if f.Kind == k {
			out = append(out, f.DTS)
		}
	}
	return out
}

var (
	testSPS = []byte{0x67, 0x64, 0x00, 0x1f}
	testPPS = []byte{0x68, 0xeb, 0xe3}
)

func keyFrame(dts int64) *media.Frame {
	return &media.Frame{Kind: media.KindVideo, Codec: media.CodecH264, DTS: dts, PTS: dts, Key: true, Config: true,
		Data: media.JoinAnnexB([][]byte{testSPS, testPPS, {0x65, 0x88, 0x84}})}
}

func interFrame(dts int64) *media.Frame {
	return &media.Frame{Kind: media.KindVideo, Codec: media.CodecH264, DTS: dts, PTS: dts,
		Data: media.JoinAnnexB([][]byte{{0x09, 0xf0}, {0x41, 0x9a, byte(dts)}})}
}

func aacFrame(dts int64) *media.Frame {
	return &media.Frame{Kind: media.KindAudio, Codec: media.CodecAAC, DTS: dts, PTS: dts, Key: true,
		Data: []byte{0x21, 0x10, byte(dts)}}
}

func buildTS(t *testing.T, tracks []*media.Track, frames ...*media.Frame) []byte {
	t.Helper()
	mux, err := mpegts.NewMuxer(tracks)
	if err != nil {
		t.Fatalf("NewMuxer: %v", err)
	}
	var buf bytes.Buffer
	tables, err := mux.Tables()
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	buf.Write(tables)
	for _, f := range frames {
		b, err := mux.WriteFrame(f)
		if err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		buf.Write(b)
	}
	return buf.Bytes()
}

func videoTrack() *media.Track {
	return &media.Track{Kind: media.KindVideo, Codec: media.CodecH264, SPS: testSPS, PPS: testPPS}
}

func audioTrack(t *testing.T) *media.Track {
	t.Helper()
	tr, err := media.AACTrack(48000, 2)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

var testID = media.StreamID{Vhost: "__defaultVhost__", App: "live", Stream: "test"}

func equal(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunWithEOFReader(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	p := New(testID, strings.NewReader(""), rec, nil)
	if err := p.Run(context.Background()); err != nil {
		t.Errorf("Run with EOF reader: %v", err)
	}
	if rec.readyHits != 0 {
		t.Errorf("ready without tracks: got %d calls, want 0", rec.readyHits)
	}
}

func TestVideoAndAudio(t *testing.T) {
	t.Parallel()

	ts := buildTS(t, []*media.Track{videoTrack(), audioTrack(t)},
		keyFrame(0), aacFrame(0),
		interFrame(40), aacFrame(21),
		interFrame(80), aacFrame(42),
		keyFrame(120),
	)
	rec := newRecorder()
	p := New(testID, bytes.NewReader(ts), rec, nil)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rec.tracks) != 2 {
		t.Fatalf("tracks: got %d, want 2", len(rec.tracks))
	}
	if rec.readyHits != 1 {
		t.Fatalf("OnAllTrackReady calls: got %d, want 1", rec.readyHits)
	}
	if rec.readyAt != 0 {
		t.Errorf("frames forwarded before ready: got %d, want 0", rec.readyAt)
	}
	for _, tr := range rec.tracks {
		switch tr.Kind {
		case media.KindVideo:
			if !bytes.Equal(tr.SPS, testSPS) || !bytes.Equal(tr.PPS, testPPS) {
				t.Errorf("video parameter sets not carried: %x %x", tr.SPS, tr.PPS)
			}
		case media.KindAudio:
			if tr.SampleRate != 48000 || tr.Channels != 2 {
				t.Errorf("audio: got %d/%d, want 48000/2", tr.SampleRate, tr.Channels)
			}
		}
	}

	if got, want := rec.dts(media.KindVideo), []int64{0, 40, 80, 120}; !equal(got, want) {
		t.Errorf("video dts: got %v, want %v", got, want)
	}
	if got, want := rec.dts(media.KindAudio), []int64{0, 21, 42}; !equal(got, want) {
		t.Errorf("audio dts: got %v, want %v", got, want)
	}

	var video []*media.Frame
	for _, f := range rec.frames {
		if f.Kind == media.KindVideo {
			video = append(video, f)
		}
	}
	if !video[0].Key || !video[0].Config {
		t.Errorf("first frame: key=%v config=%v, want both", video[0].Key, video[0].Config)
	}
	if video[1].Key || video[1].Config {
		t.Errorf("inter frame flagged: key=%v config=%v", video[1].Key, video[1].Config)
	}
	for _, nalu := range media.SplitAnnexB(video[1].Data) {
		if nalu[0]&0x1F == 9 {
			t.Error("access unit delimiter not stripped")
		}
	}

	if got := p.Stats(); got.VideoFrames != 4 || got.AudioFrames != 3 {
		t.Errorf("stats: got %+v", got)
	}
}

func TestFramesBeforeKeyFrameDropped(t *testing.T) {
	t.Parallel()

	ts := buildTS(t, []*media.Track{videoTrack()},
		interFrame(0), interFrame(40), keyFrame(80), interFrame(120),
	)
	rec := newRecorder()
	p := New(testID, bytes.NewReader(ts), rec, nil)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := rec.dts(media.KindVideo), []int64{80, 120}; !equal(got, want) {
		t.Errorf("video dts: got %v, want %v", got, want)
	}
	if got := p.Stats().Dropped; got != 2 {
		t.Errorf("dropped: got %d, want 2", got)
	}
}

func TestMissingTrackReadyAtEOF(t *testing.T) {
	t.Parallel()

	// The PMT announces audio but none arrives.
	ts := buildTS(t, []*media.Track{videoTrack(), audioTrack(t)},
		keyFrame(0), interFrame(40),
	)
	rec := newRecorder()
	p := New(testID, bytes.NewReader(ts), rec, nil)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.readyHits != 1 {
		t.Fatalf("OnAllTrackReady calls: got %d, want 1", rec.readyHits)
	}
	if len(rec.tracks) != 1 {
		t.Errorf("tracks: got %d, want 1", len(rec.tracks))
	}
	if got, want := rec.dts(media.KindVideo), []int64{0, 40}; !equal(got, want) {
		t.Errorf("pending frames not flushed: got %v, want %v", got, want)
	}
}

func TestReadyAfterMaxPending(t *testing.T) {
	t.Parallel()

	frames := []*media.Frame{keyFrame(0)}
	for i := 1; i <= maxPending+4; i++ {
		frames = append(frames, interFrame(int64(i*40)))
	}
	ts := buildTS(t, []*media.Track{videoTrack(), audioTrack(t)}, frames...)

	rec := newRecorder()
	p := New(testID, bytes.NewReader(ts), rec, nil)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.readyAt != 0 {
		t.Errorf("ready fired after forwarding %d frames, want 0", rec.readyAt)
	}
	if got := len(rec.dts(media.KindVideo)); got != len(frames) {
		t.Errorf("video frames: got %d, want %d", got, len(frames))
	}
}
