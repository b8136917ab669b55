package record

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/fanout/internal/media"
)

func newRecorder(t *testing.T, maxSecond int, now func() time.Time) *Recorder {
	t.Helper()
	r, err := New(media.StreamID{Vhost: "v", App: "live", Stream: "cam"}, Options{
		Root:      t.TempDir(),
		MaxSecond: maxSecond,
		Now:       now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	aac, err := media.AACTrack(44100, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !r.AddTrack(aac) {
		t.Fatal("AAC rejected")
	}
	r.AddTrackCompleted()
	return r
}

func TestRecordAndRotate(t *testing.T) {
	t.Parallel()

	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	r := newRecorder(t, 2, now)

	for dts := int64(0); dts < 5000; dts += 100 {
		if !r.InputFrame(&media.Frame{Kind: media.KindAudio, Codec: media.CodecAAC, DTS: dts, PTS: dts, Data: []byte{0x21, 0x00}}) {
			t.Fatalf("frame %d rejected", dts)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files := r.Files()
	// Rotations at 0, 2000 and 4000.
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3: %v", len(files), files)
	}
	if filepath.Base(filepath.Dir(files[0])) != "2026-03-01" {
		t.Errorf("unexpected day directory in %s", files[0])
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 8 || string(data[4:8]) != "ftyp" {
		t.Error("recording does not start with ftyp")
	}
	size := binary.BigEndian.Uint32(data)
	if int(size) >= len(data) {
		t.Error("recording holds no fragments after the init segment")
	}

	entries, _ := os.ReadDir(filepath.Dir(files[0]))
	for _, e := range entries {
		if e.Name()[0] == '.' {
			t.Errorf("temporary file %s left behind", e.Name())
		}
	}
}

func TestNoRotationWhenUnbounded(t *testing.T) {
	t.Parallel()
	r := newRecorder(t, 0, nil)

	for dts := int64(0); dts < 3000; dts += 100 {
		r.InputFrame(&media.Frame{Kind: media.KindAudio, Codec: media.CodecAAC, DTS: dts, PTS: dts, Data: []byte{0x21}})
	}
	r.Close()
	if n := len(r.Files()); n != 1 {
		t.Errorf("got %d files, want 1", n)
	}
	if r.ReaderCount() != 0 || !r.IsEnabled() {
		t.Error("recorder should report no readers and always be enabled")
	}
}

func TestCloseDuringFrames(t *testing.T) {
	t.Parallel()
	r := newRecorder(t, 0, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for dts := int64(0); dts < 20000; dts += 20 {
			r.InputFrame(&media.Frame{Kind: media.KindAudio, Codec: media.CodecAAC, DTS: dts, PTS: dts, Data: []byte{0x21, 0x00}})
		}
	}()
	time.Sleep(time.Millisecond)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-done

	if r.InputFrame(&media.Frame{Kind: media.KindAudio, Codec: media.CodecAAC, DTS: 30000, PTS: 30000, Data: []byte{0x21, 0x00}}) {
		t.Error("frame accepted after Close")
	}
	if files := r.Files(); len(files) > 1 {
		t.Errorf("got %d files, want at most 1: %v", len(files), files)
	}
}
