package sink

import (
	"context"
	"sync"
	"testing"

	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/poller"
)

type fakeSink struct {
	Live
}

func (*fakeSink) AddTrack(*media.Track) bool   { return true }
func (*fakeSink) AddTrackCompleted()           {}
func (*fakeSink) InputFrame(*media.Frame) bool { return true }
func (*fakeSink) ResetTracks()                 {}

type countListener struct {
	mu     sync.Mutex
	counts []int
}

func (l *countListener) OnReaderChanged(_ Sink, count int) {
	l.mu.Lock()
	l.counts = append(l.counts, count)
	l.mu.Unlock()
}

func startPoller(t *testing.T) *poller.Poller {
	t.Helper()
	p := poller.New(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-p.Done()
	})
	return p
}

func newFake(demand bool) *fakeSink {
	s := &fakeSink{}
	s.Init(s, KindTS, demand, 0)
	return s
}

func dtsOf(pkts []Packet) []int64 {
	out := make([]int64, len(pkts))
	for i, p := range pkts {
		out[i] = p.DTS
	}
	return out
}

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

func TestHeaderBeforeCachedGOP(t *testing.T) {
	t.Parallel()
	p := startPoller(t)
	s := newFake(false)

	s.SetHeader(Packet{DTS: -1})
	s.Publish(Packet{DTS: 0, Key: true}, true)
	s.Publish(Packet{DTS: 40}, false)

	var mu sync.Mutex
	var got []Packet
	rd := s.Attach(p, func(pkt Packet) {
		mu.Lock()
		got = append(got, pkt)
		mu.Unlock()
	})
	defer rd.Close()
	s.Publish(Packet{DTS: 80}, false)
	p.Sync(func() {})

	mu.Lock()
	defer mu.Unlock()
	if want := []int64{-1, 0, 40, 80}; !equal(dtsOf(got), want) {
		t.Errorf("got %v, want %v", dtsOf(got), want)
	}
}

func TestDemandEnabledOnlyWithReaders(t *testing.T) {
	t.Parallel()
	p := startPoller(t)
	s := newFake(true)
	lis := &countListener{}
	s.SetListener(lis)

	if s.IsEnabled() {
		t.Fatal("enabled with no readers")
	}
	rd := s.Attach(p, func(Packet) {})
	if !s.IsEnabled() {
		t.Error("not enabled with a reader")
	}
	if got := s.ReaderCount(); got != 1 {
		t.Errorf("got %v readers, want 1", got)
	}
	rd.Close()
	if s.IsEnabled() {
		t.Error("enabled after the last reader left")
	}

	lis.mu.Lock()
	defer lis.mu.Unlock()
	if want := []int{1, 0}; len(lis.counts) != 2 || lis.counts[0] != 1 || lis.counts[1] != 0 {
		t.Errorf("got %v, want %v", lis.counts, want)
	}
}

func TestNonDemandAlwaysEnabled(t *testing.T) {
	t.Parallel()
	if s := newFake(false); !s.IsEnabled() {
		t.Error("non-demand sink should be enabled without readers")
	}
}

func TestDemandSinkDropsGOPWhenIdle(t *testing.T) {
	t.Parallel()
	p := startPoller(t)
	s := newFake(true)

	rd := s.Attach(p, func(Packet) {})
	s.Publish(Packet{DTS: 0, Key: true}, true)
	s.Publish(Packet{DTS: 40}, false)
	rd.Close()

	if got := s.ring.Cached(); len(got) != 0 {
		t.Errorf("got %v cached after last reader left, want none", dtsOf(got))
	}
}

func TestResetLiveClearsHeader(t *testing.T) {
	t.Parallel()
	s := newFake(false)
	s.SetHeader(Packet{DTS: -1})
	s.Publish(Packet{DTS: 0, Key: true}, true)
	s.ResetLive()

	if got := s.Header(); len(got) != 0 {
		t.Errorf("got %d header packets, want 0", len(got))
	}
	if got := s.ring.Cached(); len(got) != 0 {
		t.Errorf("got %d cached packets, want 0", len(got))
	}
}

func TestAttachAfterCloseReturnsNil(t *testing.T) {
	t.Parallel()
	p := startPoller(t)
	s := newFake(false)
	s.Close()
	if rd := s.Attach(p, func(Packet) {}); rd != nil {
		t.Error("attach on a closed sink should return nil")
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"hls", KindHLS, true},
		{" MP4 ", KindMP4, true},
		{"rtmp", KindRTMP, true},
		{"webrtc", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseKind(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseKind(%q) = %v, %v, want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
	if !KindHLS.IsRecorder() || KindTS.IsRecorder() {
		t.Error("IsRecorder mismatch")
	}
	if got := Kind(99).String(); got != "unknown" {
		t.Errorf("got %q, want unknown", got)
	}
}
