package gop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/fanout/internal/poller"
)

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

type collector struct {
	mu  sync.Mutex
	got []int
}

func (c *collector) add(v int) {
	c.mu.Lock()
	c.got = append(c.got, v)
	c.mu.Unlock()
}

func (c *collector) values() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.got...)
}

func equalInts(a, b []int) bool {
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

func TestAttachReceivesGOPFromKeyframe(t *testing.T) {
	t.Parallel()
	p := startPoller(t)
	r := NewRing[int](0, nil)

	// Two GOPs: frames 0..3 start at key 0, frames 4..9 start at key 4.
	for i := 0; i < 10; i++ {
		r.Write(i, i == 0 || i == 4)
	}

	var c collector
	rd := r.Attach(p, c.add)
	defer rd.Close()
	p.Sync(func() {})

	want := []int{4, 5, 6, 7, 8, 9}
	if got := c.values(); !equalInts(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAttachThenLiveHasNoGap(t *testing.T) {
	t.Parallel()
	p := startPoller(t)
	r := NewRing[int](0, nil)

	r.Write(0, true)
	r.Write(1, false)
	var c collector
	rd := r.Attach(p, c.add)
	defer rd.Close()
	r.Write(2, false)
	r.Write(3, true)
	p.Sync(func() {})

	want := []int{0, 1, 2, 3}
	if got := c.values(); !equalInts(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAudioOnlyEveryFrameIsRestart(t *testing.T) {
	t.Parallel()
	p := startPoller(t)
	r := NewRing[int](0, nil)

	for i := 0; i < 5; i++ {
		r.Write(i, true)
	}
	if cached := r.Cached(); !equalInts(cached, []int{4}) {
		t.Fatalf("cache: got %v, want [4]", cached)
	}

	var c collector
	rd := r.Attach(p, c.add)
	defer rd.Close()
	for i := 5; i < 8; i++ {
		r.Write(i, true)
	}
	p.Sync(func() {})

	want := []int{4, 5, 6, 7}
	if got := c.values(); !equalInts(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNoRestartPointCachesFromStart(t *testing.T) {
	t.Parallel()
	r := NewRing[int](0, nil)

	r.Write(0, false)
	r.Write(1, false)
	if cached := r.Cached(); !equalInts(cached, []int{0, 1}) {
		t.Errorf("got %v, want [0 1]", cached)
	}
}

func TestOverflowDropsUntilNextKey(t *testing.T) {
	t.Parallel()
	r := NewRing[int](4, nil)

	r.Write(0, true)
	for i := 1; i < 5; i++ {
		r.Write(i, false)
	}
	// Fifth frame overflowed a single GOP: cache wiped.
	if cached := r.Cached(); len(cached) != 0 {
		t.Fatalf("after overflow: got %v, want empty", cached)
	}

	r.Write(5, false)
	if cached := r.Cached(); len(cached) != 0 {
		t.Fatalf("non-key after overflow was cached: %v", cached)
	}

	r.Write(6, true)
	r.Write(7, false)
	if cached := r.Cached(); !equalInts(cached, []int{6, 7}) {
		t.Errorf("got %v, want [6 7]", cached)
	}
}

func TestOverflowKeepsAttachedReadersFed(t *testing.T) {
	t.Parallel()
	p := startPoller(t)
	r := NewRing[int](2, nil)

	var c collector
	rd := r.Attach(p, c.add)
	defer rd.Close()
	for i := 0; i < 6; i++ {
		r.Write(i, i == 0)
	}
	p.Sync(func() {})

	if got := c.values(); len(got) != 6 {
		t.Errorf("got %d frames, want 6", len(got))
	}
}

func TestReaderChangedCallback(t *testing.T) {
	t.Parallel()
	p := startPoller(t)

	var mu sync.Mutex
	var counts []int
	r := NewRing[int](0, func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	})

	a := r.Attach(p, nil)
	b := r.Attach(p, nil)
	r.Write(0, true) // writes never notify
	a.Close()
	a.Close() // idempotent
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 2, 1, 0}
	if !equalInts(counts, want) {
		t.Errorf("got %v, want %v", counts, want)
	}
	if n := r.ReaderCount(); n != 0 {
		t.Errorf("ReaderCount: got %d, want 0", n)
	}
}

func TestClosedReaderStopsReceiving(t *testing.T) {
	t.Parallel()
	p := startPoller(t)
	r := NewRing[int](0, nil)

	var c collector
	rd := r.Attach(p, c.add)
	r.Write(0, true)
	p.Sync(func() {})
	rd.Close()
	r.Write(1, false)
	p.Sync(func() {})

	if got := c.values(); !equalInts(got, []int{0}) {
		t.Errorf("got %v, want [0]", got)
	}
}

func TestRingCloseFiresDetach(t *testing.T) {
	t.Parallel()
	p := startPoller(t)
	r := NewRing[int](0, nil)

	rd := r.Attach(p, nil)
	detached := make(chan struct{})
	rd.SetDetachCB(func() { close(detached) })
	r.Close()

	select {
	case <-detached:
	case <-time.After(2 * time.Second):
		t.Fatal("detach callback not fired")
	}
	if !rd.Closed() {
		t.Error("reader should be closed after ring close")
	}
	if r.Attach(p, nil) != nil {
		t.Error("Attach on closed ring should return nil")
	}
}

func TestResetClearsCache(t *testing.T) {
	t.Parallel()
	r := NewRing[int](0, nil)

	r.Write(0, true)
	r.Write(1, false)
	r.Reset()
	if cached := r.Cached(); len(cached) != 0 {
		t.Errorf("got %v, want empty", cached)
	}
	r.Write(2, false)
	if cached := r.Cached(); !equalInts(cached, []int{2}) {
		t.Errorf("after reset: got %v, want [2]", cached)
	}
}

func TestConcurrentAttachDetachDuringWrite(t *testing.T) {
	t.Parallel()
	p := startPoller(t)
	r := NewRing[int](64, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			r.Write(i, i%30 == 0)
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				rd := r.Attach(p, func(int) {})
				rd.Close()
			}
		}()
	}
	wg.Wait()
	<-done

	if n := r.ReaderCount(); n != 0 {
		t.Errorf("ReaderCount: got %d, want 0", n)
	}
}
