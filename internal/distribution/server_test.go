package distribution

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/fanout/internal/certs"
	"github.com/zsiec/fanout/internal/config"
	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/sink"
	"github.com/zsiec/fanout/internal/stream"
)

const vhost = "__defaultVhost__"

func sid(name string) media.StreamID {
	return media.StreamID{Vhost: vhost, App: "live", Stream: name}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.General.PollerCount = 1
	cfg.Protocol.HLSSavePath = t.TempDir()
	cfg.Protocol.MP4SavePath = t.TempDir()
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config, mutate func(*ServerConfig)) (*Server, *stream.Manager) {
	t.Helper()
	mgr := stream.NewManager(stream.Options{Config: cfg})
	ctx, cancel := context.WithCancel(context.Background())
	go mgr.Pool().Run(ctx)
	t.Cleanup(func() {
		for _, s := range mgr.List() {
			mgr.Remove(s.Key)
		}
		cancel()
	})

	sc := ServerConfig{Streams: mgr, HLSRoot: cfg.Protocol.HLSSavePath}
	if mutate != nil {
		mutate(&sc)
	}
	srv, err := NewServer(sc)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, mgr
}

func readyStream(t *testing.T, mgr *stream.Manager, name string) *stream.Stream {
	t.Helper()
	st, ok := mgr.Create(sid(name))
	if !ok {
		t.Fatalf("Create %s failed", name)
	}
	st.Muxer.OnTrackReady(&media.Track{Kind: media.KindVideo, Codec: media.CodecH264, Width: 1280, Height: 720, FPS: 25,
		SPS: []byte{0x67, 0x64, 0x00, 0x1f}, PPS: []byte{0x68, 0xeb}})
	st.Muxer.OnAllTrackReady()
	return st
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(ServerConfig{}); err == nil {
		t.Error("expected error without Streams")
	}
	mgr := stream.NewManager(stream.Options{Config: config.Default()})
	if _, err := NewServer(ServerConfig{Streams: mgr, H3Addr: ":4443"}); err == nil {
		t.Error("expected error for HTTP/3 without a certificate")
	}
}

func TestHandleListStreamsEmpty(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, testConfig(t), nil)
	rec := do(t, srv.Handler(), "GET", "/api/streams", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	// Should return empty array, not null.
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("body = %q, want %q", body, "[]")
	}
}

func TestHandleListStreams(t *testing.T) {
	t.Parallel()

	srv, mgr := newTestServer(t, testConfig(t), nil)
	readyStream(t, mgr, "b")
	readyStream(t, mgr, "a")

	rec := do(t, srv.Handler(), "GET", "/api/streams", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	streams := decode[[]StreamInfo](t, rec)
	if len(streams) != 2 {
		t.Fatalf("got %d streams, want 2", len(streams))
	}
	if streams[0].Stream != "a" || streams[1].Stream != "b" {
		t.Errorf("order: got %s,%s, want a,b", streams[0].Stream, streams[1].Stream)
	}
	if got, want := streams[0].Tracks, []string{"H264[1280/720/25]"}; len(got) != 1 || got[0] != want[0] {
		t.Errorf("tracks: got %v, want %v", got, want)
	}
	if streams[0].Recording["hls"] || streams[0].Recording["mp4"] {
		t.Errorf("recording flags set by default: %v", streams[0].Recording)
	}
}

func TestHandleGetStreamNotFound(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, testConfig(t), nil)
	rec := do(t, srv.Handler(), "GET", "/api/streams/"+vhost+"/live/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRecordAPI(t *testing.T) {
	t.Parallel()

	srv, mgr := newTestServer(t, testConfig(t), nil)
	readyStream(t, mgr, "cam")
	h := srv.Handler()
	base := "/api/streams/" + vhost + "/live/cam/record"

	rec := do(t, h, "POST", base, `{"kind":"hls","start":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	if got := decode[map[string]bool](t, rec); !got["ok"] {
		t.Errorf("setup record: got %v, want ok", got)
	}

	rec = do(t, h, "GET", base+"?kind=hls", "")
	if got := decode[map[string]bool](t, rec); !got["recording"] {
		t.Errorf("hls recording: got %v, want true", got)
	}
	rec = do(t, h, "GET", base+"?kind=mp4", "")
	if got := decode[map[string]bool](t, rec); got["recording"] {
		t.Errorf("mp4 recording: got %v, want false", got)
	}

	rec = do(t, h, "POST", base, `{"kind":"hls","start":false}`)
	if got := decode[map[string]bool](t, rec); !got["ok"] {
		t.Errorf("stop record: got %v, want ok", got)
	}
	rec = do(t, h, "GET", base+"?kind=hls", "")
	if got := decode[map[string]bool](t, rec); got["recording"] {
		t.Errorf("hls still recording after stop")
	}
}

func TestRecordAPIRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	srv, mgr := newTestServer(t, testConfig(t), nil)
	readyStream(t, mgr, "cam")
	h := srv.Handler()
	base := "/api/streams/" + vhost + "/live/cam/record"

	for _, body := range []string{`{"kind":"rtmp","start":true}`, `{"kind":"bogus"}`, `not json`} {
		if rec := do(t, h, "POST", base, body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", body, rec.Code, http.StatusBadRequest)
		}
	}
	if rec := do(t, h, "GET", base, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing kind: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestPushAPIDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.General.EnablePush = false
	srv, mgr := newTestServer(t, cfg, nil)
	readyStream(t, mgr, "cam")
	h := srv.Handler()
	base := "/api/streams/" + vhost + "/live/cam/push"

	rec := do(t, h, "POST", base, `{"ssrc":"1","dst":"127.0.0.1","port":10000,"transport":"udp"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	rec = do(t, h, "DELETE", base+"?ssrc=1", "")
	got := decode[map[string]any](t, rec)
	if got["removed"] != float64(0) || got["ok"] != false {
		t.Errorf("stop push: got %v, want removed 0 ok false", got)
	}
}

func TestPushAPIInvalidArgs(t *testing.T) {
	t.Parallel()

	srv, mgr := newTestServer(t, testConfig(t), nil)
	readyStream(t, mgr, "cam")
	rec := do(t, srv.Handler(), "POST", "/api/streams/"+vhost+"/live/cam/push",
		`{"ssrc":"1","dst":"127.0.0.1","port":10000,"transport":"carrier-pigeon"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestLiveFLV(t *testing.T) {
	t.Parallel()

	srv, mgr := newTestServer(t, testConfig(t), nil)
	readyStream(t, mgr, "cam")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/live/" + vhost + "/live/cam.flv")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/x-flv" {
		t.Errorf("content type: got %q, want video/x-flv", ct)
	}
	sig := make([]byte, 3)
	if _, err := io.ReadFull(resp.Body, sig); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(sig) != "FLV" {
		t.Errorf("signature: got %q, want FLV", sig)
	}
}

func TestLiveEndsWithStream(t *testing.T) {
	t.Parallel()

	srv, mgr := newTestServer(t, testConfig(t), nil)
	st := readyStream(t, mgr, "cam")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/live/" + vhost + "/live/cam.ts")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	mgr.Remove(st.Key)

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, resp.Body)
		done <- err
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("response not ended after stream removal")
	}
}

func TestLiveErrors(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Protocol.EnableFMP4 = false
	srv, mgr := newTestServer(t, cfg, nil)
	readyStream(t, mgr, "cam")
	h := srv.Handler()

	tests := []struct {
		target string
		code   int
	}{
		{"/live/" + vhost + "/live/cam.avi", http.StatusNotFound},
		{"/live/" + vhost + "/live/missing.flv", http.StatusNotFound},
		{"/live/" + vhost + "/live/cam.mp4", http.StatusNotFound},
	}
	for _, tc := range tests {
		if rec := do(t, h, "GET", tc.target, ""); rec.Code != tc.code {
			t.Errorf("%s: status = %d, want %d", tc.target, rec.Code, tc.code)
		}
	}
}

func TestHLSPlaylistTouchesViewer(t *testing.T) {
	t.Parallel()

	srv, mgr := newTestServer(t, testConfig(t), nil)
	st := readyStream(t, mgr, "cam")
	h := srv.Handler()
	playlist := "/hls/" + vhost + "/live/cam/hls.m3u8"

	if rec := do(t, h, "GET", playlist, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("not recording: status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	if !st.Muxer.SetupRecord(sink.KindHLS, true, "", 0) {
		t.Fatal("SetupRecord hls failed")
	}
	dir := filepath.Join(srv.config.HLSRoot, vhost, "live", "cam")
	if err := os.WriteFile(filepath.Join(dir, "hls.m3u8"), []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := do(t, h, "GET", playlist, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.HasPrefix(rec.Body.String(), "#EXTM3U") {
		t.Errorf("body: got %q", rec.Body.String())
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != viewerCookie {
		t.Fatalf("cookies: got %v, want one %s", cookies, viewerCookie)
	}

	// The same viewer coming back is not counted twice.
	req := httptest.NewRequest("GET", playlist, nil)
	req.AddCookie(cookies[0])
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got := st.Muxer.Sink(sink.KindHLS).ReaderCount(); got != 1 {
		t.Errorf("hls viewers: got %d, want 1", got)
	}

	if rec := do(t, h, "GET", "/hls/"+vhost+"/live/cam/..", ""); rec.Code == http.StatusOK {
		t.Errorf("parent path served")
	}
}

func TestPullNotConfigured(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, testConfig(t), nil)
	h := srv.Handler()

	if rec := do(t, h, "GET", "/api/pull", ""); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("pull list: got %q, want []", rec.Body.String())
	}
	if rec := do(t, h, "POST", "/api/pull", `{"address":"10.0.0.1:9000","stream":"s"}`); rec.Code != http.StatusNotImplemented {
		t.Errorf("pull create: status = %d, want %d", rec.Code, http.StatusNotImplemented)
	}
	if rec := do(t, h, "DELETE", "/api/pull?vhost=v&app=a&stream=s", ""); rec.Code != http.StatusNotImplemented {
		t.Errorf("pull stop: status = %d, want %d", rec.Code, http.StatusNotImplemented)
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()

	srv, mgr := newTestServer(t, testConfig(t), nil)
	st := readyStream(t, mgr, "cam")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: got %q", ct)
	}

	rec := do(t, srv.Handler(), "POST", "/api/streams/"+vhost+"/live/cam/record", `{"kind":"mp4","start":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("record status = %d", rec.Code)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var msg eventMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if msg.Name != "record_changed" || msg.Kind != "mp4" || !msg.Recording {
			t.Errorf("event: got %+v", msg)
		}
		if msg.Stream != st.Key {
			t.Errorf("event stream: got %q, want %q", msg.Stream, st.Key)
		}
		return
	}
	t.Fatalf("no event received: %v", sc.Err())
}

func TestHandleCertHash(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	srv, _ := newTestServer(t, testConfig(t), func(sc *ServerConfig) {
		sc.Cert = cert
		sc.H3Addr = ":0"
	})
	rec := do(t, srv.Handler(), "GET", "/api/cert-hash", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := decode[map[string]string](t, rec); got["hash"] != cert.FingerprintBase64() {
		t.Errorf("hash: got %q, want %q", got["hash"], cert.FingerprintBase64())
	}
}
