package distribution

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zsiec/fanout/internal/events"
	"github.com/zsiec/fanout/internal/ingest/srt"
	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/muxer"
	"github.com/zsiec/fanout/internal/push"
	"github.com/zsiec/fanout/internal/sink"
	"github.com/zsiec/fanout/internal/stream"
)

// pushReplyTimeout bounds how long a push request waits for the session
// to connect.
const pushReplyTimeout = 15 * time.Second

// StreamInfo is the JSON summary of a live stream.
type StreamInfo struct {
	Key       string          `json:"key"`
	Vhost     string          `json:"vhost"`
	App       string          `json:"app"`
	Stream    string          `json:"stream"`
	Origin    string          `json:"origin,omitempty"`
	Tracks    []string        `json:"tracks"`
	Readers   int             `json:"readers"`
	Enabled   bool            `json:"enabled"`
	Recording map[string]bool `json:"recording"`
	Pushes    []string        `json:"pushes"`
	UptimeMs  int64           `json:"uptimeMs"`
}

func streamInfo(s *stream.Stream) StreamInfo {
	mx := s.Muxer
	info := StreamInfo{
		Key:     s.Key,
		Vhost:   s.ID.Vhost,
		App:     s.ID.App,
		Stream:  s.ID.Stream,
		Origin:  mx.OriginURL(),
		Tracks:  []string{},
		Readers: mx.TotalReaderCount(),
		Enabled: mx.IsEnabled(),
		Recording: map[string]bool{
			sink.KindHLS.String(): mx.IsRecording(sink.KindHLS),
			sink.KindMP4.String(): mx.IsRecording(sink.KindMP4),
		},
		Pushes:   mx.Pushes(),
		UptimeMs: time.Since(s.StartedAt).Milliseconds(),
	}
	for _, t := range mx.Tracks() {
		info.Tracks = append(info.Tracks, t.String())
	}
	return info
}

func pathID(r *http.Request) media.StreamID {
	return media.StreamID{
		Vhost:  r.PathValue("vhost"),
		App:    r.PathValue("app"),
		Stream: r.PathValue("stream"),
	}
}

func (s *Server) lookup(w http.ResponseWriter, id media.StreamID) (*stream.Stream, bool) {
	st, ok := s.config.Streams.Get(id.String())
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
	}
	return st, ok
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	list := s.config.Streams.List()
	resp := make([]StreamInfo, 0, len(list))
	for _, st := range list {
		resp = append(resp, streamInfo(st))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, pathID(r))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, streamInfo(st))
}

type recordRequest struct {
	Kind      string `json:"kind"`
	Start     bool   `json:"start"`
	Path      string `json:"path,omitempty"`
	MaxSecond int    `json:"maxSecond,omitempty"`
}

func recorderKind(name string) (sink.Kind, error) {
	k, ok := sink.ParseKind(name)
	if !ok || !k.IsRecorder() {
		return 0, fmt.Errorf("unknown recorder %q", name)
	}
	return k, nil
}

func (s *Server) handleSetupRecord(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, pathID(r))
	if !ok {
		return
	}
	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	k, err := recorderKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"ok": st.Muxer.SetupRecord(k, req.Start, req.Path, req.MaxSecond),
	})
}

func (s *Server) handleIsRecording(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, pathID(r))
	if !ok {
		return
	}
	k, err := recorderKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recording": st.Muxer.IsRecording(k)})
}

type pushReply struct {
	port uint16
	err  error
}

func (s *Server) handleStartPush(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, pathID(r))
	if !ok {
		return
	}
	var args push.Args
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ch := make(chan pushReply, 1)
	st.Muxer.StartPush(args, func(port uint16, err error) {
		ch <- pushReply{port, err}
	})

	timer := time.NewTimer(pushReplyTimeout)
	defer timer.Stop()

	select {
	case rep := <-ch:
		if rep.err != nil {
			writeError(w, pushStatus(rep.err), rep.err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ssrc": args.SSRC, "localPort": rep.port})
	case <-timer.C:
		writeError(w, http.StatusGatewayTimeout, "push did not connect in time")
	case <-r.Context().Done():
	}
}

func pushStatus(err error) int {
	switch {
	case errors.Is(err, muxer.ErrPushDisabled):
		return http.StatusForbidden
	case errors.Is(err, muxer.ErrClosed):
		return http.StatusGone
	case errors.Is(err, push.ErrUnsupportedTransport):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func (s *Server) handleStopPush(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, pathID(r))
	if !ok {
		return
	}
	n, ok := st.Muxer.StopPush(r.URL.Query().Get("ssrc"))
	writeJSON(w, http.StatusOK, map[string]any{"removed": n, "ok": ok})
}

type eventMessage struct {
	Name      string `json:"name"`
	Stream    string `json:"stream"`
	SSRC      string `json:"ssrc,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Recording bool   `json:"recording,omitempty"`
	Error     string `json:"error,omitempty"`
	At        int64  `json:"at"`
}

func toMessage(e events.Event) eventMessage {
	msg := eventMessage{Name: e.Name()}
	switch ev := e.(type) {
	case events.PushStopped:
		msg.Stream = ev.Stream.String()
		msg.SSRC = ev.SSRC
		msg.At = ev.At.UnixMilli()
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
		}
	case events.RecordChanged:
		msg.Stream = ev.Stream.String()
		msg.Kind = ev.Kind
		msg.Recording = ev.Recording
		msg.At = ev.At.UnixMilli()
	}
	return msg
}

// handleEvents streams hub events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, cancel := s.config.Streams.Hub().Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(toMessage(e))
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name(), data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// SECURITY: the pull endpoint dials arbitrary addresses. Expose it to
// operators only.
func (s *Server) handlePullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.ListPulls == nil {
		writeJSON(w, http.StatusOK, []srt.PullRequest{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.ListPulls())
}

func (s *Server) handlePullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.Pull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req srt.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.Stream == "" {
		writeError(w, http.StatusBadRequest, "address and stream are required")
		return
	}
	if err := s.config.Pull(r.Context(), req); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "stream": req.Stream})
}

func (s *Server) handlePullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.StopPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	q := r.URL.Query()
	id := media.StreamID{Vhost: q.Get("vhost"), App: q.Get("app"), Stream: q.Get("stream")}
	if id.Vhost == "" || id.App == "" || id.Stream == "" {
		writeError(w, http.StatusBadRequest, "vhost, app and stream query parameters required")
		return
	}
	if err := s.config.StopPull(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "stream": id.String()})
}
