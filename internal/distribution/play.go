package distribution

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/zsiec/fanout/internal/hls"
	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/muxer"
	"github.com/zsiec/fanout/internal/sink"
)

// playQueue is the number of packets buffered per player before packets
// are dropped.
const playQueue = 1024

// viewerCookie carries the HLS viewer id between playlist requests.
const viewerCookie = "fanout_viewer"

var liveFormats = map[string]struct {
	kind        sink.Kind
	contentType string
}{
	".flv": {sink.KindRTMP, "video/x-flv"},
	".ts":  {sink.KindTS, "video/mp2t"},
	".mp4": {sink.KindFMP4, "video/mp4"},
}

// handleLive streams one of the muxer's streaming sinks to the client
// until it disconnects or the stream ends.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")
	ext := filepath.Ext(file)
	format, ok := liveFormats[ext]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown format")
		return
	}
	id := media.StreamID{Vhost: r.PathValue("vhost"), App: r.PathValue("app"), Stream: strings.TrimSuffix(file, ext)}
	st, ok := s.lookup(w, id)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	queue := make(chan []byte, playQueue)
	gone := make(chan struct{})
	mx := st.Muxer
	rd, err := mx.Attach(format.kind, mx.OwnerPoller(), func(pkt sink.Packet) {
		select {
		case queue <- pkt.Data:
		default:
		}
	})
	if err != nil {
		if errors.Is(err, muxer.ErrNoSink) {
			writeError(w, http.StatusNotFound, format.kind.String()+" is not enabled")
			return
		}
		writeError(w, http.StatusGone, err.Error())
		return
	}
	rd.SetDetachCB(func() { close(gone) })
	defer rd.Close()

	log := s.log.With("stream", id.String(), "format", format.kind.String(), "remote", r.RemoteAddr)
	log.Info("player joined")
	defer log.Info("player left")

	w.Header().Set("Content-Type", format.contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case data := <-queue:
			if _, err := w.Write(data); err != nil {
				log.Debug("write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

type dirSink interface {
	Dir() string
}

// handleHLS serves recorder files. Every playlist request refreshes the
// requester's place in the HLS viewer set.
func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	file := r.PathValue("file")
	if file == "" || strings.Contains(file, "..") {
		writeError(w, http.StatusBadRequest, "bad file name")
		return
	}
	st, ok := s.lookup(w, id)
	if !ok {
		return
	}
	mx := st.Muxer

	dir := filepath.Join(s.config.HLSRoot, id.Vhost, id.App, id.Stream)
	if d, ok := mx.Sink(sink.KindHLS).(dirSink); ok {
		dir = d.Dir()
	}

	if file == hls.PlaylistName {
		viewer := viewerID(w, r)
		if !mx.TouchHLS(viewer) {
			writeError(w, http.StatusNotFound, "hls is not recording")
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-cache")
	} else if strings.HasSuffix(file, ".ts") {
		w.Header().Set("Content-Type", "video/mp2t")
	}
	http.ServeFile(w, r, filepath.Join(dir, file))
}

func viewerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(viewerCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{Name: viewerCookie, Value: id, Path: "/hls/", HttpOnly: true})
	return id
}
