// Package distribution serves live playback and the control API over HTTP
// and HTTP/3. Both listeners share one handler.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/fanout/internal/certs"
	"github.com/zsiec/fanout/internal/ingest/srt"
	"github.com/zsiec/fanout/internal/media"
	"github.com/zsiec/fanout/internal/stream"
)

// PullFunc starts an SRT pull.
type PullFunc func(ctx context.Context, req srt.PullRequest) error

// StopPullFunc stops the pull feeding a stream.
type StopPullFunc func(id media.StreamID) error

// ListPullsFunc returns every active pull.
type ListPullsFunc func() []srt.PullRequest

// ServerConfig holds the configuration for the distribution Server.
type ServerConfig struct {
	// HTTPAddr is the TCP listen address. Empty disables it.
	HTTPAddr string
	// H3Addr is the UDP listen address for HTTP/3. Empty disables it.
	H3Addr string
	// Cert is required when H3Addr is set.
	Cert *certs.CertInfo

	Streams *stream.Manager
	// HLSRoot is the directory HLS recorders write under.
	HLSRoot string

	Pull      PullFunc
	StopPull  StopPullFunc
	ListPulls ListPullsFunc

	Log *slog.Logger
}

// Server is the HTTP and HTTP/3 distribution server.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server
}

// NewServer creates a distribution Server. It returns an error if required
// fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Streams == nil {
		return nil, errors.New("distribution: Streams is required")
	}
	if config.H3Addr != "" && config.Cert == nil {
		return nil, errors.New("distribution: Cert is required for HTTP/3")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		config: config,
		log:    log.With("component", "distribution"),
	}, nil
}

// Handler returns the handler served on both listeners.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/streams/{vhost}/{app}/{stream}", s.handleGetStream)
	mux.HandleFunc("POST /api/streams/{vhost}/{app}/{stream}/record", s.handleSetupRecord)
	mux.HandleFunc("GET /api/streams/{vhost}/{app}/{stream}/record", s.handleIsRecording)
	mux.HandleFunc("POST /api/streams/{vhost}/{app}/{stream}/push", s.handleStartPush)
	mux.HandleFunc("DELETE /api/streams/{vhost}/{app}/{stream}/push", s.handleStopPush)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/pull", s.handlePullList)
	mux.HandleFunc("POST /api/pull", s.handlePullCreate)
	mux.HandleFunc("DELETE /api/pull", s.handlePullStop)
	mux.HandleFunc("GET /live/{vhost}/{app}/{file}", s.handleLive)
	mux.HandleFunc("GET /hls/{vhost}/{app}/{stream}/{file}", s.handleHLS)
	return s.altSvcMiddleware(corsMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 listener on TCP responses.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.h3 != nil && r.ProtoMajor < 3 {
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("alt-svc header", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves every configured listener and blocks until ctx is
// cancelled or one of them fails.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()
	if s.config.H3Addr != "" {
		s.h3 = &http3.Server{
			Addr:      s.config.H3Addr,
			Handler:   handler,
			TLSConfig: http3.ConfigureTLSConfig(s.config.Cert.TLSConfig()),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
				Allow0RTT:      true,
			},
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if s.config.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              s.config.HTTPAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			s.log.Info("HTTP server listening", "addr", s.config.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if s.h3 != nil {
		h3 := s.h3
		g.Go(func() error {
			s.log.Info("HTTP/3 server listening", "addr", s.config.H3Addr)
			err := h3.ListenAndServe()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("http3: %w", err)
		})
		g.Go(func() error {
			<-ctx.Done()
			return h3.Close()
		})
	}

	return g.Wait()
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.config.Cert == nil {
		writeError(w, http.StatusNotFound, "no certificate configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"hash": s.config.Cert.FingerprintBase64(),
		"addr": s.config.H3Addr,
	})
}
