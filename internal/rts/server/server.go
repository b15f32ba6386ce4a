// Package server assembles the coordinator's two listening surfaces: the
// streaming port, whose /ws endpoint upgrades into message channels served by
// the dispatcher, and the API port, which serves recording assets for
// endpoint downloads plus health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alxayo/go-rts/internal/logger"
	"github.com/alxayo/go-rts/internal/rts/channel"
	"github.com/alxayo/go-rts/internal/rts/dispatch"
)

// Config holds the server's listening knobs.
type Config struct {
	StreamAddr string // websocket control plane
	APIAddr    string // assets, health, metrics
	AssetsDir  string // root of the files served under /assets/

	// ShutdownGrace bounds how long Stop waits for in-flight HTTP work.
	ShutdownGrace time.Duration
}

// applyDefaults fills zero values with the platform defaults.
func (c *Config) applyDefaults() {
	if c.StreamAddr == "" {
		c.StreamAddr = ":1452"
	}
	if c.APIAddr == "" {
		c.APIAddr = ":1451"
	}
	if c.AssetsDir == "" {
		c.AssetsDir = "assets"
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 5 * time.Second
	}
}

// Server owns both listeners and tracks every live channel so shutdown can
// close them deliberately.
type Server struct {
	cfg Config
	d   *dispatch.Dispatcher
	log *slog.Logger

	mu         sync.Mutex
	conns      map[string]*channel.Channel
	started    bool
	closing    bool
	streamAddr net.Addr
	apiAddr    net.Addr

	streamSrv *http.Server
	apiSrv    *http.Server
	group     *errgroup.Group
}

// New creates an unstarted server around the dispatcher.
func New(cfg Config, d *dispatch.Dispatcher) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:   cfg,
		d:     d,
		conns: make(map[string]*channel.Channel),
		log:   logger.Logger().With("component", "server"),
	}
}

// Start binds both ports and begins serving. Safe to call only once.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.started = true
	s.mu.Unlock()

	streamLn, err := net.Listen("tcp", s.cfg.StreamAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.StreamAddr, err)
	}
	apiLn, err := net.Listen("tcp", s.cfg.APIAddr)
	if err != nil {
		_ = streamLn.Close()
		return fmt.Errorf("listen %s: %w", s.cfg.APIAddr, err)
	}

	streamMux := http.NewServeMux()
	streamMux.HandleFunc("/ws", s.handleWS)
	s.streamSrv = &http.Server{Handler: streamMux}

	apiMux := http.NewServeMux()
	apiMux.Handle("/assets/", http.StripPrefix("/assets/",
		http.FileServer(http.Dir(s.cfg.AssetsDir))))
	apiMux.HandleFunc("/healthz", handleHealthz)
	apiMux.Handle("/metrics", promhttp.Handler())
	s.apiSrv = &http.Server{Handler: apiMux}

	s.mu.Lock()
	s.streamAddr = streamLn.Addr()
	s.apiAddr = apiLn.Addr()
	s.mu.Unlock()

	g := new(errgroup.Group)
	g.Go(func() error {
		if err := s.streamSrv.Serve(streamLn); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("stream server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.apiSrv.Serve(apiLn); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	s.group = g

	s.log.Info("server listening",
		"stream_addr", streamLn.Addr().String(),
		"api_addr", apiLn.Addr().String(),
		"assets_dir", s.cfg.AssetsDir)
	return nil
}

// handleWS upgrades one connection and serves it until the peer goes away.
// The HTTP handler goroutine is the connection's read loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ch, err := channel.Accept(w, r)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ch.Close()
		return
	}
	s.conns[ch.ID()] = ch
	active := len(s.conns)
	s.mu.Unlock()
	s.log.Info("connection registered",
		"channel_id", ch.ID(), "remote", ch.RemoteAddr(), "active", active)

	s.d.Serve(r.Context(), ch)

	s.mu.Lock()
	delete(s.conns, ch.ID())
	s.mu.Unlock()
	_ = ch.Close()
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Stop closes every live channel, then shuts both HTTP servers down within
// the grace window.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conns := make([]*channel.Channel, 0, len(s.conns))
	for _, ch := range s.conns {
		conns = append(conns, ch)
	}
	s.mu.Unlock()

	for _, ch := range conns {
		_ = ch.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	var firstErr error
	if err := s.streamSrv.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.apiSrv.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.group.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.log.Info("server stopped")
	return firstErr
}

// Wait blocks until both servers exit, returning the first failure.
func (s *Server) Wait() error { return s.group.Wait() }

// StreamAddr returns the bound streaming address, nil before Start.
func (s *Server) StreamAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamAddr
}

// APIAddr returns the bound API address, nil before Start.
func (s *Server) APIAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiAddr
}

// ConnectionCount returns the number of live channels.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
