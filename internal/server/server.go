// Package server serves the speed-test HTTP API: probe endpoints for the
// measurement engine, result recording and history, the live result stream
// and metrics.
package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/NodePath81/fbspeed/internal/api"
	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/geoip"
	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/store"
	"github.com/NodePath81/fbspeed/internal/util"
	"golang.org/x/net/netutil"
)

const (
	maxRecordBodyBytes = 1 << 20
	limiterTTL         = 5 * time.Minute
	readHeaderTimeout  = 10 * time.Second
)

type Server struct {
	cfg     config.ServerConfig
	storage store.Storage
	geo     *geoip.Resolver
	metrics *metrics.Metrics
	hub     *LiveHub
	logger  util.Logger
	limiter *rateLimiter
	chunk   []byte
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer builds the HTTP API. geo may be nil.
func NewServer(cfg config.ServerConfig, storage store.Storage, geo *geoip.Resolver, m *metrics.Metrics, hub *LiveHub, logger util.Logger) (*Server, error) {
	chunk := make([]byte, cfg.Download.ChunkBytes)
	if _, err := rand.Read(chunk); err != nil {
		return nil, fmt.Errorf("generate download payload: %w", err)
	}
	s := &Server{
		cfg:     cfg,
		storage: storage,
		geo:     geo,
		metrics: m,
		hub:     hub,
		logger:  logger,
		limiter: newRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, limiterTTL),
		chunk:   chunk,
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(api.PathPing, s.handlePing)
	mux.HandleFunc(api.PathDownload, s.handleDownload)
	mux.HandleFunc(api.PathUpload, s.handleUpload)
	mux.HandleFunc(api.PathRecord, s.handleRecord)
	mux.HandleFunc(api.PathHistory, s.handleHistory)
	if s.cfg.Live.IsEnabled() {
		mux.HandleFunc(api.PathLive, s.handleLive)
	}
	if s.cfg.Metrics.IsEnabled() {
		mux.HandleFunc(api.PathMetrics, s.handleMetrics)
	}
	return mux
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen binds the configured address. Connections beyond
// server.max_connections wait in the accept queue.
func (s *Server) Listen() error {
	addr := util.NetJoin(s.cfg.BindAddr, s.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.mu.Unlock()
	s.logger.Info("speed test server listening", "addr", ln.Addr().String(), "max_connections", s.cfg.MaxConnections)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve handles connections until ctx is done and the server has shut down.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	srv, ln := s.server, s.listener
	s.mu.Unlock()
	if srv == nil {
		return errors.New("server not listening")
	}

	go func() {
		ticker := time.NewTicker(limiterTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					s.logger.Warn("server shutdown incomplete", "error", err)
				}
				return
			case <-ticker.C:
				s.limiter.prune()
			}
		}
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
