package app

import (
	"context"
	"errors"
	"net"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/geoip"
	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/server"
	"github.com/NodePath81/fbspeed/internal/store"
	"github.com/NodePath81/fbspeed/internal/util"
	"golang.org/x/sync/errgroup"
)

// Runtime owns one configured server instance together with its storage,
// GeoIP databases and live hub.
type Runtime struct {
	cfg     config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	logger  util.Logger
	storage *store.SQLiteStore
	geo     *geoip.Resolver
	metrics *metrics.Metrics
	hub     *server.LiveHub
	server  *server.Server
	done    chan struct{}
	err     error
}

func NewRuntime(cfg config.Config, logger util.Logger) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	storage, err := store.Open(ctx, cfg.Storage.Path)
	if err != nil {
		cancel()
		return nil, err
	}
	geo, err := geoip.Open(cfg.GeoIP.Database, cfg.GeoIP.ASNDatabase)
	if err != nil {
		cancel()
		_ = storage.Close()
		return nil, err
	}
	if geo != nil {
		logger.Info("geoip enabled", "city", cfg.GeoIP.Database, "asn", cfg.GeoIP.ASNDatabase)
	}

	m := metrics.NewMetrics()
	hub := server.NewLiveHub(m, logger)
	srv, err := server.NewServer(cfg.Server, storage, geo, m, hub, logger)
	if err != nil {
		cancel()
		_ = geo.Close()
		_ = storage.Close()
		return nil, err
	}

	return &Runtime{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		storage: storage,
		geo:     geo,
		metrics: m,
		hub:     hub,
		server:  srv,
		done:    make(chan struct{}),
	}, nil
}

// Start binds the listener and serves in the background. When any part
// fails the whole runtime winds down; Done reports it.
func (r *Runtime) Start() error {
	if err := r.server.Listen(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(r.ctx)
	g.Go(func() error {
		return r.hub.Run(gctx)
	})
	g.Go(func() error {
		return r.server.Serve(gctx)
	})
	go func() {
		err := g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("server stopped", "error", err)
		}
		r.err = err
		close(r.done)
	}()
	return nil
}

// Stop shuts the server down and releases storage and GeoIP databases. It
// must only be called once.
func (r *Runtime) Stop() {
	r.cancel()
	select {
	case <-r.done:
	default:
		if r.server.Addr() != nil {
			<-r.done
		}
	}
	if err := r.geo.Close(); err != nil {
		r.logger.Warn("geoip close failed", "error", err)
	}
	if err := r.storage.Close(); err != nil {
		r.logger.Warn("storage close failed", "error", err)
	}
}

// Done is closed after the server stopped.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that stopped the server once Done is closed.
func (r *Runtime) Err() error {
	<-r.done
	return r.err
}

// Addr returns the bound address, or nil before Start.
func (r *Runtime) Addr() net.Addr {
	return r.server.Addr()
}
