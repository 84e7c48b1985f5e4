// Package server owns the TCP listener, the live bucket-type registry, and
// the store handle. Its shape — a Config struct with a DefaultConfig, a
// New/Start/Stop lifecycle, and a GetStats snapshot — spawns one pipeline
// goroutine per accepted TCP connection and tears it down on Stop's grace
// period.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/limitd/limitd-go/internal/bucket"
	"github.com/limitd/limitd-go/internal/dispatchpool"
	"github.com/limitd/limitd-go/internal/errs"
	"github.com/limitd/limitd-go/internal/eventbus"
	"github.com/limitd/limitd-go/internal/handler"
	"github.com/limitd/limitd-go/internal/logging"
	"github.com/limitd/limitd-go/internal/metrics"
	"github.com/limitd/limitd-go/internal/pipeline"
	"github.com/limitd/limitd-go/internal/protocol"
	"github.com/limitd/limitd-go/internal/remoteconfig"
	"github.com/limitd/limitd-go/internal/store"
)

var log = logging.For("server")

// Config holds server configuration.
type Config struct {
	Hostname string
	Port     int
	DBPath   string
	Protocol string // "binary-schema" or "tagged-json"

	Buckets map[string]bucket.BucketType

	RemoteConfigURI      string
	RemoteConfigInterval time.Duration

	MaxFrame int

	// AcceptRate bounds the Accept loop against connection floods; this is
	// a transport-boundary defense distinct from the per-bucket domain
	// rate limiting in internal/handler.
	AcceptRate  rate.Limit
	AcceptBurst int

	ShutdownGrace time.Duration

	DispatchPool dispatchpool.Config
}

// DefaultConfig returns the CLI-flag defaults.
func DefaultConfig() Config {
	return Config{
		Hostname:      "0.0.0.0",
		Port:          9231,
		Protocol:      "binary-schema",
		MaxFrame:      65536,
		AcceptRate:    rate.Limit(1000),
		AcceptBurst:   2000,
		ShutdownGrace: 5 * time.Second,
	}
}

// Stats is a point-in-time snapshot of server activity.
type Stats struct {
	ConnectionsAccepted uint64
	ConnectionsActive   int64
	Pool                dispatchpool.Stats
}

// Server listens on a TCP endpoint, dispatches one pipeline per accepted
// connection, and owns the registry-reload loop.
type Server struct {
	cfg Config

	registry *bucket.Registry
	store    *store.Store
	bus      *eventbus.Bus
	handler  *handler.Handler
	codec    protocol.Codec
	pool     *dispatchpool.Pool
	accept   *rate.Limiter

	remote *remoteconfig.Client

	ln net.Listener

	ctx       context.Context
	cancel    context.CancelFunc
	stopping  atomic.Bool
	wg        sync.WaitGroup
	connsWG   sync.WaitGroup
	connsLive int64

	connsMu sync.Mutex
	conns   map[*net.TCPConn]struct{}

	accepted atomic.Uint64

	drainOnce sync.Once
}

// New constructs a Server: opens the store, waits for it to become ready,
// validates and publishes the initial registry. It does not yet bind the
// listener.
func New(cfg Config) (*Server, error) {
	codec, ok := protocol.ForName(cfg.Protocol)
	if !ok {
		return nil, errs.New(errs.KindConfig, fmt.Sprintf("unknown protocol %q", cfg.Protocol))
	}

	registry := bucket.NewRegistry()
	if err := registry.Replace(cfg.Buckets); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "initial bucket configuration", err)
	}

	bus := eventbus.New(32)
	st, err := waitStoreReady(cfg.DBPath, bus)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := dispatchpool.New(cfg.DispatchPool)

	s := &Server{
		cfg:      cfg,
		registry: registry,
		store:    st,
		bus:      bus,
		handler:  handler.New(registry, st),
		codec:    codec,
		pool:     pool,
		accept:   rate.NewLimiter(orDefault(cfg.AcceptRate, rate.Limit(1000)), orDefaultInt(cfg.AcceptBurst, 2000)),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*net.TCPConn]struct{}),
	}

	if cfg.RemoteConfigURI != "" {
		s.remote = remoteconfig.New(cfg.RemoteConfigURI, 10*time.Second)
	}

	return s, nil
}

func orDefault(v, def rate.Limit) rate.Limit {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// waitStoreReady opens the store and blocks until it publishes
// eventbus.TopicStoreReady.
func waitStoreReady(path string, bus *eventbus.Bus) (*store.Store, error) {
	sub := bus.Subscribe(context.Background(), eventbus.TopicStoreReady)
	defer sub.Close()

	st, err := store.Open(path, bus)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreFatal, "open store", err)
	}

	select {
	case <-sub.Ch:
	case <-time.After(5 * time.Second):
		st.Close()
		return nil, errs.New(errs.KindStoreFatal, "store did not signal ready within 5s")
	}
	return st, nil
}

// Start binds the listener and begins accepting connections, plus the
// registry-reload loop if a remote config source is configured.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Hostname, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.Wrap(errs.KindConfig, "bind listener", err)
	}
	s.ln = ln
	log.WithField("addr", addr).Info("listening")

	s.wg.Add(1)
	go s.acceptLoop()

	if s.remote != nil {
		s.wg.Add(1)
		go s.reloadLoop()
	}

	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.stopping.Load() {
				return
			}
			log.WithError(err).Error("accept failed")
			return
		}

		if err := s.accept.Wait(s.ctx); err != nil {
			conn.Close()
			continue
		}

		tcp, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		// Disable write coalescing, enable keepalive.
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)

		s.accepted.Add(1)
		atomic.AddInt64(&s.connsLive, 1)

		s.connsMu.Lock()
		s.conns[tcp] = struct{}{}
		s.connsMu.Unlock()

		s.connsWG.Add(1)
		go func() {
			defer s.connsWG.Done()
			defer atomic.AddInt64(&s.connsLive, -1)
			defer func() {
				s.connsMu.Lock()
				delete(s.conns, tcp)
				s.connsMu.Unlock()
			}()
			s.serve(tcp)
		}()
	}
}

func (s *Server) serve(conn *net.TCPConn) {
	defer conn.Close()

	p := pipeline.New(conn, s.codec, s.handler, s.pool, s.cfg.MaxFrame)
	if err := p.Run(s.ctx); err != nil {
		log.WithError(err).Debug("pipeline terminated")
	}
}

// reloadLoop polls the remote configuration source on the configured
// interval (default 60s) and republishes the registry on change. A fetch
// failure is logged and leaves the currently published registry untouched
//.
func (s *Server) reloadLoop() {
	defer s.wg.Done()

	interval := s.cfg.RemoteConfigInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	s.remote.Poll(s.ctx, interval, func(buckets map[string]bucket.BucketType) {
		if err := s.registry.Replace(buckets); err != nil {
			log.WithError(err).Error("rejected remote registry update")
			metrics.RegistrySwaps.WithLabelValues("rejected").Inc()
			s.bus.Publish(eventbus.TopicRegistrySwap, err)
			return
		}
		metrics.RegistrySwaps.WithLabelValues("accepted").Inc()
		s.bus.Publish(eventbus.TopicRegistrySwap, nil)
		log.Info("published updated registry from remote config")
	})
}

// Stop stops accepting new connections, gives in-flight pipelines the
// configured grace period (default 5s) to finish on their own, force-
// cancels stragglers past that deadline, then closes the store.
func (s *Server) Stop() error {
	s.drainOnce.Do(func() {
		s.stopping.Store(true)
		if s.ln != nil {
			s.ln.Close()
		}
	})

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	done := make(chan struct{})
	go func() {
		s.connsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn("shutdown grace period exceeded, forcing close of in-flight connections")
		s.cancel()
		// Cancellation alone cannot unblock a pipeline sitting in a socket
		// read; closing the socket does.
		s.connsMu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.connsMu.Unlock()
		<-done
	}

	s.cancel()
	s.wg.Wait()

	if err := s.pool.CloseTimeout(grace); err != nil {
		log.WithError(err).Warn("dispatch pool did not drain cleanly")
	}

	return s.store.Close()
}

// GetStats returns a point-in-time activity snapshot.
func (s *Server) GetStats() Stats {
	return Stats{
		ConnectionsAccepted: s.accepted.Load(),
		ConnectionsActive:   atomic.LoadInt64(&s.connsLive),
		Pool:                s.pool.GetStats(),
	}
}

// Registry exposes the live bucket-type registry, e.g. for an embedding
// process to publish a local update outside the remote-config loop.
func (s *Server) Registry() *bucket.Registry { return s.registry }
