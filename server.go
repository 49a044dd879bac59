package limitd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/dirceu/limitd/internal/bucket"
	"github.com/dirceu/limitd/internal/clock"
	"github.com/dirceu/limitd/internal/connguard"
	"github.com/dirceu/limitd/internal/limiter"
	"github.com/dirceu/limitd/internal/pipeline"
	"github.com/dirceu/limitd/internal/remoteconfig"
	"github.com/dirceu/limitd/internal/storage"
	loggingbackend "github.com/dirceu/limitd/internal/storage/logging"
	"github.com/dirceu/limitd/internal/storage/retry"
	"github.com/dirceu/limitd/internal/telemetry"
	"github.com/dirceu/limitd/internal/wire"
)

// Server owns the listener, the bucket-type registry, and the store handle.
// One pipeline runs per accepted connection; all pipelines share the store
// and the registry snapshot pointer.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	store    storage.Backend
	registry *bucket.Registry
	codec    wire.Codec
	metrics  *telemetry.Metrics
	guard    *connguard.Guard
	clock    clock.Clock
	handler  *limiter.Handler

	listener   net.Listener
	metricsSrv *http.Server

	mu       sync.Mutex
	pipes    map[*pipeline.Pipeline]struct{}
	shutdown bool

	readyOnce sync.Once
	readyCh   chan struct{}

	rootCtx    context.Context
	rootCancel context.CancelFunc
	stopTasks  chan struct{}
	tasks      sync.WaitGroup
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Store  storage.Backend
	Clock  clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithStore injects a pre-built store backend (useful for tests).
func WithStore(b storage.Backend) Option {
	return func(o *options) { o.Store = b }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// NewServer constructs a limitd server according to cfg. The store is
// opened (and its journal replayed) before NewServer returns, so a server
// handed to Start is ready to serve.
//
// Example:
//
//	cfg := limitd.Config{Store: "mem://", Buckets: types}
//	srv, err := limitd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	codec, err := wire.NewCodec(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	registry, err := bucket.NewRegistry(cfg.Buckets)
	if err != nil {
		return nil, err
	}
	metrics := telemetry.New()

	backend := o.Store
	if backend == nil {
		backend, err = openBackend(cfg, logger.With("sys", "storage"), serverClock)
		if err != nil {
			return nil, err
		}
	}
	storageLogger := logger.With("sys", "storage")
	backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"))
	backend = retry.Wrap(backend, storageLogger.With("layer", "retry"), serverClock, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})

	guard := connguard.New(connguard.Config{
		Enabled:          !cfg.ConnguardDisabled,
		FailureThreshold: cfg.ConnguardFailureThreshold,
		FailureWindow:    cfg.ConnguardFailureWindow,
		BlockDuration:    cfg.ConnguardBlockDuration,
	}, logger, serverClock)

	handler := limiter.New(limiter.Config{
		Registry:        registry,
		Store:           backend,
		Clock:           serverClock,
		Logger:          logger.With("sys", "handler"),
		Metrics:         metrics,
		StatusScanLimit: cfg.StatusScanLimit,
	})

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		logger:     logger.With("sys", "server"),
		store:      backend,
		registry:   registry,
		codec:      codec,
		metrics:    metrics,
		guard:      guard,
		clock:      serverClock,
		handler:    handler,
		pipes:      make(map[*pipeline.Pipeline]struct{}),
		readyCh:    make(chan struct{}),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		stopTasks:  make(chan struct{}),
	}, nil
}

// Registry exposes the live bucket-type registry (tests, embedding).
func (s *Server) Registry() *bucket.Registry {
	return s.registry
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Addr returns the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// Start binds the listener and serves until Shutdown. It blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.ListenAddr(), err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	if err := s.startMetrics(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("metrics listen: %w", err)
	}
	s.startReloadTasks()
	s.signalReady()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"protocol", s.codec.Name(),
		"bucket_types", s.registry.Len(),
		"instance", uuid.NewString(),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.shutdown
			s.mu.Unlock()
			if stopped || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if s.guard.Blocked(conn.RemoteAddr().String()) {
			s.logger.Debug("refused blocked remote", "remote", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsOpen.Inc()
		p := pipeline.New(pipeline.Config{
			Conn:     conn,
			Codec:    s.codec,
			Handler:  s.handler,
			Logger:   s.logger.With("sys", "server.pipeline"),
			Metrics:  s.metrics,
			Guard:    s.guard,
			MaxFrame: s.cfg.MaxFrameBytes,
			Depth:    s.cfg.PipelineDepth,
		})
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			_ = conn.Close()
			s.metrics.ConnectionsOpen.Dec()
			return nil
		}
		s.pipes[p] = struct{}{}
		s.mu.Unlock()
		go func() {
			p.Run(s.rootCtx)
			s.mu.Lock()
			delete(s.pipes, p)
			s.mu.Unlock()
			s.metrics.ConnectionsOpen.Dec()
		}()
	}
}

// startReloadTasks launches the remote fetch loop and the config-file
// watcher when configured. Both feed the same validate-then-swap path;
// failures keep the previously published registry.
func (s *Server) startReloadTasks() {
	if s.cfg.RemoteConfigURI != "" {
		fetcher := remoteconfig.New(s.cfg.RemoteConfigURI, s.logger.With("sys", "server.remoteconfig"))
		s.tasks.Add(1)
		go s.remoteReloadLoop(fetcher)
	}
	if s.cfg.WatchConfigFile && s.cfg.ConfigFile != "" {
		s.tasks.Add(1)
		go s.watchConfigFile()
	}
}

func (s *Server) remoteReloadLoop(fetcher *remoteconfig.Fetcher) {
	defer s.tasks.Done()
	ticker := time.NewTicker(s.cfg.RemoteConfigInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopTasks:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(s.rootCtx, s.cfg.RemoteConfigInterval)
		types, changed, err := fetcher.Fetch(ctx)
		cancel()
		if err != nil {
			s.logger.Error("remote config fetch failed", "uri", s.cfg.RemoteConfigURI, "error", err)
			continue
		}
		if !changed {
			continue
		}
		s.publish(types, "remote")
	}
}

func (s *Server) watchConfigFile() {
	defer s.tasks.Done()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Error("config watch unavailable", "error", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(s.cfg.ConfigFile); err != nil {
		s.logger.Error("config watch failed", "path", s.cfg.ConfigFile, "error", err)
		return
	}
	s.logger.Debug("watching config file", "path", s.cfg.ConfigFile)
	for {
		select {
		case <-s.stopTasks:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fc, err := LoadFileConfig(s.cfg.ConfigFile)
			if err != nil {
				s.logger.Error("config reload rejected", "path", s.cfg.ConfigFile, "error", err)
				continue
			}
			types, err := fc.BucketTypes()
			if err != nil {
				s.logger.Error("config reload rejected", "path", s.cfg.ConfigFile, "error", err)
				continue
			}
			s.publish(types, "file")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("config watch error", "error", err)
		}
	}
}

// publish swaps the registry to types. In-flight requests keep the snapshot
// they resolved; the next dispatch observes the new mapping.
func (s *Server) publish(types map[string]*bucket.Type, source string) {
	if err := s.registry.Replace(types); err != nil {
		s.logger.Error("registry swap rejected", "source", source, "error", err)
		return
	}
	s.metrics.RegistrySwaps.Inc()
	s.logger.Info("registry swapped", "source", source, "bucket_types", len(types))
}

// Shutdown gracefully stops the server: stop accepting, drain pipelines
// within the configured grace, force-close stragglers, then close the
// store. It returns nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	s.listener = nil
	pipes := make([]*pipeline.Pipeline, 0, len(s.pipes))
	for p := range s.pipes {
		pipes = append(pipes, p)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	close(s.stopTasks)

	for _, p := range pipes {
		p.Drain()
	}
	grace := s.cfg.DrainGrace
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < grace {
			grace = until
		}
	}
	// A connection squeezing through accept during shutdown registers after
	// the snapshot above; drain whatever is tracked now as well.
	s.mu.Lock()
	for p := range s.pipes {
		p.Drain()
	}
	s.mu.Unlock()
	if !s.awaitPipelines(pipes, grace) {
		s.logger.Warn("drain grace expired, force-closing connections", "remaining", s.openPipelineCount())
		s.rootCancel()
		s.awaitPipelines(pipes, time.Second)
	}
	s.rootCancel()
	s.stopMetrics()
	s.tasks.Wait()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	s.logger.Info("server closed")
	return nil
}

func (s *Server) awaitPipelines(pipes []*pipeline.Pipeline, limit time.Duration) bool {
	if len(pipes) == 0 {
		return true
	}
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	for _, p := range pipes {
		select {
		case <-p.Done():
		case <-deadline.C:
			return false
		}
	}
	return true
}

func (s *Server) openPipelineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pipes)
}
