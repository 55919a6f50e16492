// Package server wires the dispatch kernel, in-flight tracker, stream
// registry and transports into a runnable process with graceful shutdown,
// an HTTP health endpoint and optional service-registry presence.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/discovery"
	"github.com/objectwire/objectwire/dispatch"
	"github.com/objectwire/objectwire/inflight"
	"github.com/objectwire/objectwire/middleware"
	"github.com/objectwire/objectwire/stream"
	"github.com/objectwire/objectwire/telemetry"
	"github.com/objectwire/objectwire/transport"
	"github.com/objectwire/objectwire/wire"
)

const (
	// DefaultDrainTimeout bounds graceful shutdown.
	DefaultDrainTimeout = 30 * time.Second
	// DefaultHeartbeatInterval paces service-registry heartbeats.
	DefaultHeartbeatInterval = 10 * time.Second
)

type (
	// Config assembles a Server. Actors is required.
	Config struct {
		// Actors is the name registry resolving exposed names.
		Actors *actor.Registry
		// Middlewares wrap the dispatch handler, outermost first.
		Middlewares []middleware.Middleware
		// Buffer is the stream replay buffer. Defaults to NewBuffer().
		Buffer *stream.Buffer
		// DrainTimeout bounds graceful shutdown. Defaults to 30s.
		DrainTimeout time.Duration
		// Discovery, when set, keeps Endpoint registered while the server
		// runs.
		Discovery discovery.Registry
		// Endpoint is the registration advertised through Discovery.
		Endpoint discovery.Endpoint
		// EndpointTTL is the registration lifetime between heartbeats.
		EndpointTTL time.Duration
		// HeartbeatInterval paces registration refreshes.
		HeartbeatInterval time.Duration
		// Logger receives server logs.
		Logger telemetry.Logger
		// Metrics receives server counters.
		Metrics telemetry.Metrics
	}

	// Health is the JSON payload of the health endpoint.
	Health struct {
		Status           string    `json:"status"`
		Timestamp        time.Time `json:"timestamp"`
		InflightRequests int       `json:"inflightRequests"`
		ActiveStreams    int       `json:"activeStreams"`
		Uptime           string    `json:"uptime"`
	}

	// Server owns the runtime pieces of one actor host process.
	Server struct {
		kernel  *dispatch.Kernel
		tracker *inflight.Tracker
		streams *stream.Registry
		buffer  *stream.Buffer
		logger  telemetry.Logger
		metrics telemetry.Metrics

		drainTimeout time.Duration
		disc         discovery.Registry
		endpoint     discovery.Endpoint
		endpointTTL  time.Duration
		heartbeat    time.Duration
		started      time.Time

		mu        sync.Mutex
		listeners []transport.Listener
		health    *http.Server
		healthLn  net.Listener
		wg        sync.WaitGroup
	}
)

// New builds a server from cfg.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Buffer == nil {
		cfg.Buffer = stream.NewBuffer()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.EndpointTTL <= 0 {
		cfg.EndpointTTL = discovery.DefaultTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	tracker := inflight.NewTracker(inflight.WithTrackerLogger(cfg.Logger))
	streams := stream.NewRegistry(stream.RegistryConfig{
		Buffer:  cfg.Buffer,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	kernel := dispatch.NewKernel(dispatch.Config{
		Actors:      cfg.Actors,
		Streams:     streams,
		Tracker:     tracker,
		Middlewares: cfg.Middlewares,
		Logger:      cfg.Logger,
	})

	return &Server{
		kernel:       kernel,
		tracker:      tracker,
		streams:      streams,
		buffer:       cfg.Buffer,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		drainTimeout: cfg.DrainTimeout,
		disc:         cfg.Discovery,
		endpoint:     cfg.Endpoint,
		endpointTTL:  cfg.EndpointTTL,
		heartbeat:    cfg.HeartbeatInterval,
		started:      time.Now(),
	}
}

// Kernel exposes the dispatch kernel, e.g. for the serverless adapter.
func (s *Server) Kernel() *dispatch.Kernel { return s.kernel }

// Tracker exposes the in-flight tracker.
func (s *Server) Tracker() *inflight.Tracker { return s.tracker }

// Attach consumes msgs from a started listener until its message channel
// closes. Each message is dispatched on its own goroutine.
func (s *Server) Attach(ctx context.Context, l transport.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range l.Messages() {
			s.wg.Add(1)
			go func(msg transport.Message) {
				defer s.wg.Done()
				s.handleMessage(ctx, msg)
			}(msg)
		}
	}()
}

func (s *Server) handleMessage(ctx context.Context, msg transport.Message) {
	reply, err := s.kernel.HandleRaw(ctx, msg.Bytes, transport.NewEnvelopeSender(msg.Respond))
	if err != nil {
		if msg.Fail != nil {
			_ = msg.Fail(ctx, err)
			return
		}
		// Framed transports log and drop malformed traffic.
		s.logger.Debug(ctx, "dropping bad frame", "source", msg.Source, "err", err.Error())
		s.metrics.IncCounter("server_bad_frames", 1)
		return
	}
	if reply == nil {
		return
	}
	data, err := wire.Encode(reply)
	if err != nil {
		s.logger.Error(ctx, "encode reply failed", "err", err.Error())
		return
	}
	if err := msg.Respond(ctx, data); err != nil {
		s.logger.Warn(ctx, "deliver reply failed", "source", msg.Source, "err", err.Error())
	}
}

// Health reports the server's current health snapshot.
func (s *Server) Health() Health {
	th := s.tracker.Health()
	return Health{
		Status:           th.Status,
		Timestamp:        time.Now().UTC(),
		InflightRequests: th.InFlight,
		ActiveStreams:    s.streams.ActiveStreams(),
		Uptime:           time.Since(s.started).Round(time.Second).String(),
	}
}

// ServeHealth starts the JSON health endpoint on addr.
func (s *Server) ServeHealth(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen health on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.health = srv
	s.healthLn = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "health server failed", "err", err.Error())
		}
	}()
	return nil
}

// HealthAddr reports the bound health address, nil before ServeHealth.
func (s *Server) HealthAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthLn == nil {
		return nil
	}
	return s.healthLn.Addr()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h := s.Health()
	code := http.StatusOK
	if h.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(h)
}

// Run blocks until ctx is cancelled or a termination signal arrives, then
// shuts down gracefully. Listeners must be started and attached first.
func (s *Server) Run(ctx context.Context) error {
	s.buffer.StartSweeper(ctx)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	if s.disc != nil {
		if err := s.disc.Register(ctx, s.endpoint, s.endpointTTL); err != nil {
			return fmt.Errorf("register endpoint: %w", err)
		}
		go s.heartbeatLoop(hbCtx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case <-sigCh:
	}

	stopHeartbeat()
	return s.Shutdown(context.Background())
}

// heartbeatLoop keeps the registration alive, re-registering when the
// entry expired between beats.
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.disc.Heartbeat(ctx, s.endpoint.ActorID)
			if errors.Is(err, discovery.ErrNoEndpoint) {
				err = s.disc.Register(ctx, s.endpoint, s.endpointTTL)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn(ctx, "endpoint heartbeat failed", "actorID", s.endpoint.ActorID, "err", err.Error())
			}
		}
	}
}

// Shutdown drains in-flight invocations, cancels live streams, tears down
// transports and withdraws the registration.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down")

	var errs []error
	if s.disc != nil {
		if err := s.disc.Deregister(ctx, s.endpoint.ActorID); err != nil {
			errs = append(errs, fmt.Errorf("deregister endpoint: %w", err))
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()
	if err := s.tracker.GracefulShutdown(drainCtx, s.drainTimeout); err != nil {
		errs = append(errs, fmt.Errorf("drain invocations: %w", err))
	}
	if err := s.streams.Close(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("close streams: %w", err))
	}

	s.mu.Lock()
	listeners := s.listeners
	health := s.health
	s.mu.Unlock()
	for _, l := range listeners {
		if err := l.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown listener: %w", err))
		}
	}
	s.wg.Wait()

	s.buffer.Close()
	if health != nil {
		if err := health.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown health server: %w", err))
		}
	}
	return errors.Join(errs...)
}
