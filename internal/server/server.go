package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/epimesh/internal/core/events/bus"
	"github.com/zeusync/epimesh/internal/core/observability/log"
	"github.com/zeusync/epimesh/internal/core/particle"
	"github.com/zeusync/epimesh/internal/core/simulation"
)

// Server drives a simulation at a fixed tick rate and streams its state to
// websocket clients.
type Server struct {
	sim    *simulation.Manager
	bus    bus.EventBus
	config Config
	logger log.Log

	hub      *Hub
	http     *http.Server
	listener net.Listener
	removals bus.Subscription

	// Server state
	lifecycle sync.Mutex // serialises Start and Stop
	running   int32      // atomic bool
	stopped   bool       // guarded by lifecycle
	closed    int32      // atomic bool

	ticks       atomic.Uint64
	tickErrors  atomic.Uint64
	removedSeen atomic.Uint64

	workerGroup sync.WaitGroup
	stopChan    chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
}

// Config holds server configuration
type Config struct {
	ListenAddr string
	// TickInterval is the wall-clock pause between steps. Zero steps as fast
	// as possible.
	TickInterval time.Duration
	// Dt is the simulated time advanced per step.
	Dt float64
	// MaxSteps stops the tick loop after that many steps; zero runs forever.
	MaxSteps uint64
	// FrameEvery broadcasts one frame per FrameEvery steps.
	FrameEvery int

	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:8080",
		TickInterval:    50 * time.Millisecond,
		Dt:              0.05,
		FrameEvery:      1,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (c Config) Validate() error {
	if !(c.Dt > 0) {
		return fmt.Errorf("%w: dt must be positive, got %v", ErrInvalidConfig, c.Dt)
	}
	if c.TickInterval < 0 {
		return fmt.Errorf("%w: negative tick interval", ErrInvalidConfig)
	}
	if c.FrameEvery < 0 {
		return fmt.Errorf("%w: negative frame_every", ErrInvalidConfig)
	}
	return nil
}

// Stats contains server statistics
type Stats struct {
	Run           string `json:"run"`
	Running       bool   `json:"running"`
	Ticks         uint64 `json:"ticks"`
	TickErrors    uint64 `json:"tick_errors"`
	Clients       int64  `json:"clients"`
	FramesSent    uint64 `json:"frames_sent"`
	FramesDropped uint64 `json:"frames_dropped"`
	RemovedSeen   uint64 `json:"removed_seen"`

	Steps        uint64 `json:"steps"`
	Particles    int    `json:"particles"`
	PairsChecked uint64 `json:"pairs_checked"`
	Collisions   uint64 `json:"collisions"`
	Removed      uint64 `json:"removed"`
	Heals        uint64 `json:"heals"`
	LastStepNs   int64  `json:"last_step_ns"`
	AvgStepNs    int64  `json:"avg_step_ns"`
}

// NewServer creates a server around sim. Removal events are read from b.
func NewServer(config Config, sim *simulation.Manager, b bus.EventBus, logger log.Log) (*Server, error) {
	if sim == nil {
		return nil, fmt.Errorf("%w: nil simulation", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.FrameEvery == 0 {
		config.FrameEvery = 1
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultServerConfig().ShutdownTimeout
	}
	if logger == nil {
		logger = log.Provide()
	}

	server := &Server{
		sim:      sim,
		bus:      b,
		config:   config,
		logger:   logger.With(log.String("component", "server")),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	server.hub = NewHub(server.logger)

	if b != nil {
		sub, err := b.Subscribe(simulation.EventRemoved, server.onRemoved)
		if err != nil {
			return nil, fmt.Errorf("subscribe to removals: %w", err)
		}
		server.removals = sub
	}

	server.logger.Info("Server created",
		log.String("listen_addr", config.ListenAddr),
		log.Duration("tick_interval", config.TickInterval),
		log.Float64("dt", config.Dt),
		log.Uint64("max_steps", config.MaxSteps))

	return server, nil
}

// Start binds the listener, serves HTTP and starts the tick loop.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if atomic.LoadInt32(&s.closed) == 1 || s.stopped {
		return ErrServerClosed
	}

	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		s.logger.Error("Failed to create listener", log.Error(err))
		return fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}
	s.listener = listener
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Server listening", log.String("addr", listener.Addr().String()))

	s.workerGroup.Add(2)
	go func() {
		defer s.workerGroup.Done()
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", log.Error(err))
		}
	}()
	go func() {
		defer s.workerGroup.Done()
		s.tickLoop(ctx)
	}()

	s.logger.Info("Server started successfully")

	return nil
}

// Stop shuts the HTTP server down, closes client connections and waits for
// the tick loop to exit. A stopped server cannot be started again.
func (s *Server) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerNotRunning
	}
	s.stopped = true

	s.logger.Info("Stopping server")

	close(s.stopChan)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	s.hub.Close()

	s.workerGroup.Wait()

	s.logger.Info("Server stopped", log.Uint64("ticks", s.ticks.Load()))

	return err
}

// Close stops the server if needed and releases the bus subscription.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil // Already closed
	}

	s.logger.Info("Closing server")

	if atomic.LoadInt32(&s.running) == 1 {
		_ = s.Stop(context.Background())
	}
	if s.removals != nil {
		_ = s.bus.Unsubscribe(s.removals)
	}

	s.logger.Info("Server closed")

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done is closed when the tick loop exits: MaxSteps reached, ctx cancelled or
// Stop called.
func (s *Server) Done() <-chan struct{} { return s.done }

// GetStats returns server statistics
func (s *Server) GetStats() Stats {
	st := s.sim.Stats()
	hs := s.hub.Stats()
	return Stats{
		Run:           s.sim.RunID().String(),
		Running:       atomic.LoadInt32(&s.running) == 1,
		Ticks:         s.ticks.Load(),
		TickErrors:    s.tickErrors.Load(),
		Clients:       hs.Clients,
		FramesSent:    hs.Sent,
		FramesDropped: hs.Dropped,
		RemovedSeen:   s.removedSeen.Load(),
		Steps:         st.Steps,
		Particles:     st.Particles,
		PairsChecked:  st.PairsChecked,
		Collisions:    st.Collisions,
		Removed:       st.Removed,
		Heals:         st.Heals,
		LastStepNs:    st.LastStepDuration.Nanoseconds(),
		AvgStepNs:     st.AverageStepDuration.Nanoseconds(),
	}
}

func (s *Server) tickLoop(ctx context.Context) {
	s.logger.Debug("Tick loop started")
	defer func() {
		s.doneOnce.Do(func() { close(s.done) })
		s.logger.Debug("Tick loop stopped")
	}()

	var tick <-chan time.Time
	if s.config.TickInterval > 0 {
		ticker := time.NewTicker(s.config.TickInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if s.config.MaxSteps > 0 && s.ticks.Load() >= s.config.MaxSteps {
			s.logger.Info("Step limit reached", log.Uint64("steps", s.ticks.Load()))
			return
		}
		if tick != nil {
			select {
			case <-tick:
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		} else {
			select {
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			default:
			}
		}
		if err := s.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.tickErrors.Add(1)
			s.logger.Error("Step failed", log.Error(err))
		}
	}
}

// tick advances the simulation once and broadcasts a frame when due.
func (s *Server) tick(ctx context.Context) error {
	res, err := s.sim.Step(ctx, s.config.Dt)
	if err != nil {
		return err
	}
	n := s.ticks.Add(1)
	if n%uint64(s.config.FrameEvery) != 0 || s.hub.Len() == 0 {
		return nil
	}
	frame, err := encodeFrame(s.snapshot(res.Step, res.Collisions, res.Removed))
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	s.hub.Broadcast(frame)
	return nil
}

func (s *Server) snapshot(step uint64, collisions []simulation.Collision, removed []particle.ID) Frame {
	return newFrame(s.sim.RunID().String(), step, s.sim.Particles(), collisions, removed)
}

func (s *Server) onRemoved(event bus.Event) error {
	s.removedSeen.Add(1)
	if snap, ok := event.Data().(particle.Snapshot); ok {
		s.logger.Debug("Particle left the space",
			log.Uint64("id", uint64(snap.ID)),
			log.Float64("x", snap.Position.X),
			log.Float64("y", snap.Position.Y))
	}
	return nil
}
