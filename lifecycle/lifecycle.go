// Package lifecycle owns the process-wide event bus: one Service builds the
// configured transport on first use, hands out the shared instance, and tears
// it down on shutdown. Workers register through StartWorker so their
// per-process initialization runs exactly once against the shared bus.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harborchat/eventbus"
	"github.com/harborchat/eventbus/redis"
)

// Service manages a single bus instance through its lifecycle. The zero value
// is not usable; construct with New.
type Service struct {
	mu      sync.Mutex
	cfg     eventbus.Config
	cfgSet  bool
	factory func(eventbus.Config) (eventbus.Bus, error)
	logger  *slog.Logger
	bus     eventbus.Bus
	workers sync.Map
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithConfig sets the bus configuration. Without it, Start reads EVENTBUS_*
// environment variables.
func WithConfig(cfg eventbus.Config) ServiceOption {
	return func(s *Service) {
		s.cfg = cfg
		s.cfgSet = true
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l.With("component", "eventbus>lifecycle")
		}
	}
}

// WithBusFactory overrides how the service builds its bus. Tests use it to
// inject a fake transport.
func WithBusFactory(f func(eventbus.Config) (eventbus.Bus, error)) ServiceOption {
	return func(s *Service) {
		if f != nil {
			s.factory = f
		}
	}
}

// New creates an unstarted service.
func New(opts ...ServiceOption) *Service {
	s := &Service{
		logger: eventbus.Logger("eventbus>lifecycle"),
	}
	s.factory = s.buildBus
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds the bus if it does not exist yet. Calling Start on a started
// service returns the existing bus; after Stop a new Start builds a fresh one.
func (s *Service) Start(ctx context.Context) (eventbus.Bus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus != nil {
		return s.bus, nil
	}

	if !s.cfgSet {
		cfg, err := eventbus.FromEnv()
		if err != nil {
			return nil, err
		}
		s.cfg = cfg
		s.cfgSet = true
	}

	bus, err := s.factory(s.cfg)
	if err != nil {
		return nil, err
	}
	s.bus = bus
	s.logger.Info("event bus started", "mode", s.cfg.Mode)
	return bus, nil
}

func (s *Service) buildBus(cfg eventbus.Config) (eventbus.Bus, error) {
	switch cfg.Mode {
	case eventbus.ModeMemory:
		return eventbus.NewMemoryBus(eventbus.WithMemoryLogger(s.logger)), nil
	case eventbus.ModeRedis, "":
		return redis.Dial(cfg.RedisAddr, redis.FromConfig(cfg), redis.WithLogger(s.logger))
	default:
		return nil, fmt.Errorf("eventbus: unknown mode %q (want %q or %q)", cfg.Mode, eventbus.ModeRedis, eventbus.ModeMemory)
	}
}

// Bus returns the running bus, or ErrNotStarted.
func (s *Service) Bus() (eventbus.Bus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus == nil {
		return nil, eventbus.ErrNotStarted
	}
	return s.bus, nil
}

// Stop closes the bus and resets the service so a later Start builds a fresh
// instance. Worker teardown happens through the bus shutdown notification
// fired inside Close; the worker registry is cleared afterwards so a restart
// re-initializes. Stopping a stopped service is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	bus := s.bus
	s.bus = nil
	s.mu.Unlock()
	if bus == nil {
		return nil
	}

	err := bus.Close(ctx)

	s.workers.Range(func(key, value any) bool {
		s.workers.Delete(key)
		return true
	})

	s.logger.Info("event bus stopped")
	return err
}

// Status reports the bus health. An unstarted service is unhealthy; a bus
// without a health surface reports a bare healthy status.
func (s *Service) Status(ctx context.Context) *eventbus.Status {
	bus, err := s.Bus()
	if err != nil {
		return &eventbus.Status{
			Code:    eventbus.StatusUnhealthy,
			Message: "event bus is not started",
		}
	}
	if hc, ok := bus.(eventbus.HealthChecker); ok {
		return hc.Health(ctx)
	}
	return &eventbus.Status{
		Healthy: true,
		Code:    eventbus.StatusHealthy,
		Message: "event bus is running",
	}
}

// Default is the process-wide service used by the package-level functions.
var Default = New()

// Start starts the default service's bus.
func Start(ctx context.Context) (eventbus.Bus, error) {
	return Default.Start(ctx)
}

// Bus returns the default service's bus, or ErrNotStarted.
func Bus() (eventbus.Bus, error) {
	return Default.Bus()
}

// Stop stops the default service's bus.
func Stop(ctx context.Context) error {
	return Default.Stop(ctx)
}
