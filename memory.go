package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus is a single-process Bus: Publish synchronously invokes every
// registered handler in registration order. No persistence, no cross-process
// delivery, no redelivery. Used in tests and non-distributed deployments.
type MemoryBus struct {
	status   int32
	mu       sync.RWMutex
	handlers []Handler
	shutdown Notifier
	logger   *slog.Logger

	handlerErrors atomic.Uint64
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithMemoryLogger sets the logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(b *MemoryBus) {
		if l != nil {
			b.logger = l.With("component", "eventbus>memory")
		}
	}
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		status: 1,
		logger: Logger("eventbus>memory"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBus) running() bool {
	return atomic.LoadInt32(&b.status) == 1
}

// Subscribe registers a handler. Registrations on a closed bus are dropped.
func (b *MemoryBus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	if !b.running() {
		b.logger.Warn("subscribe on closed bus ignored")
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish validates that the event serializes, then dispatches it to every
// handler synchronously. Handler errors are isolated and logged, never
// returned to the publisher.
func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	if !b.running() {
		return ErrBusClosed
	}

	// Enforce the serialization invariant even though nothing is written:
	// an event that cannot cross the durable transport must fail here too.
	if _, err := Marshal(ev); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("handler failed", "event", ev.EventType(), "error", err)
		}
	}
	return nil
}

// OnShutdown registers a one-shot pre-close hook.
func (b *MemoryBus) OnShutdown(fn func()) {
	b.shutdown.Register(fn)
}

// Close fires the shutdown notification, then discards all handlers.
// Idempotent.
func (b *MemoryBus) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.status, 1, 0) {
		return nil
	}
	b.shutdown.Fire()
	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()
	b.logger.Debug("memory bus closed")
	return nil
}

// Health reports a trivial status: the memory bus is healthy while open.
func (b *MemoryBus) Health(ctx context.Context) *Status {
	result := &Status{CheckedAt: time.Now(), Details: make(map[string]any)}
	if !b.running() {
		result.Code = StatusUnhealthy
		result.Message = "bus is closed"
		return result
	}
	b.mu.RLock()
	subscribers := len(b.handlers)
	b.mu.RUnlock()

	result.Healthy = true
	result.Code = StatusHealthy
	result.Message = "memory bus is healthy"
	result.Details["type"] = "memory"
	result.Details["subscribers"] = subscribers
	result.Details["handler_errors"] = b.handlerErrors.Load()
	return result
}

// Compile-time checks
var _ Bus = (*MemoryBus)(nil)
var _ HealthChecker = (*MemoryBus)(nil)
