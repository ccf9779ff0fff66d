package eventbus

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler processes a delivered event. Returning an error routes the message
// through the transport's retry/dead-letter path; handlers must not fail for
// event types they do not recognize.
type Handler func(ctx context.Context, ev Event) error

// Bus is the contract every transport implementation satisfies.
type Bus interface {
	// Publish settles once the transport has accepted the event (durable
	// transports: written and trim applied; in-memory: synchronously
	// dispatched), not once subscribers finished handling it. Fails with a
	// *SerializationError if the event cannot be encoded and a
	// *TransportError if the accept step fails.
	Publish(ctx context.Context, ev Event) error

	// Subscribe registers a handler invoked once per delivered event.
	// Registrations are additive: every handler in the process sees every
	// delivered event. Safe to call before or after the transport connects.
	Subscribe(h Handler)

	// OnShutdown registers a one-shot hook fired before the bus releases
	// its resources, while the transport is still minimally usable. Hooks
	// registered after the notification fired run immediately.
	OnShutdown(fn func())

	// Close is idempotent: it stops background loops, fires the shutdown
	// notification and releases the underlying connection.
	Close(ctx context.Context) error
}

// StatusCode classifies bus health.
type StatusCode string

const (
	StatusHealthy   StatusCode = "healthy"
	StatusDegraded  StatusCode = "degraded"
	StatusUnhealthy StatusCode = "unhealthy"
)

// Status is the structured health object returned by HealthChecker
// implementations, suitable for an external health-check surface.
type Status struct {
	Healthy   bool           `json:"healthy"`
	Code      StatusCode     `json:"status"`
	Message   string         `json:"message,omitempty"`
	CheckedAt time.Time      `json:"last_checked"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthChecker is an optional interface a Bus can implement to expose
// operational metrics: connectivity, backlog, lag, error counters.
type HealthChecker interface {
	Health(ctx context.Context) *Status
}

// Notifier is a one-shot shutdown notification. Dependents register hooks;
// Fire runs them once in registration order. Hooks registered after firing
// run immediately so late registrants still observe the shutdown.
type Notifier struct {
	mu    sync.Mutex
	fired bool
	fns   []func()
}

// Register adds a hook to run when the notifier fires.
func (n *Notifier) Register(fn func()) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	fired := n.fired
	if !fired {
		n.fns = append(n.fns, fn)
	}
	n.mu.Unlock()
	if fired {
		fn()
	}
}

// Fire runs all registered hooks exactly once.
func (n *Notifier) Fire() {
	n.mu.Lock()
	if n.fired {
		n.mu.Unlock()
		return
	}
	n.fired = true
	fns := n.fns
	n.fns = nil
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// ID generation.
var idCounter uint64

// NewID generates a new unique ID.
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&idCounter, 1), 10)
}

// Logger returns a logger tagged with the given component name.
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
