package lifecycle

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/harborchat/eventbus"
)

// Worker is a background component that initializes once per process against
// the shared bus: typically it subscribes handlers and returns a value other
// code uses to interact with it.
type Worker[T any] interface {
	// Init runs the worker's one-time setup. It must be safe to hold the
	// returned value for the lifetime of the process.
	Init(ctx context.Context, bus eventbus.Bus) (T, error)
}

// Stopper is an optional interface a worker's result can implement to be
// torn down when the service stops.
type Stopper interface {
	Shutdown()
}

// workerState memoizes one worker type's initialization. A failed Init is
// sticky: retries observe the original error instead of re-running setup.
type workerState struct {
	once   sync.Once
	done   atomic.Bool
	result any
	err    error
}

func (s *workerState) shutdown() {
	if st, ok := s.result.(Stopper); ok {
		st.Shutdown()
	}
}

// StartWorker runs the worker's Init exactly once per worker type per
// service, no matter how many callers race on it, starting the service first
// if it is not running. Results implementing Stopper are hooked into the bus
// shutdown notification.
func StartWorker[T any](ctx context.Context, s *Service, w Worker[T]) (T, error) {
	var zero T

	bus, err := s.Start(ctx)
	if err != nil {
		return zero, err
	}

	key := reflect.TypeOf(w)
	actual, _ := s.workers.LoadOrStore(key, &workerState{})
	state := actual.(*workerState)

	state.once.Do(func() {
		state.result, state.err = w.Init(ctx, bus)
		state.done.Store(true)
		if state.err == nil {
			// Tear the worker down when the bus announces shutdown, whether
			// that comes from Service.Stop or a terminal transport failure.
			bus.OnShutdown(state.shutdown)
		}
	})
	if state.err != nil {
		return zero, state.err
	}
	return state.result.(T), nil
}

// WorkerResult returns the memoized result of an earlier StartWorker call
// for the worker's type, or ErrNotStarted if it never initialized.
func WorkerResult[T any](s *Service, w Worker[T]) (T, error) {
	var zero T

	actual, ok := s.workers.Load(reflect.TypeOf(w))
	if !ok {
		return zero, eventbus.ErrNotStarted
	}
	state := actual.(*workerState)
	if !state.done.Load() {
		return zero, eventbus.ErrNotStarted
	}
	if state.err != nil {
		return zero, state.err
	}
	result, ok := state.result.(T)
	if !ok {
		return zero, eventbus.ErrNotStarted
	}
	return result, nil
}
