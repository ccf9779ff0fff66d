package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/harborchat/eventbus"
)

type countingWorker struct {
	inits *atomic.Int32
}

type workerHandle struct {
	id       int32
	shutdown *atomic.Int32
}

func (h *workerHandle) Shutdown() {
	if h.shutdown != nil {
		h.shutdown.Add(1)
	}
}

func (w countingWorker) Init(ctx context.Context, bus eventbus.Bus) (*workerHandle, error) {
	return &workerHandle{id: w.inits.Add(1)}, nil
}

type failingWorker struct {
	attempts *atomic.Int32
}

func (w failingWorker) Init(ctx context.Context, bus eventbus.Bus) (*workerHandle, error) {
	w.attempts.Add(1)
	return nil, errors.New("init boom")
}

func TestStartWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts the service if needed", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		defer svc.Stop(ctx)

		w := countingWorker{inits: new(atomic.Int32)}
		h, err := StartWorker(ctx, svc, w)
		if err != nil {
			t.Fatalf("start worker on unstarted service failed: %v", err)
		}
		if h == nil {
			t.Fatal("no handle returned")
		}
		if _, err := svc.Bus(); err != nil {
			t.Errorf("service not started by StartWorker: %v", err)
		}
		if n := w.inits.Load(); n != 1 {
			t.Errorf("init ran %d times", n)
		}
	})

	t.Run("service start failure propagates", func(t *testing.T) {
		boom := errors.New("dial failed")
		svc := New(
			WithConfig(memoryConfig()),
			WithBusFactory(func(cfg eventbus.Config) (eventbus.Bus, error) {
				return nil, boom
			}),
		)
		w := countingWorker{inits: new(atomic.Int32)}
		if _, err := StartWorker(ctx, svc, w); !errors.Is(err, boom) {
			t.Errorf("expected start error, got %v", err)
		}
		if n := w.inits.Load(); n != 0 {
			t.Errorf("init ran %d times despite failed start", n)
		}
	})

	t.Run("initializes exactly once", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		defer svc.Stop(ctx)
		svc.Start(ctx)

		w := countingWorker{inits: new(atomic.Int32)}
		h1, err := StartWorker(ctx, svc, w)
		if err != nil {
			t.Fatalf("start worker failed: %v", err)
		}
		h2, err := StartWorker(ctx, svc, w)
		if err != nil {
			t.Fatalf("second start worker failed: %v", err)
		}
		if h1 != h2 {
			t.Error("repeated start built a different handle")
		}
		if n := w.inits.Load(); n != 1 {
			t.Errorf("init ran %d times", n)
		}
	})

	t.Run("concurrent starts share one init", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		defer svc.Stop(ctx)
		svc.Start(ctx)

		w := countingWorker{inits: new(atomic.Int32)}
		const goroutines = 16
		handles := make([]*workerHandle, goroutines)
		var wg sync.WaitGroup
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				h, err := StartWorker(ctx, svc, w)
				if err != nil {
					t.Errorf("start worker failed: %v", err)
					return
				}
				handles[i] = h
			}(i)
		}
		wg.Wait()

		if n := w.inits.Load(); n != 1 {
			t.Fatalf("init ran %d times under contention", n)
		}
		for i := 1; i < goroutines; i++ {
			if handles[i] != handles[0] {
				t.Fatal("concurrent starts got different handles")
			}
		}
	})

	t.Run("init failure is sticky", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		defer svc.Stop(ctx)
		svc.Start(ctx)

		w := failingWorker{attempts: new(atomic.Int32)}
		if _, err := StartWorker(ctx, svc, w); err == nil {
			t.Fatal("expected init error")
		}
		if _, err := StartWorker(ctx, svc, w); err == nil {
			t.Fatal("expected sticky init error")
		}
		if n := w.attempts.Load(); n != 1 {
			t.Errorf("init retried %d times, want 1", n)
		}
	})
}

func TestWorkerResult(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown worker", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		defer svc.Stop(ctx)
		svc.Start(ctx)

		w := countingWorker{inits: new(atomic.Int32)}
		if _, err := WorkerResult(svc, w); !errors.Is(err, eventbus.ErrNotStarted) {
			t.Errorf("expected ErrNotStarted, got %v", err)
		}
	})

	t.Run("returns the memoized handle", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		defer svc.Stop(ctx)
		svc.Start(ctx)

		w := countingWorker{inits: new(atomic.Int32)}
		started, err := StartWorker(ctx, svc, w)
		if err != nil {
			t.Fatalf("start worker failed: %v", err)
		}
		got, err := WorkerResult(svc, w)
		if err != nil {
			t.Fatalf("worker result failed: %v", err)
		}
		if got != started {
			t.Error("result differs from the started handle")
		}
	})
}

type stoppableWorker struct {
	shutdowns *atomic.Int32
}

func (w stoppableWorker) Init(ctx context.Context, bus eventbus.Bus) (*workerHandle, error) {
	return &workerHandle{shutdown: w.shutdowns}, nil
}

func TestWorkerShutdownOnStop(t *testing.T) {
	ctx := context.Background()
	svc := New(WithConfig(memoryConfig()))
	svc.Start(ctx)

	w := stoppableWorker{shutdowns: new(atomic.Int32)}
	if _, err := StartWorker(ctx, svc, w); err != nil {
		t.Fatalf("start worker failed: %v", err)
	}

	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if n := w.shutdowns.Load(); n != 1 {
		t.Errorf("worker shutdown ran %d times, want 1", n)
	}

	// Workers are forgotten after stop: a restart re-initializes.
	svc.Start(ctx)
	defer svc.Stop(ctx)
	if _, err := WorkerResult(svc, w); !errors.Is(err, eventbus.ErrNotStarted) {
		t.Error("worker state survived stop")
	}
}
