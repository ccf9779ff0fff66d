package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/harborchat/eventbus"
)

func memoryFactory(cfg eventbus.Config) (eventbus.Bus, error) {
	return eventbus.NewMemoryBus(), nil
}

func memoryConfig() eventbus.Config {
	cfg := eventbus.DefaultConfig()
	cfg.Mode = eventbus.ModeMemory
	return cfg
}

func TestServiceStart(t *testing.T) {
	ctx := context.Background()

	t.Run("start is idempotent", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		defer svc.Stop(ctx)

		bus1, err := svc.Start(ctx)
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}
		bus2, err := svc.Start(ctx)
		if err != nil {
			t.Fatalf("second start failed: %v", err)
		}
		if bus1 != bus2 {
			t.Error("second start built a different bus")
		}
	})

	t.Run("bus before start fails", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		if _, err := svc.Bus(); !errors.Is(err, eventbus.ErrNotStarted) {
			t.Errorf("expected ErrNotStarted, got %v", err)
		}
	})

	t.Run("bus after start returns the instance", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		defer svc.Stop(ctx)

		started, _ := svc.Start(ctx)
		got, err := svc.Bus()
		if err != nil {
			t.Fatalf("bus failed: %v", err)
		}
		if got != started {
			t.Error("Bus returned a different instance")
		}
	})

	t.Run("factory failure propagates", func(t *testing.T) {
		boom := errors.New("dial failed")
		svc := New(
			WithConfig(memoryConfig()),
			WithBusFactory(func(cfg eventbus.Config) (eventbus.Bus, error) {
				return nil, boom
			}),
		)
		if _, err := svc.Start(ctx); !errors.Is(err, boom) {
			t.Errorf("expected factory error, got %v", err)
		}
		if _, err := svc.Bus(); !errors.Is(err, eventbus.ErrNotStarted) {
			t.Error("failed start left a bus behind")
		}
	})

	t.Run("unknown mode rejected", func(t *testing.T) {
		cfg := eventbus.DefaultConfig()
		cfg.Mode = "kafka"
		svc := New(WithConfig(cfg))
		if _, err := svc.Start(ctx); err == nil {
			t.Error("expected error for unknown mode")
		}
		if _, err := svc.Bus(); !errors.Is(err, eventbus.ErrNotStarted) {
			t.Error("failed start left a bus behind")
		}
	})

	t.Run("env config failure propagates", func(t *testing.T) {
		t.Setenv("EVENTBUS_MODE", "carrier-pigeon")
		svc := New()
		if _, err := svc.Start(ctx); err == nil {
			t.Error("expected config error")
		}
	})
}

func TestServiceStop(t *testing.T) {
	ctx := context.Background()

	t.Run("stop before start is a no-op", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		if err := svc.Stop(ctx); err != nil {
			t.Fatalf("stop failed: %v", err)
		}
	})

	t.Run("stop closes the bus and resets", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		bus1, _ := svc.Start(ctx)
		if err := svc.Stop(ctx); err != nil {
			t.Fatalf("stop failed: %v", err)
		}

		if err := bus1.Publish(ctx, &eventbus.MessageCreated{ConversationID: "c1"}); !errors.Is(err, eventbus.ErrBusClosed) {
			t.Errorf("bus not closed by stop: %v", err)
		}
		if _, err := svc.Bus(); !errors.Is(err, eventbus.ErrNotStarted) {
			t.Error("stopped service still hands out a bus")
		}

		// Restart builds a fresh instance.
		bus2, err := svc.Start(ctx)
		if err != nil {
			t.Fatalf("restart failed: %v", err)
		}
		defer svc.Stop(ctx)
		if bus2 == bus1 {
			t.Error("restart reused the closed bus")
		}
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		svc.Start(ctx)
		if err := svc.Stop(ctx); err != nil {
			t.Fatalf("stop failed: %v", err)
		}
		if err := svc.Stop(ctx); err != nil {
			t.Fatalf("second stop failed: %v", err)
		}
	})
}

func TestServiceStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("unstarted is unhealthy", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		status := svc.Status(ctx)
		if status.Healthy || status.Code != eventbus.StatusUnhealthy {
			t.Errorf("unexpected status: %+v", status)
		}
	})

	t.Run("delegates to the bus health surface", func(t *testing.T) {
		svc := New(WithConfig(memoryConfig()))
		defer svc.Stop(ctx)
		svc.Start(ctx)

		status := svc.Status(ctx)
		if !status.Healthy || status.Code != eventbus.StatusHealthy {
			t.Errorf("unexpected status: %+v", status)
		}
		if status.Details["type"] != "memory" {
			t.Errorf("status did not come from the memory bus: %+v", status)
		}
	})
}

func TestConcurrentStart(t *testing.T) {
	ctx := context.Background()
	svc := New(WithConfig(memoryConfig()), WithBusFactory(memoryFactory))
	defer svc.Stop(ctx)

	const goroutines = 16
	buses := make([]eventbus.Bus, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bus, err := svc.Start(ctx)
			if err != nil {
				t.Errorf("start failed: %v", err)
				return
			}
			buses[i] = bus
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if buses[i] != buses[0] {
			t.Fatal("concurrent starts built different buses")
		}
	}
}
