package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMemoryBusPublish(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()

	ev := &MessageCreated{ConversationID: "c1", TurnID: 7, MessageID: NewID()}

	t.Run("fans out to all handlers", func(t *testing.T) {
		var got1, got2 Event
		bus.Subscribe(func(ctx context.Context, ev Event) error {
			got1 = ev
			return nil
		})
		bus.Subscribe(func(ctx context.Context, ev Event) error {
			got2 = ev
			return nil
		})

		if err := bus.Publish(ctx, ev); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if !cmp.Equal(got1, ev) {
			t.Errorf("diff : %v", cmp.Diff(got1, ev))
		}
		if !cmp.Equal(got2, ev) {
			t.Errorf("diff : %v", cmp.Diff(got2, ev))
		}
	})

	t.Run("handler error does not reach publisher", func(t *testing.T) {
		called := false
		bus.Subscribe(func(ctx context.Context, ev Event) error {
			return errors.New("handler boom")
		})
		bus.Subscribe(func(ctx context.Context, ev Event) error {
			called = true
			return nil
		})
		if err := bus.Publish(ctx, ev); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		if !called {
			t.Error("later handler skipped after earlier failure")
		}
	})

	t.Run("unserializable event rejected", func(t *testing.T) {
		err := bus.Publish(ctx, stringEvent("nope"))
		if !IsSerializationError(err) {
			t.Errorf("expected serialization error, got %v", err)
		}
	})
}

func TestMemoryBusClose(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()

	fired := 0
	bus.OnShutdown(func() { fired++ })

	if err := bus.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := bus.Close(ctx); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if fired != 1 {
		t.Errorf("shutdown hook fired %d times", fired)
	}

	if err := bus.Publish(ctx, &MessageCreated{}); !errors.Is(err, ErrBusClosed) {
		t.Errorf("publish after close: %v", err)
	}

	// Hooks registered after close still run.
	late := false
	bus.OnShutdown(func() { late = true })
	if !late {
		t.Error("late shutdown hook did not run")
	}
}

func TestMemoryBusHealth(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	bus.Subscribe(func(ctx context.Context, ev Event) error { return nil })

	status := bus.Health(ctx)
	if !status.Healthy || status.Code != StatusHealthy {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.Details["subscribers"] != 1 {
		t.Errorf("unexpected subscriber count: %v", status.Details["subscribers"])
	}

	bus.Close(ctx)
	status = bus.Health(ctx)
	if status.Healthy || status.Code != StatusUnhealthy {
		t.Errorf("unexpected status after close: %+v", status)
	}
}
