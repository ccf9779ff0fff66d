package eventbus

import (
	"testing"
)

func TestNotifier(t *testing.T) {
	t.Run("fires in registration order", func(t *testing.T) {
		var n Notifier
		var order []int
		n.Register(func() { order = append(order, 1) })
		n.Register(func() { order = append(order, 2) })
		n.Fire()
		if len(order) != 2 || order[0] != 1 || order[1] != 2 {
			t.Errorf("unexpected order: %v", order)
		}
	})

	t.Run("fires only once", func(t *testing.T) {
		var n Notifier
		count := 0
		n.Register(func() { count++ })
		n.Fire()
		n.Fire()
		if count != 1 {
			t.Errorf("hook ran %d times", count)
		}
	})

	t.Run("late registration runs immediately", func(t *testing.T) {
		var n Notifier
		n.Fire()
		ran := false
		n.Register(func() { ran = true })
		if !ran {
			t.Error("late hook did not run")
		}
	})

	t.Run("nil hook ignored", func(t *testing.T) {
		var n Notifier
		n.Register(nil)
		n.Fire()
	})
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id == "" {
			t.Fatal("empty id")
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
