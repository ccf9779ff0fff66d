// Package eventbus is the internal publish/subscribe spine of the platform.
//
// Server subsystems publish tagged-union events (chat message creation, tool
// results, scheduled ticks, credit-ledger updates) to a Bus; each interested
// subsystem registers a Handler once at startup. Two implementations satisfy
// the Bus contract:
//
//   - MemoryBus: synchronous in-process fan-out for tests and single-process
//     deployments. No persistence, no delivery guarantees.
//   - redis.Bus: durable Redis Streams transport with consumer-group
//     semantics, retry/dead-letter handling and orphan reclaim. One process
//     in the fleet handles each event.
//
// The lifecycle package owns transport selection and exposes a process-wide
// Service so subsystems share a single Bus instance:
//
//	bus, err := lifecycle.Start(ctx)
//	if err != nil {
//	    return err
//	}
//	bus.Subscribe(func(ctx context.Context, ev eventbus.Event) error {
//	    switch e := ev.(type) {
//	    case *eventbus.MessageCreated:
//	        return handleMessage(ctx, e)
//	    }
//	    return nil // unrecognized types are ignored, not errors
//	})
//
// Configuration comes from EVENTBUS_* environment variables with hard-coded
// defaults; invalid overrides fail at construction, never mid-run.
package eventbus
