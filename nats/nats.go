// Package nats provides a durable event bus backed by NATS JetStream.
//
// JetStream persists published events in a bounded stream and delivers them
// through a durable consumer shared by the deployment's worker fleet, so
// exactly one process handles each event. Redelivery of unacknowledged
// events is broker-side: a message whose handler fails is negatively
// acknowledged and redelivered until the delivery ceiling is reached, after
// which it is routed to a dead-letter subject and acknowledged.
//
// Use this transport where a NATS cluster is already deployed; the Redis
// Streams bus remains the default durable transport.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/harborchat/eventbus"
	"github.com/harborchat/eventbus/codec"
)

// Errors
var (
	ErrConnRequired    = errors.New("nats connection is required")
	ErrJetStreamFailed = errors.New("failed to create jetstream context")
)

const (
	statusRunning = int32(1)
	statusStopped = int32(0)
)

// deadLetterSuffix derives the dead-letter subject from the primary subject.
const deadLetterSuffix = ".dead"

// Bus implements eventbus.Bus on NATS JetStream.
type Bus struct {
	status int32
	conn   *nats.Conn
	js     jetstream.JetStream
	codec  codec.Codec
	logger *slog.Logger

	stream     string
	subject    string
	dlqSubject string
	group      string

	batchSize  int
	block      time.Duration
	ackWait    time.Duration
	maxLen     int64
	maxRetries int
	closeGrace time.Duration

	mu       sync.RWMutex
	handlers []eventbus.Handler

	setupMu  sync.Mutex
	consumer jetstream.Consumer

	loopOnce  sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	shutdown eventbus.Notifier

	publishErrors atomic.Uint64
	handlerErrors atomic.Uint64
	deadLettered  atomic.Uint64
}

// New creates a durable bus on an established NATS connection. The caller
// keeps ownership of the connection; Close drains the consumer loops but
// does not close it.
func New(conn *nats.Conn, opts ...Option) (*Bus, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	b := &Bus{
		status:     statusRunning,
		conn:       conn,
		codec:      codec.Default(),
		logger:     eventbus.Logger("eventbus>nats"),
		stream:     "EVENTS",
		subject:    eventbus.DefaultStream,
		group:      eventbus.DefaultGroup,
		batchSize:  int(eventbus.DefaultBatchSize),
		block:      eventbus.DefaultBlock,
		ackWait:    eventbus.DefaultClaimInterval,
		maxLen:     eventbus.DefaultMaxLen,
		maxRetries: eventbus.DefaultMaxRetries,
		closeGrace: eventbus.DefaultCloseGrace,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.dlqSubject = b.subject + deadLetterSuffix

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, errors.Join(ErrJetStreamFailed, err)
	}
	b.js = js
	return b, nil
}

func (b *Bus) running() bool {
	return atomic.LoadInt32(&b.status) == statusRunning
}

// ensureConsumer idempotently creates the stream and the durable group
// consumer. Concurrent process startup races resolve to the same resources.
func (b *Bus) ensureConsumer(ctx context.Context) (jetstream.Consumer, error) {
	b.setupMu.Lock()
	defer b.setupMu.Unlock()
	if b.consumer != nil {
		return b.consumer, nil
	}

	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.stream,
		Subjects:  []string{b.subject, b.dlqSubject},
		MaxMsgs:   b.maxLen,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return nil, err
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       b.group,
		FilterSubject: b.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.ackWait,
		// One extra delivery beyond the retry ceiling so the final failure
		// can be observed and dead-lettered by a consumer.
		MaxDeliver: b.maxRetries + 2,
	})
	if err != nil {
		return nil, err
	}
	b.consumer = cons
	b.logger.Debug("jetstream consumer ready", "stream", b.stream, "durable", b.group)
	return cons, nil
}

// Publish serializes the event and appends it to the stream. MaxMsgs on the
// stream bounds growth by discarding the oldest entries.
func (b *Bus) Publish(ctx context.Context, ev eventbus.Event) error {
	if !b.running() {
		return eventbus.ErrBusClosed
	}

	data, err := b.codec.Encode(ev)
	if err != nil {
		b.logger.Error("event serialization failed", "event", ev.EventType(), "error", err)
		return err
	}

	if _, err := b.ensureConsumer(ctx); err != nil {
		b.publishErrors.Add(1)
		return &eventbus.TransportError{Op: "setup", Err: err}
	}

	if _, err := b.js.Publish(ctx, b.subject, data); err != nil {
		b.publishErrors.Add(1)
		b.logger.Error("publish failed", "event", ev.EventType(), "error", err)
		return &eventbus.TransportError{Op: "publish", Err: err}
	}
	b.logger.Debug("published event", "event", ev.EventType())
	return nil
}

// Subscribe registers a handler; the fetch loop starts on the first
// registration and fans delivered events out to every handler.
func (b *Bus) Subscribe(h eventbus.Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()

	b.loopOnce.Do(func() {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.fetchLoop()
		}()
	})
}

// OnShutdown registers a one-shot pre-close hook.
func (b *Bus) OnShutdown(fn func()) {
	b.shutdown.Register(fn)
}

func (b *Bus) stop() {
	b.stopOnce.Do(func() {
		atomic.StoreInt32(&b.status, statusStopped)
		close(b.done)
	})
}

// Close stops the fetch loop, fires the shutdown notification and waits the
// grace period for the in-flight batch. Idempotent.
func (b *Bus) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.stop()
		b.shutdown.Fire()

		finished := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-ctx.Done():
			b.logger.Warn("close cut short by caller", "error", ctx.Err())
		case <-time.After(b.closeGrace):
			b.logger.Warn("close grace period elapsed with fetch loop still running", "grace", b.closeGrace)
		}
		b.logger.Debug("nats bus closed")
	})
	return nil
}

func (b *Bus) fetchLoop() {
	ctx := context.Background()
	for {
		select {
		case <-b.done:
			return
		default:
		}

		cons, err := b.ensureConsumer(ctx)
		if err != nil {
			b.logger.Error("consumer setup failed, retrying", "error", err)
			select {
			case <-b.done:
				return
			case <-time.After(b.block):
			}
			continue
		}

		batch, err := cons.Fetch(b.batchSize, jetstream.FetchMaxWait(b.block))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			b.logger.Error("fetch failed", "error", err)
			select {
			case <-b.done:
				return
			case <-time.After(b.block):
			}
			continue
		}

		for msg := range batch.Messages() {
			select {
			case <-b.done:
				// Let the broker redeliver anything not yet acked.
				return
			default:
			}
			b.process(ctx, msg)
		}
	}
}

func (b *Bus) process(ctx context.Context, msg jetstream.Msg) {
	ev, err := b.codec.Decode(msg.Data())
	if err != nil {
		if errors.Is(err, eventbus.ErrUnknownEventType) {
			b.logger.Debug("ignoring unknown event type", "error", err)
			b.ackMsg(msg)
			return
		}
		b.logger.Error("undecodable message, dead-lettering", "error", err)
		b.deadLetter(ctx, msg.Data())
		b.ackMsg(msg)
		return
	}

	delivered := 1
	if meta, err := msg.Metadata(); err == nil {
		delivered = int(meta.NumDelivered)
	}

	if err := b.dispatch(ctx, ev); err != nil {
		b.handlerErrors.Add(1)
		if delivered > b.maxRetries {
			b.deadLetter(ctx, msg.Data())
			b.ackMsg(msg)
			b.logger.Error("handler failed, delivery ceiling reached, dead-lettered message",
				"event", ev.EventType(), "deliveries", delivered, "error", err)
			return
		}
		b.logger.Warn("handler failed, message will be redelivered",
			"event", ev.EventType(), "deliveries", delivered, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			b.logger.Error("failed to nak message", "error", nakErr)
		}
		return
	}
	b.ackMsg(msg)
	b.logger.Debug("processed event", "event", ev.EventType())
}

func (b *Bus) dispatch(ctx context.Context, ev eventbus.Event) error {
	b.mu.RLock()
	handlers := make([]eventbus.Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	var first error
	for _, h := range handlers {
		if err := b.callHandler(ctx, h, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *Bus) callHandler(ctx context.Context, h eventbus.Handler, ev eventbus.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

func (b *Bus) ackMsg(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		b.logger.Error("failed to ack message", "error", err)
	}
}

func (b *Bus) deadLetter(ctx context.Context, data []byte) {
	if _, err := b.js.Publish(ctx, b.dlqSubject, data); err != nil {
		b.logger.Error("failed to dead-letter message", "error", err)
		return
	}
	b.deadLettered.Add(1)
}

// Health reports connectivity and stream state, degrading to an unhealthy
// status when introspection fails.
func (b *Bus) Health(ctx context.Context) *eventbus.Status {
	result := &eventbus.Status{CheckedAt: time.Now(), Details: make(map[string]any)}
	result.Details["stream"] = b.stream
	result.Details["group"] = b.group
	result.Details["publish_errors"] = b.publishErrors.Load()
	result.Details["handler_errors"] = b.handlerErrors.Load()
	result.Details["dead_lettered"] = b.deadLettered.Load()

	if !b.running() {
		result.Code = eventbus.StatusUnhealthy
		result.Message = "bus is closed"
		return result
	}
	if !b.conn.IsConnected() {
		result.Code = eventbus.StatusUnhealthy
		result.Message = "nats connection is down"
		result.Details["connected"] = false
		return result
	}
	result.Details["connected"] = true

	stream, err := b.js.Stream(ctx, b.stream)
	if err == nil {
		if info, infoErr := stream.Info(ctx); infoErr == nil {
			result.Details["stream_length"] = info.State.Msgs
			result.Details["first_seq"] = info.State.FirstSeq
			result.Details["last_seq"] = info.State.LastSeq
		}
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		result.Code = eventbus.StatusUnhealthy
		result.Message = fmt.Sprintf("stream introspection failed: %v", err)
		return result
	}

	result.Healthy = true
	result.Code = eventbus.StatusHealthy
	result.Message = "nats bus is healthy"
	return result
}

// Compile-time checks
var _ eventbus.Bus = (*Bus)(nil)
var _ eventbus.HealthChecker = (*Bus)(nil)
