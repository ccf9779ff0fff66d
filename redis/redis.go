// Package redis provides the durable event bus backed by Redis Streams.
//
// Every accepted event is appended to a single stream and delivered to
// exactly one consumer within the configured consumer group, surviving
// individual consumer crashes via orphan reclaim. Handler failures are
// bounded by a retry ceiling with a dead-letter stream for poison messages.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/harborchat/eventbus"
	"github.com/harborchat/eventbus/codec"
)

// Client defines the Redis operations the bus depends on.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XInfoStream(ctx context.Context, stream string) *redis.XInfoStreamCmd
	XInfoGroups(ctx context.Context, stream string) *redis.XInfoGroupsCmd
	XInfoConsumers(ctx context.Context, stream, group string) *redis.XInfoConsumersCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// ErrClientRequired is returned when no Redis client is provided.
var ErrClientRequired = errors.New("redis client is required")

// Stream entry field keys.
const (
	fieldPayload = "payload"
	fieldRetry   = "retry"
)

// deadLetterSuffix derives the dead-letter stream from the primary stream.
const deadLetterSuffix = ":dead"

const (
	statusRunning = int32(1)
	statusStopped = int32(0)
)

// Bus implements eventbus.Bus on Redis Streams.
type Bus struct {
	status     int32
	client     Client
	ownsClient bool
	codec      codec.Codec
	logger     *slog.Logger

	stream    string
	dlqStream string
	group     string
	consumer  string

	batchSize     int64
	block         time.Duration
	claimInterval time.Duration
	maxLen        int64
	maxRetries    int

	reconnectStep        time.Duration
	reconnectCap         time.Duration
	reconnectMaxAttempts int
	closeGrace           time.Duration

	limiter *rate.Limiter

	mu       sync.RWMutex
	handlers []eventbus.Handler

	setupMu    sync.Mutex
	groupReady int32

	loopOnce  sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	shutdown eventbus.Notifier
	terminal atomic.Pointer[eventbus.TerminalConnectionError]

	// Cumulative error counters, surfaced through Health.
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
	handlerErrors atomic.Uint64
	requeued      atomic.Uint64
	deadLettered  atomic.Uint64

	tracer            trace.Tracer
	publishedCounter  metric.Int64Counter
	publishErrCounter metric.Int64Counter
	handlerErrCounter metric.Int64Counter
	requeuedCounter   metric.Int64Counter
	deadLetterCounter metric.Int64Counter
	claimedCounter    metric.Int64Counter
}

// New creates a durable bus on a pre-initialized Redis client. The caller
// keeps ownership of the client; Close will not release it. Use Dial to let
// the bus own the connection.
func New(client Client, opts ...Option) (*Bus, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}

	b := &Bus{
		status:               statusRunning,
		client:               client,
		codec:                codec.Default(),
		logger:               eventbus.Logger("eventbus>redis"),
		stream:               eventbus.DefaultStream,
		group:                eventbus.DefaultGroup,
		consumer:             host + "-" + eventbus.NewID(),
		batchSize:            eventbus.DefaultBatchSize,
		block:                eventbus.DefaultBlock,
		claimInterval:        eventbus.DefaultClaimInterval,
		maxLen:               eventbus.DefaultMaxLen,
		maxRetries:           eventbus.DefaultMaxRetries,
		reconnectStep:        eventbus.DefaultReconnectStep,
		reconnectCap:         eventbus.DefaultReconnectCap,
		reconnectMaxAttempts: eventbus.DefaultReconnectMaxAttempts,
		closeGrace:           eventbus.DefaultCloseGrace,
		done:                 make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}
	b.dlqStream = b.stream + deadLetterSuffix

	b.tracer = otel.Tracer("eventbus.redis")
	meter := otel.Meter("eventbus.redis")
	b.publishedCounter, _ = meter.Int64Counter("eventbus.published",
		metric.WithDescription("Total number of events published"))
	b.publishErrCounter, _ = meter.Int64Counter("eventbus.publish.errors",
		metric.WithDescription("Total number of publish failures"))
	b.handlerErrCounter, _ = meter.Int64Counter("eventbus.handler.errors",
		metric.WithDescription("Total number of handler failures"))
	b.requeuedCounter, _ = meter.Int64Counter("eventbus.requeued",
		metric.WithDescription("Total number of entries requeued for retry"))
	b.deadLetterCounter, _ = meter.Int64Counter("eventbus.deadlettered",
		metric.WithDescription("Total number of entries routed to the dead-letter stream"))
	b.claimedCounter, _ = meter.Int64Counter("eventbus.claimed",
		metric.WithDescription("Total number of orphaned entries reclaimed"))

	return b, nil
}

// Dial connects to the given Redis address and returns a bus that owns the
// connection: Close releases it.
func Dial(addr string, opts ...Option) (*Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	b, err := New(client, opts...)
	if err != nil {
		return nil, err
	}
	b.ownsClient = true
	return b, nil
}

func (b *Bus) running() bool {
	return atomic.LoadInt32(&b.status) == statusRunning
}

// Consumer returns the unique per-process consumer name.
func (b *Bus) Consumer() string { return b.consumer }

// ensureGroup idempotently creates the stream and consumer group, positioned
// at new messages only. A BUSYGROUP reply is a benign startup race between
// processes, not an error.
func (b *Bus) ensureGroup(ctx context.Context) error {
	if atomic.LoadInt32(&b.groupReady) == 1 {
		return nil
	}
	b.setupMu.Lock()
	defer b.setupMu.Unlock()
	if atomic.LoadInt32(&b.groupReady) == 1 {
		return nil
	}

	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	atomic.StoreInt32(&b.groupReady, 1)
	b.logger.Debug("consumer group ready", "stream", b.stream, "group", b.group)
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Publish serializes the event and appends it to the stream, applying the
// approximate MAXLEN trim. It settles once Redis accepted the entry, not
// once subscribers handled it.
func (b *Bus) Publish(ctx context.Context, ev eventbus.Event) error {
	if !b.running() {
		if term := b.terminal.Load(); term != nil {
			return term
		}
		return eventbus.ErrBusClosed
	}

	data, err := b.codec.Encode(ev)
	if err != nil {
		// Serialization failures are not retryable: nothing was written.
		b.logger.Error("event serialization failed", "event", ev.EventType(), "error", err)
		return err
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return &eventbus.TransportError{Op: "publish", Err: err}
		}
	}

	if err := b.ensureGroup(ctx); err != nil {
		b.recordPublishError(ctx, ev.EventType(), err)
		return &eventbus.TransportError{Op: "setup", Err: err}
	}

	ctx, span := b.tracer.Start(ctx, "eventbus.publish",
		trace.WithAttributes(attribute.String("event", ev.EventType())),
		trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{fieldPayload: string(data)},
	}).Result()
	if err != nil {
		b.recordPublishError(ctx, ev.EventType(), err)
		return &eventbus.TransportError{Op: "publish", Err: err}
	}

	b.publishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", ev.EventType())))
	b.logger.Debug("published event", "event", ev.EventType(), "id", id)
	return nil
}

func (b *Bus) recordPublishError(ctx context.Context, eventType string, err error) {
	b.publishErrors.Add(1)
	b.publishErrCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventType)))
	b.logger.Error("publish failed", "event", eventType, "error", err)
}

// Subscribe registers a handler. The consume and auto-claim loops start on
// the first registration; later registrations fan out within the process.
func (b *Bus) Subscribe(h eventbus.Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()

	b.loopOnce.Do(func() {
		b.wg.Add(2)
		go func() {
			defer b.wg.Done()
			b.consumeLoop()
		}()
		go func() {
			defer b.wg.Done()
			b.claimLoop()
		}()
	})
}

// OnShutdown registers a one-shot pre-close hook.
func (b *Bus) OnShutdown(fn func()) {
	b.shutdown.Register(fn)
}

// stop flips the running flag and wakes the loops. Safe to call twice.
func (b *Bus) stop() {
	b.stopOnce.Do(func() {
		atomic.StoreInt32(&b.status, statusStopped)
		close(b.done)
	})
}

// Close stops both loops, fires the shutdown notification, waits the close
// grace period for in-flight batches and then releases the connection if the
// bus owns it. Idempotent.
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
			b.logger.Warn("close grace period elapsed with loops still running", "grace", b.closeGrace)
		}

		if b.ownsClient {
			if err := b.client.Close(); err != nil {
				b.logger.Error("failed to close redis client", "error", err)
			}
		}
		b.logger.Debug("redis bus closed")
	})
	return nil
}

// consumeLoop blocks on group reads for new entries and processes each
// delivered batch. Read failures back off linearly; past the reconnect
// ceiling the loop gives up, fires the shutdown notification and records a
// terminal connection error.
func (b *Bus) consumeLoop() {
	ctx := context.Background()
	attempts := 0

	for {
		select {
		case <-b.done:
			return
		default:
		}

		if err := b.ensureGroup(ctx); err != nil {
			if !b.backoff(&attempts, "setup", err) {
				return
			}
			continue
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{b.stream, ">"},
			Count:    b.batchSize,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				attempts = 0
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			if !b.backoff(&attempts, "read", err) {
				return
			}
			continue
		}
		attempts = 0

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				select {
				case <-b.done:
					return
				default:
				}
				b.process(ctx, msg)
			}
		}
	}
}

// backoff sleeps before the next reconnect attempt, growing the delay
// linearly with the attempt count up to the configured cap. Returns false
// once attempts are exhausted, after flagging the terminal failure.
func (b *Bus) backoff(attempts *int, op string, err error) bool {
	b.consumeErrors.Add(1)
	*attempts++
	if *attempts > b.reconnectMaxAttempts {
		term := &eventbus.TerminalConnectionError{Attempts: *attempts - 1, Err: err}
		b.terminal.Store(term)
		b.logger.Error("reconnect attempts exhausted, shutting down bus",
			"op", op, "attempts", *attempts-1, "error", err)
		// Notify dependents while the bus is still minimally usable, then
		// stop the loops.
		b.shutdown.Fire()
		b.stop()
		return false
	}

	delay := time.Duration(*attempts) * b.reconnectStep
	if delay > b.reconnectCap {
		delay = b.reconnectCap
	}
	b.logger.Warn("transport error, backing off", "op", op, "attempt", *attempts, "delay", delay, "error", err)

	select {
	case <-b.done:
		return false
	case <-time.After(delay):
		return true
	}
}

// claimLoop periodically reclaims entries left pending longer than the claim
// interval by consumers that died mid-processing. Each pass scans from the
// start of the pending list until no further entries are returned, then
// sleeps for the interval.
func (b *Bus) claimLoop() {
	ctx := context.Background()
	for {
		select {
		case <-b.done:
			return
		case <-time.After(b.claimInterval):
		}
		b.claimPass(ctx)
	}
}

func (b *Bus) claimPass(ctx context.Context) {
	start := "0-0"
	for {
		select {
		case <-b.done:
			return
		default:
		}

		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.stream,
			Group:    b.group,
			Consumer: b.consumer,
			MinIdle:  b.claimInterval,
			Start:    start,
			Count:    b.batchSize,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
				b.consumeErrors.Add(1)
				b.logger.Error("auto-claim failed", "error", err)
			}
			return
		}
		if len(msgs) == 0 {
			return
		}

		b.claimedCounter.Add(ctx, int64(len(msgs)))
		b.logger.Info("reclaimed orphaned entries", "count", len(msgs), "stream", b.stream)
		for _, msg := range msgs {
			select {
			case <-b.done:
				return
			default:
			}
			b.process(ctx, msg)
		}

		if next == "0-0" {
			return
		}
		start = next
	}
}

// process decodes one stream entry, dispatches it to every registered
// handler, acknowledges it and routes handler failures to the retry or
// dead-letter path. Errors never propagate past this boundary.
func (b *Bus) process(ctx context.Context, msg redis.XMessage) {
	payload, ok := msg.Values[fieldPayload].(string)
	if !ok {
		b.logger.Error("malformed stream entry, dead-lettering", "id", msg.ID)
		b.deadLetter(ctx, "", fmt.Sprint(msg.Values))
		b.ack(ctx, msg.ID)
		return
	}

	ev, err := b.codec.Decode([]byte(payload))
	if err != nil {
		if errors.Is(err, eventbus.ErrUnknownEventType) {
			// Forward-compatibility: newer processes may publish variants
			// this one does not know. Ignore, do not dead-letter.
			b.logger.Debug("ignoring unknown event type", "id", msg.ID, "error", err)
			b.ack(ctx, msg.ID)
			return
		}
		b.logger.Error("undecodable entry, dead-lettering", "id", msg.ID, "error", err)
		b.deadLetter(ctx, "", payload)
		b.ack(ctx, msg.ID)
		return
	}

	retries := retryCount(msg.Values)

	dispatchCtx, span := b.tracer.Start(ctx, "eventbus.process",
		trace.WithAttributes(attribute.String("event", ev.EventType())),
		trace.WithSpanKind(trace.SpanKindConsumer))
	handlerErr := b.dispatch(dispatchCtx, ev)
	span.End()

	// Acknowledge before requeue/dead-letter: a redelivery storm on a
	// poison message is worse than the narrow crash window between ack and
	// the retry append. Consumers are idempotent per message id.
	b.ack(ctx, msg.ID)

	if handlerErr == nil {
		b.logger.Debug("processed event", "event", ev.EventType(), "id", msg.ID)
		return
	}

	b.handlerErrors.Add(1)
	b.handlerErrCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", ev.EventType())))

	if retries < b.maxRetries {
		if err := b.requeue(ctx, payload, retries+1); err != nil {
			b.logger.Error("failed to requeue entry", "event", ev.EventType(), "id", msg.ID, "error", err)
			return
		}
		b.requeued.Add(1)
		b.requeuedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", ev.EventType())))
		b.logger.Warn("handler failed, requeued entry",
			"event", ev.EventType(), "id", msg.ID, "retry", retries+1, "error", handlerErr)
		return
	}

	b.deadLetter(ctx, ev.EventType(), payload)
	b.logger.Error("handler failed, retry ceiling reached, dead-lettered entry",
		"event", ev.EventType(), "id", msg.ID, "retries", retries, "error", handlerErr)
}

// dispatch fans the event out to every registered handler in registration
// order. The first failure is reported after all handlers ran; panics are
// contained per handler.
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

func (b *Bus) ack(ctx context.Context, id string) {
	if err := b.client.XAck(ctx, b.stream, b.group, id).Err(); err != nil {
		b.consumeErrors.Add(1)
		b.logger.Error("failed to ack entry", "id", id, "error", err)
	}
}

// requeue appends a fresh entry carrying the same payload and an incremented
// retry counter. Retried entries land at the stream tail and may reorder
// relative to entries that never failed.
func (b *Bus) requeue(ctx context.Context, payload string, retry int) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			fieldPayload: payload,
			fieldRetry:   strconv.Itoa(retry),
		},
	}).Err()
}

// deadLetter appends the payload (without the retry counter) to the
// dead-letter stream for manual inspection or replay. The bus never re-reads
// it automatically.
func (b *Bus) deadLetter(ctx context.Context, eventType, payload string) {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.dlqStream,
		Values: map[string]interface{}{fieldPayload: payload},
	}).Err()
	if err != nil {
		b.consumeErrors.Add(1)
		b.logger.Error("failed to dead-letter entry", "event", eventType, "error", err)
		return
	}
	b.deadLettered.Add(1)
	b.deadLetterCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventType)))
}

func retryCount(values map[string]interface{}) int {
	raw, ok := values[fieldRetry].(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Compile-time checks
var _ eventbus.Bus = (*Bus)(nil)
var _ eventbus.HealthChecker = (*Bus)(nil)
