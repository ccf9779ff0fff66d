package redis

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/harborchat/eventbus"
	"github.com/harborchat/eventbus/codec"
)

// Option configures the Redis bus.
type Option func(*Bus)

// WithCodec sets the codec for event serialization.
func WithCodec(c codec.Codec) Option {
	return func(b *Bus) {
		if c != nil {
			b.codec = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l.With("component", "eventbus>redis")
		}
	}
}

// WithStream sets the primary stream name. The dead-letter stream name is
// derived from it with a fixed suffix.
func WithStream(name string) Option {
	return func(b *Bus) {
		if name != "" {
			b.stream = name
		}
	}
}

// WithGroup sets the consumer group name. Use one group name per deployment
// so exactly one process in the fleet handles each event.
func WithGroup(name string) Option {
	return func(b *Bus) {
		if name != "" {
			b.group = name
		}
	}
}

// WithConsumerName overrides the generated consumer name. The name must be
// unique per process or two instances will shadow each other's pending
// entries.
func WithConsumerName(name string) Option {
	return func(b *Bus) {
		if name != "" {
			b.consumer = name
		}
	}
}

// WithBatchSize bounds how many entries a single group read fetches.
func WithBatchSize(n int64) Option {
	return func(b *Bus) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithBlock bounds how long a group read blocks waiting for entries.
func WithBlock(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.block = d
		}
	}
}

// WithClaimInterval sets both the sleep between orphan-claim passes and the
// minimum idle time before a pending entry counts as orphaned.
func WithClaimInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.claimInterval = d
		}
	}
}

// WithMaxLen bounds stream growth. The trim is approximate: Redis trims in
// whole macro-nodes, trading accuracy for write throughput.
func WithMaxLen(n int64) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxLen = n
		}
	}
}

// WithMaxRetries sets the requeue ceiling before dead-lettering.
func WithMaxRetries(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.maxRetries = n
		}
	}
}

// WithReconnectBackoff shapes the linear backoff applied to transport read
// failures: delay grows by step per consecutive attempt up to cap; past
// maxAttempts the bus fires its shutdown notification and gives up.
func WithReconnectBackoff(step, cap time.Duration, maxAttempts int) Option {
	return func(b *Bus) {
		if step > 0 {
			b.reconnectStep = step
		}
		if cap > 0 {
			b.reconnectCap = cap
		}
		if maxAttempts > 0 {
			b.reconnectMaxAttempts = maxAttempts
		}
	}
}

// WithCloseGrace bounds how long Close waits for in-flight batches.
func WithCloseGrace(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.closeGrace = d
		}
	}
}

// WithRateLimit throttles publishes to eventsPerSecond with the given burst,
// providing producer-side backpressure for bulk operations like backfills.
func WithRateLimit(eventsPerSecond float64, burst int) Option {
	return func(b *Bus) {
		if eventsPerSecond > 0 && burst > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
		}
	}
}

// FromConfig maps an eventbus.Config onto bus options. Zero values fall back
// to defaults.
func FromConfig(cfg eventbus.Config) Option {
	return func(b *Bus) {
		WithStream(cfg.Stream)(b)
		WithGroup(cfg.Group)(b)
		WithBatchSize(cfg.BatchSize)(b)
		WithBlock(cfg.Block)(b)
		WithClaimInterval(cfg.ClaimInterval)(b)
		WithMaxLen(cfg.MaxLen)(b)
		WithMaxRetries(cfg.MaxRetries)(b)
		WithReconnectBackoff(cfg.ReconnectStep, cfg.ReconnectCap, cfg.ReconnectMaxAttempts)(b)
		WithCloseGrace(cfg.CloseGrace)(b)
	}
}
