package nats

import (
	"log/slog"
	"time"

	"github.com/harborchat/eventbus"
	"github.com/harborchat/eventbus/codec"
)

// Option configures the JetStream bus.
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
			b.logger = l.With("component", "eventbus>nats")
		}
	}
}

// WithStream sets the JetStream stream name.
func WithStream(name string) Option {
	return func(b *Bus) {
		if name != "" {
			b.stream = name
		}
	}
}

// WithSubject sets the subject events publish to. The dead-letter subject is
// derived from it with a fixed suffix.
func WithSubject(subject string) Option {
	return func(b *Bus) {
		if subject != "" {
			b.subject = subject
		}
	}
}

// WithGroup names the durable consumer shared by the deployment's workers.
func WithGroup(name string) Option {
	return func(b *Bus) {
		if name != "" {
			b.group = name
		}
	}
}

// WithBatchSize bounds how many messages a single fetch requests.
func WithBatchSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithBlock bounds how long a fetch waits for messages.
func WithBlock(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.block = d
		}
	}
}

// WithAckWait sets how long the broker waits for an ack before redelivering
// a message to another worker.
func WithAckWait(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.ackWait = d
		}
	}
}

// WithMaxLen bounds stream growth by discarding the oldest messages.
func WithMaxLen(n int64) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxLen = n
		}
	}
}

// WithMaxRetries sets the redelivery ceiling before dead-lettering.
func WithMaxRetries(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.maxRetries = n
		}
	}
}

// WithCloseGrace bounds how long Close waits for the in-flight batch.
func WithCloseGrace(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.closeGrace = d
		}
	}
}

// FromConfig maps an eventbus.Config onto bus options. Zero values fall back
// to defaults.
func FromConfig(cfg eventbus.Config) Option {
	return func(b *Bus) {
		WithSubject(cfg.Stream)(b)
		WithGroup(cfg.Group)(b)
		WithBatchSize(int(cfg.BatchSize))(b)
		WithBlock(cfg.Block)(b)
		WithAckWait(cfg.ClaimInterval)(b)
		WithMaxLen(cfg.MaxLen)(b)
		WithMaxRetries(cfg.MaxRetries)(b)
		WithCloseGrace(cfg.CloseGrace)(b)
	}
}
