package eventbus

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Bus selection modes.
const (
	ModeRedis  = "redis"
	ModeMemory = "memory"
)

// Default configuration. Every value is overridable through an EVENTBUS_*
// environment variable; invalid overrides fail at construction.
var (
	DefaultRedisAddr            = "localhost:6379"
	DefaultStream               = "events"
	DefaultGroup                = "workers"
	DefaultBatchSize            = int64(16)
	DefaultBlock                = 5 * time.Second
	DefaultClaimInterval        = 30 * time.Second
	DefaultMaxLen               = int64(10000)
	DefaultMaxRetries           = 3
	DefaultReconnectStep        = 500 * time.Millisecond
	DefaultReconnectCap         = 10 * time.Second
	DefaultReconnectMaxAttempts = 20
	DefaultCloseGrace           = 5 * time.Second
)

// Config holds bus construction parameters. It is configuration, not mutable
// state: build it once at startup and hand it to the lifecycle service.
type Config struct {
	// Mode selects the transport: ModeRedis (default) or ModeMemory.
	Mode string

	// RedisAddr is the host:port of the Redis server.
	RedisAddr string

	// Stream is the primary stream name. The dead-letter stream is derived
	// from it with a fixed ":dead" suffix.
	Stream string

	// Group is the consumer group name. One group name per deployment so a
	// single process in the fleet handles each event.
	Group string

	// BatchSize bounds entries fetched per group read.
	BatchSize int64

	// Block bounds how long a group read blocks waiting for entries.
	Block time.Duration

	// ClaimInterval is both the sleep between orphan-claim passes and the
	// minimum idle time before a pending entry counts as orphaned.
	ClaimInterval time.Duration

	// MaxLen bounds stream growth via approximate trimming.
	MaxLen int64

	// MaxRetries is the requeue ceiling before an entry is dead-lettered.
	MaxRetries int

	// ReconnectStep, ReconnectCap and ReconnectMaxAttempts shape the linear
	// backoff applied to transport read failures: delay grows by one step
	// per consecutive attempt up to the cap; past the attempt ceiling the
	// bus gives up and fires its shutdown notification.
	ReconnectStep        time.Duration
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int

	// CloseGrace bounds how long Close waits for in-flight batches.
	CloseGrace time.Duration
}

// DefaultConfig returns the hard-coded defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                 ModeRedis,
		RedisAddr:            DefaultRedisAddr,
		Stream:               DefaultStream,
		Group:                DefaultGroup,
		BatchSize:            DefaultBatchSize,
		Block:                DefaultBlock,
		ClaimInterval:        DefaultClaimInterval,
		MaxLen:               DefaultMaxLen,
		MaxRetries:           DefaultMaxRetries,
		ReconnectStep:        DefaultReconnectStep,
		ReconnectCap:         DefaultReconnectCap,
		ReconnectMaxAttempts: DefaultReconnectMaxAttempts,
		CloseGrace:           DefaultCloseGrace,
	}
}

// FromEnv builds a Config from EVENTBUS_* environment variables on top of the
// defaults. Unparsable or out-of-range overrides return an error immediately
// rather than silently falling back mid-run.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("EVENTBUS_MODE"); ok {
		if v != ModeRedis && v != ModeMemory {
			return cfg, fmt.Errorf("eventbus: invalid EVENTBUS_MODE %q (want %q or %q)", v, ModeRedis, ModeMemory)
		}
		cfg.Mode = v
	}
	if v, ok := os.LookupEnv("EVENTBUS_REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := os.LookupEnv("EVENTBUS_STREAM"); ok {
		cfg.Stream = v
	}
	if v, ok := os.LookupEnv("EVENTBUS_GROUP"); ok {
		cfg.Group = v
	}

	var err error
	if cfg.BatchSize, err = envInt64("EVENTBUS_BATCH_SIZE", cfg.BatchSize); err != nil {
		return cfg, err
	}
	if cfg.Block, err = envMillis("EVENTBUS_BLOCK_MS", cfg.Block); err != nil {
		return cfg, err
	}
	if cfg.ClaimInterval, err = envMillis("EVENTBUS_CLAIM_INTERVAL_MS", cfg.ClaimInterval); err != nil {
		return cfg, err
	}
	if cfg.MaxLen, err = envInt64("EVENTBUS_MAX_LEN", cfg.MaxLen); err != nil {
		return cfg, err
	}
	maxRetries, err := envInt64("EVENTBUS_MAX_RETRIES", int64(cfg.MaxRetries))
	if err != nil {
		return cfg, err
	}
	cfg.MaxRetries = int(maxRetries)
	if cfg.ReconnectStep, err = envMillis("EVENTBUS_RECONNECT_STEP_MS", cfg.ReconnectStep); err != nil {
		return cfg, err
	}
	if cfg.ReconnectCap, err = envMillis("EVENTBUS_RECONNECT_CAP_MS", cfg.ReconnectCap); err != nil {
		return cfg, err
	}
	maxAttempts, err := envInt64("EVENTBUS_RECONNECT_MAX_ATTEMPTS", int64(cfg.ReconnectMaxAttempts))
	if err != nil {
		return cfg, err
	}
	cfg.ReconnectMaxAttempts = int(maxAttempts)
	if cfg.CloseGrace, err = envMillis("EVENTBUS_CLOSE_GRACE_MS", cfg.CloseGrace); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func envInt64(key string, def int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("eventbus: invalid %s %q: %w", key, v, err)
	}
	if n < 0 {
		return def, fmt.Errorf("eventbus: invalid %s %q: must not be negative", key, v)
	}
	return n, nil
}

func envMillis(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt64(key, int64(def/time.Millisecond))
	if err != nil {
		return def, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
