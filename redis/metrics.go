package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harborchat/eventbus"
)

// Health reports connectivity, backlog and consumer-group state. It is a
// diagnostic surface, not correctness-critical: if any introspection call
// fails the result degrades to an unhealthy status with defaulted fields
// instead of returning an error.
func (b *Bus) Health(ctx context.Context) *eventbus.Status {
	result := &eventbus.Status{
		CheckedAt: time.Now(),
		Details:   make(map[string]any),
	}
	result.Details["stream"] = b.stream
	result.Details["group"] = b.group
	result.Details["consumer"] = b.consumer
	result.Details["publish_errors"] = b.publishErrors.Load()
	result.Details["consume_errors"] = b.consumeErrors.Load()
	result.Details["handler_errors"] = b.handlerErrors.Load()
	result.Details["requeued"] = b.requeued.Load()
	result.Details["dead_lettered"] = b.deadLettered.Load()

	if !b.running() {
		result.Code = eventbus.StatusUnhealthy
		if term := b.terminal.Load(); term != nil {
			result.Message = term.Error()
		} else {
			result.Message = "bus is closed"
		}
		return result
	}

	if err := b.client.Ping(ctx).Err(); err != nil {
		result.Code = eventbus.StatusUnhealthy
		result.Message = fmt.Sprintf("redis ping failed: %v", err)
		result.Details["connected"] = false
		return result
	}
	result.Details["connected"] = true

	if err := b.collectStreamInfo(ctx, result); err != nil {
		result.Code = eventbus.StatusUnhealthy
		result.Message = fmt.Sprintf("stream introspection failed: %v", err)
		return result
	}

	result.Healthy = true
	result.Code = eventbus.StatusHealthy
	result.Message = "redis bus is healthy"
	return result
}

type groupInfo struct {
	Name      string         `json:"name"`
	Consumers int64          `json:"consumers"`
	Pending   int64          `json:"pending"`
	Lag       int64          `json:"lag"`
	PerWorker []consumerInfo `json:"per_consumer,omitempty"`
}

type consumerInfo struct {
	Name    string `json:"name"`
	Pending int64  `json:"pending"`
	IdleMS  int64  `json:"idle_ms"`
}

func (b *Bus) collectStreamInfo(ctx context.Context, result *eventbus.Status) error {
	result.Details["stream_length"] = int64(0)
	result.Details["first_id"] = ""
	result.Details["last_id"] = ""
	result.Details["dead_letter_length"] = int64(0)

	info, err := b.client.XInfoStream(ctx, b.stream).Result()
	switch {
	case isMissingStream(err):
		// Nothing published yet: an empty stream is healthy.
		return nil
	case err != nil:
		return err
	}

	result.Details["stream_length"] = info.Length
	result.Details["first_id"] = info.FirstEntry.ID
	result.Details["last_id"] = info.LastEntry.ID

	groups, err := b.client.XInfoGroups(ctx, b.stream).Result()
	if err != nil {
		return err
	}
	infos := make([]groupInfo, 0, len(groups))
	for _, g := range groups {
		gi := groupInfo{
			Name:      g.Name,
			Consumers: g.Consumers,
			Pending:   g.Pending,
			Lag:       g.Lag,
		}
		consumers, err := b.client.XInfoConsumers(ctx, b.stream, g.Name).Result()
		if err != nil {
			return err
		}
		for _, c := range consumers {
			gi.PerWorker = append(gi.PerWorker, consumerInfo{
				Name:    c.Name,
				Pending: c.Pending,
				IdleMS:  c.Idle.Milliseconds(),
			})
		}
		infos = append(infos, gi)
	}
	result.Details["groups"] = infos

	dlqLen, err := b.client.XLen(ctx, b.dlqStream).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	result.Details["dead_letter_length"] = dlqLen
	return nil
}

// isMissingStream matches the reply Redis gives for XINFO on a stream that
// has never been written to.
func isMissingStream(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return true
	}
	return strings.Contains(err.Error(), "no such key")
}
