package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lsat-prep/assessment/internal/logger"
)

// RedisBus publishes events on a Redis channel so every server instance can
// forward them to its own hub.
type RedisBus struct {
	log     *logger.Logger
	rdb     *redis.Client
	channel string
}

func NewRedisBus(ctx context.Context, addr, channel string, log *logger.Logger) (*RedisBus, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("missing redis address")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 5 * time.Second})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisBus(rdb, channel, log), nil
}

func newRedisBus(rdb *redis.Client, channel string, log *logger.Logger) *RedisBus {
	if channel == "" {
		channel = "assessment-events"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisBus{log: log.With("component", "redis_bus"), rdb: rdb, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Forward subscribes to the bus channel and hands every message to onMsg
// until ctx is cancelled. It blocks.
func (b *RedisBus) Forward(ctx context.Context, onMsg func(Message)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.Warn("bad event payload", "error", err)
				continue
			}
			onMsg(msg)
		}
	}
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
