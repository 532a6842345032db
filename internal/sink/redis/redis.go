// Package redis mirrors pending failures into Redis so processes without
// access to the control socket can poll them.
//
// Layout: one hash (default "failsink:current") with a field per subsystem
// holding the JSON view of its pending failure; cleared subsystems are
// removed from the hash. Every transition is also published as a JSON
// record on a channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"firestige.xyz/failsink/internal/config"
	"firestige.xyz/failsink/internal/metrics"
	"firestige.xyz/failsink/internal/reporter"
	"firestige.xyz/failsink/internal/sink"
)

const opTimeout = 2 * time.Second

// store is the subset of Redis commands the mirror needs.
type store interface {
	HSet(ctx context.Context, key, field string, value []byte) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// client adapts *redis.Client to store.
type client struct {
	rdb *redis.Client
}

func (c client) HSet(ctx context.Context, key, field string, value []byte) error {
	return c.rdb.HSet(ctx, key, field, value).Err()
}

func (c client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, key, fields...).Err()
}

func (c client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

func (c client) Close() error {
	return c.rdb.Close()
}

// Mirror is a transition observer that keeps Redis in step with the reporters.
type Mirror struct {
	key     string
	channel string
	store   store

	errorCount atomic.Uint64
}

// New connects to Redis, verifies the connection and drops whatever a previous
// run left pending for subsystems. Reporters start empty, so the mirror does too.
func New(cfg config.RedisSinkConfig, subsystems []string) (*Mirror, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := newWithStore(cfg.Key, cfg.Channel, client{rdb: rdb})
	if err := m.Reset(ctx, subsystems...); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	slog.Info("redis sink connected", "addr", opts.Addr, "key", cfg.Key, "channel", cfg.Channel)
	return m, nil
}

// Reset removes the mirrored failures of subsystems. Fields owned by other
// processes sharing the key are left alone.
func (m *Mirror) Reset(ctx context.Context, subsystems ...string) error {
	if len(subsystems) == 0 {
		return nil
	}
	if err := m.store.HDel(ctx, m.key, subsystems...); err != nil {
		return fmt.Errorf("reset %s: %w", m.key, err)
	}
	return nil
}

func newWithStore(key, channel string, s store) *Mirror {
	return &Mirror{key: key, channel: channel, store: s}
}

// Observe is a reporter.Subscribe callback.
func (m *Mirror) Observe(t reporter.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rec := sink.NewRecord(t)
	if t.Cleared() {
		if err := m.store.HDel(ctx, m.key, t.Subsystem); err != nil {
			m.fail("hdel", t.Subsystem, err)
		}
	} else {
		view, err := json.Marshal(rec.Current)
		if err != nil {
			m.fail("encode", t.Subsystem, err)
			return
		}
		if err := m.store.HSet(ctx, m.key, t.Subsystem, view); err != nil {
			m.fail("hset", t.Subsystem, err)
		}
	}

	if m.channel == "" {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		m.fail("encode", t.Subsystem, err)
		return
	}
	if err := m.store.Publish(ctx, m.channel, payload); err != nil {
		m.fail("publish", t.Subsystem, err)
	}
}

// Pending reads the mirrored failures back, keyed by subsystem.
func (m *Mirror) Pending(ctx context.Context) (map[string]*reporter.View, error) {
	raw, err := m.store.HGetAll(ctx, m.key)
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", m.key, err)
	}
	out := make(map[string]*reporter.View, len(raw))
	for subsystem, data := range raw {
		var v reporter.View
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", m.key, subsystem, err)
		}
		out[subsystem] = &v
	}
	return out, nil
}

// Errors returns how many Redis operations failed.
func (m *Mirror) Errors() uint64 {
	return m.errorCount.Load()
}

func (m *Mirror) Close() error {
	return m.store.Close()
}

func (m *Mirror) fail(op, subsystem string, err error) {
	m.errorCount.Add(1)
	metrics.SinkErrorsTotal.WithLabelValues("redis").Inc()
	slog.Error("redis sink: operation failed", "op", op, "key", m.key, "subsystem", subsystem, "error", err)
}
