// Package redismirror stores session snapshots in Redis.
package redismirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/observability"
	"github.com/mohammed-shakir/occurrence-filter/internal/session"
)

const keyPrefix = "occurrence-filter:session:"

type Option func(*redis.Options)

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

type Mirror struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(ctx context.Context, addr string, ttl time.Duration, opts ...Option) (*Mirror, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     16,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveMirrorOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Mirror{rdb: rdb, ttl: ttl}, nil
}

func key(id string) string { return keyPrefix + id }

func (m *Mirror) Save(ctx context.Context, snap session.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	start := time.Now()
	err = m.rdb.Set(ctx, key(snap.ID), b, m.ttl).Err()
	observability.ObserveMirrorOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key(snap.ID), err)
	}
	return nil
}

func (m *Mirror) Load(ctx context.Context, id string) (session.Snapshot, error) {
	start := time.Now()
	b, err := m.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveMirrorOp("get", nil, time.Since(start).Seconds())
		return session.Snapshot{}, session.ErrNotFound
	}
	observability.ObserveMirrorOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("redis GET %q: %w", key(id), err)
	}

	var snap session.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (m *Mirror) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := m.rdb.Del(ctx, key(id)).Err()
	observability.ObserveMirrorOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis DEL %q: %w", key(id), err)
	}
	return nil
}

func (m *Mirror) Close() error {
	if err := m.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
