// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redis provides a Redis kv backend. Entries are plain string keys so
// TTLs are native; each map keeps a key index set for listing.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	p := redis.New(client)
//	m, _ := p.Map(ctx, "sessions")
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tombee/checkpointd/internal/kv"
	"github.com/tombee/checkpointd/internal/log"
)

// Compile-time interface assertions.
var (
	_ kv.Provider = (*Provider)(nil)
	_ kv.Closer   = (*Provider)(nil)
	_ kv.Map      = (*Map)(nil)
)

// valuesBatch bounds how many keys one MGET asks for.
const valuesBatch = 500

// pruneIndex removes index members whose entry no longer exists. KEYS are the
// entry keys followed by the index; ARGV are the matching members. Checking
// EXISTS inside the script keeps a concurrent re-put from losing its member.
var pruneIndex = goredis.NewScript(`
local index = KEYS[#KEYS]
local removed = 0
for i, member in ipairs(ARGV) do
	if redis.call('EXISTS', KEYS[i]) == 0 then
		removed = removed + redis.call('SREM', index, member)
	end
end
return removed
`)

// Config contains Redis connection configuration.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Option configures the Provider.
type Option func(*Provider)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(p *Provider) { p.prefix = prefix }
}

// Provider implements kv.Provider backed by Redis.
type Provider struct {
	client goredis.Cmdable
	closer func() error
	prefix string
	logger *slog.Logger
}

// New creates a provider on an existing client. The caller owns the client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Provider {
	p := &Provider{
		client: client,
		closer: func() error { return nil },
		prefix: DefaultKeyPrefix,
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = log.WithComponent(p.logger, "kv.redis")
	return p
}

// Dial connects to Redis with cfg and checks the connection. The returned
// provider owns the client and closes it on Close.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	if cfg.KeyPrefix != "" {
		opts = append([]Option{WithKeyPrefix(cfg.KeyPrefix)}, opts...)
	}
	p := New(client, opts...)
	p.closer = client.Close
	return p, nil
}

// Client returns the underlying Redis client.
func (p *Provider) Client() goredis.Cmdable { return p.client }

// Ping verifies the Redis connection is alive.
func (p *Provider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the client if the provider dialed it.
func (p *Provider) Close() error {
	return p.closer()
}

// Map implements kv.Provider.
func (p *Provider) Map(ctx context.Context, name string) (kv.Map, error) {
	return &Map{name: name, p: p, index: indexKey(p.prefix, name)}, nil
}

// Map is one namespace of Redis keys.
type Map struct {
	name  string
	p     *Provider
	index string
}

// Name implements kv.Map.
func (m *Map) Name() string { return m.name }

func (m *Map) key(key string) string {
	return entryKey(m.p.prefix, m.name, key)
}

// Get implements kv.Map.
func (m *Map) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := m.p.client.Get(ctx, m.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, true, nil
}

// Put implements kv.Map.
func (m *Map) Put(ctx context.Context, key string, value []byte) error {
	return m.set(ctx, key, value, 0)
}

// PutWithTTL implements kv.Map.
func (m *Map) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return kv.ErrInvalidTTL
	}
	return m.set(ctx, key, value, ttl)
}

func (m *Map) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := m.p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, m.index, key)
		pipe.Set(ctx, m.key(key), value, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent implements kv.Map using SET NX GET, which needs Redis 7.
func (m *Map) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	var set *goredis.StatusCmd
	_, err := m.p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, m.index, key)
		set = pipe.SetArgs(ctx, m.key(key), value, goredis.SetArgs{Mode: "NX", Get: true})
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, false, fmt.Errorf("failed to put %s: %w", key, err)
	}

	prev, err := set.Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to put %s: %w", key, err)
	}
	return []byte(prev), true, nil
}

// Remove implements kv.Map.
func (m *Map) Remove(ctx context.Context, key string) ([]byte, bool, error) {
	var get *goredis.StringCmd
	_, err := m.p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		get = pipe.GetDel(ctx, m.key(key))
		pipe.SRem(ctx, m.index, key)
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, false, fmt.Errorf("failed to remove %s: %w", key, err)
	}

	prev, err := get.Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return prev, true, nil
}

// Values implements kv.Map. Index members whose entry has expired are
// dropped from the index.
func (m *Map) Values(ctx context.Context) ([][]byte, error) {
	keys, err := m.p.client.SMembers(ctx, m.index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read key index: %w", err)
	}

	values := make([][]byte, 0, len(keys))
	var stale []string
	for start := 0; start < len(keys); start += valuesBatch {
		end := min(start+valuesBatch, len(keys))
		batch := keys[start:end]

		full := make([]string, len(batch))
		for i, k := range batch {
			full[i] = m.key(k)
		}
		got, err := m.p.client.MGet(ctx, full...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list values: %w", err)
		}

		for i, v := range got {
			s, ok := v.(string)
			if !ok {
				stale = append(stale, batch[i])
				continue
			}
			values = append(values, []byte(s))
		}
	}

	if len(stale) > 0 {
		keys := make([]string, 0, len(stale)+1)
		args := make([]any, len(stale))
		for i, k := range stale {
			keys = append(keys, m.key(k))
			args[i] = k
		}
		keys = append(keys, m.index)
		if err := pruneIndex.Run(ctx, m.p.client, keys, args...).Err(); err != nil {
			m.p.logger.Warn("failed to prune key index",
				slog.String(log.MapKey, m.name), log.Error(err))
		}
	}
	return values, nil
}
