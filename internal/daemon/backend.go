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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/checkpointd/internal/config"
	"github.com/tombee/checkpointd/internal/kv"
	"github.com/tombee/checkpointd/internal/kv/memory"
	"github.com/tombee/checkpointd/internal/kv/postgres"
	kvredis "github.com/tombee/checkpointd/internal/kv/redis"
	"github.com/tombee/checkpointd/internal/kv/sqlite"
	"github.com/tombee/checkpointd/internal/leader"
)

// backend is an opened store plus what it can offer beyond maps.
type backend struct {
	maps  kv.Provider
	close func() error

	// newLocker builds the leader lock for this store. Nil when the store
	// is local to the process.
	newLocker func(instanceID string, ttl time.Duration) leader.Locker
}

// openBackend connects to the store selected by cfg.Type.
func openBackend(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*backend, error) {
	switch cfg.Type {
	case config.StoreMemory:
		return &backend{
			maps:  memory.New(),
			close: func() error { return nil },
		}, nil

	case config.StoreSQLite:
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		p, err := sqlite.New(sqlite.Config{Path: cfg.SQLite.Path, WAL: true})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return &backend{maps: p, close: p.Close}, nil

	case config.StoreRedis:
		p, err := kvredis.Dial(ctx, kvredis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, kvredis.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return &backend{
			maps:  p,
			close: p.Close,
			newLocker: func(instanceID string, ttl time.Duration) leader.Locker {
				return leader.NewRedisLocker(p.Client(), cfg.Redis.KeyPrefix+"leader", instanceID, ttl)
			},
		}, nil

	case config.StorePostgres:
		p, err := postgres.New(ctx, postgres.Config{
			ConnectionString: cfg.Postgres.URL,
			MaxConns:         cfg.Postgres.MaxConns,
		}, postgres.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return &backend{
			maps:  p,
			close: p.Close,
			newLocker: func(string, time.Duration) leader.Locker {
				return leader.NewPostgresLocker(p.Pool())
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
