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

package leader

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLockID is the Postgres advisory lock ID for leader election.
// It must be unique across applications sharing the database.
const AdvisoryLockID int64 = 0x636B70746E746431 // "ckptntd1"

// PostgresLocker holds a session-level advisory lock. The lock lives on one
// pooled connection, which is kept out of the pool while leadership is held.
type PostgresLocker struct {
	pool   *pgxpool.Pool
	lockID int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

// NewPostgresLocker creates a locker for AdvisoryLockID.
func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool, lockID: AdvisoryLockID}
}

// TryAcquire implements Locker.
func (l *PostgresLocker) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return l.holding(ctx)
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Verify implements Locker.
func (l *PostgresLocker) Verify(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return false, nil
	}
	holding, err := l.holding(ctx)
	if err != nil || !holding {
		// The session is gone or lost the lock; start again on a fresh one.
		l.conn.Release()
		l.conn = nil
	}
	return holding, err
}

// holding checks pg_locks from the lock's own session. Caller holds l.mu.
func (l *PostgresLocker) holding(ctx context.Context) (bool, error) {
	var holding bool
	err := l.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			AND classid = ($1 >> 32)::int
			AND objid = ($1 & 4294967295)::int
			AND pid = pg_backend_pid()
		)
	`, l.lockID).Scan(&holding)
	if err != nil {
		return false, fmt.Errorf("failed to verify advisory lock: %w", err)
	}
	return holding, nil
}

// Release implements Locker.
func (l *PostgresLocker) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()

	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}
