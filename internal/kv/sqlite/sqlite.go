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

// Package sqlite provides a SQLite kv backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/checkpointd/internal/kv"
)

// Compile-time interface assertions.
var (
	_ kv.Provider = (*Provider)(nil)
	_ kv.Closer   = (*Provider)(nil)
	_ kv.Map      = (*Map)(nil)
)

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Provider stores every map in one kv_entries table.
type Provider struct {
	db  *sql.DB
	now func() time.Time
}

// New opens the database at cfg.Path and runs migrations.
func New(cfg Config) (*Provider, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, and put-if-absent relies on that.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	p := &Provider{db: db, now: time.Now}

	if err := p.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return p, nil
}

func (p *Provider) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := p.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (p *Provider) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS kv_entries (
			map TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			expires_at INTEGER,
			PRIMARY KEY (map, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_entries_expires_at ON kv_entries(expires_at)`,
	}

	for _, migration := range migrations {
		if _, err := p.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Map implements kv.Provider. Maps need no setup, so this never fails.
func (p *Provider) Map(ctx context.Context, name string) (kv.Map, error) {
	return &Map{name: name, p: p}, nil
}

// Close closes the database connection.
func (p *Provider) Close() error {
	return p.db.Close()
}

// Map is one namespace within kv_entries.
type Map struct {
	name string
	p    *Provider
}

// Name implements kv.Map.
func (m *Map) Name() string { return m.name }

func (m *Map) nowNanos() int64 { return m.p.now().UnixNano() }

// Get implements kv.Map.
func (m *Map) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := m.p.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries
		 WHERE map = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		m.name, key, m.nowNanos(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

// Put implements kv.Map.
func (m *Map) Put(ctx context.Context, key string, value []byte) error {
	return m.upsert(ctx, m.p.db, key, value, nil)
}

// PutWithTTL implements kv.Map.
func (m *Map) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return kv.ErrInvalidTTL
	}
	expiresAt := m.p.now().Add(ttl).UnixNano()
	return m.upsert(ctx, m.p.db, key, value, &expiresAt)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (m *Map) upsert(ctx context.Context, db execer, key string, value []byte, expiresAt *int64) error {
	if value == nil {
		value = []byte{}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO kv_entries (map, key, value, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(map, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		m.name, key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent implements kv.Map. An expired row counts as absent and is
// replaced.
func (m *Map) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	tx, err := m.p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prev []byte
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM kv_entries
		 WHERE map = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		m.name, key, m.nowNanos(),
	).Scan(&prev)
	switch {
	case err == nil:
		return prev, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	if err := m.upsert(ctx, tx, key, value, nil); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}
	return nil, false, nil
}

// Remove implements kv.Map.
func (m *Map) Remove(ctx context.Context, key string) ([]byte, bool, error) {
	tx, err := m.p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		prev      []byte
		expiresAt sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE map = ? AND key = ?`,
		m.name, key,
	).Scan(&prev, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE map = ? AND key = ?`, m.name, key); err != nil {
		return nil, false, fmt.Errorf("failed to remove %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= m.nowNanos() {
		return nil, false, nil
	}
	return prev, true, nil
}

// Values implements kv.Map. Expired rows are purged first.
func (m *Map) Values(ctx context.Context) ([][]byte, error) {
	now := m.nowNanos()
	if _, err := m.p.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE map = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		m.name, now); err != nil {
		return nil, fmt.Errorf("failed to purge expired entries: %w", err)
	}

	rows, err := m.p.db.QueryContext(ctx,
		`SELECT value FROM kv_entries WHERE map = ?`, m.name)
	if err != nil {
		return nil, fmt.Errorf("failed to list values: %w", err)
	}
	defer rows.Close()

	var values [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
