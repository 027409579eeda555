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

// Package memory provides an in-memory kv backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/checkpointd/internal/kv"
)

// Compile-time interface assertions.
var (
	_ kv.Provider = (*Provider)(nil)
	_ kv.Map      = (*Map)(nil)
)

// Provider hands out in-memory maps. Maps live as long as the Provider.
type Provider struct {
	mu   sync.Mutex
	maps map[string]*Map
	now  func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock sets the clock used for TTL expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// New creates an in-memory provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		maps: make(map[string]*Map),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Map returns the map called name, creating it on first use.
func (p *Provider) Map(ctx context.Context, name string) (kv.Map, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.maps[name]
	if !ok {
		m = &Map{name: name, entries: make(map[string]entry), now: p.now}
		p.maps[name] = m
	}
	return m, nil
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// Map is an in-memory kv.Map.
type Map struct {
	name    string
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// Name implements kv.Map.
func (m *Map) Name() string { return m.name }

// Get implements kv.Map.
func (m *Map) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return clone(e.value), true, nil
}

// Put implements kv.Map.
func (m *Map) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{value: clone(value)}
	return nil
}

// PutWithTTL implements kv.Map.
func (m *Map) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return kv.ErrInvalidTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{value: clone(value), expiresAt: m.now().Add(ttl)}
	return nil
}

// PutIfAbsent implements kv.Map.
func (m *Map) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.lookup(key); ok {
		return clone(e.value), true, nil
	}
	m.entries[key] = entry{value: clone(value)}
	return nil, false, nil
}

// Remove implements kv.Map.
func (m *Map) Remove(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	delete(m.entries, key)
	return e.value, true, nil
}

// Values implements kv.Map.
func (m *Map) Values(ctx context.Context) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	values := make([][]byte, 0, len(m.entries))
	for key, e := range m.entries {
		if !e.live(now) {
			delete(m.entries, key)
			continue
		}
		values = append(values, clone(e.value))
	}
	return values, nil
}

// Len returns the number of stored entries, expired or not.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// lookup returns the live entry at key, purging it if expired.
// Caller must hold m.mu.
func (m *Map) lookup(key string) (entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.live(m.now()) {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, true
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
