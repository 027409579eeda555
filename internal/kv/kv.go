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

// Package kv is the port to the shared, crash-durable key-value store.
//
// Backends implement the synchronous Map contract. Callers that must not
// block a lane go through Async, which runs each call on its own goroutine and
// reports the outcome through a callback exactly once.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidTTL is returned by PutWithTTL when ttl is not positive.
var ErrInvalidTTL = errors.New("kv: ttl must be positive")

// Map is one named key-value namespace.
type Map interface {
	// Name returns the map's name.
	Name() string

	// Get returns the value stored at key. found is false when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put stores value at key with no expiry.
	Put(ctx context.Context, key string, value []byte) error

	// PutWithTTL stores value at key, expiring it after ttl. ttl must be
	// positive; use Put for entries that never expire.
	PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent stores value only if key holds no live value. When it does,
	// the existing value is returned with existed set and nothing is written.
	PutIfAbsent(ctx context.Context, key string, value []byte) (previous []byte, existed bool, err error)

	// Remove deletes key, returning the value it held.
	Remove(ctx context.Context, key string) (previous []byte, found bool, err error)

	// Values lists every live value in the map, in no particular order.
	Values(ctx context.Context) ([][]byte, error)
}

// Provider resolves map handles by name.
type Provider interface {
	Map(ctx context.Context, name string) (Map, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, name string) (Map, error)

// Map implements Provider.
func (f ProviderFunc) Map(ctx context.Context, name string) (Map, error) {
	return f(ctx, name)
}

// Closer is implemented by providers holding connections.
type Closer interface {
	Close() error
}
