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

package kv

import (
	"context"
	"sync"
)

// Registry caches map handles by name for the life of the process.
//
// Two goroutines resolving the same name for the first time both call the
// provider; whichever stores first wins and both get that handle.
type Registry struct {
	provider Provider
	wrap     func(Map) Map
	handles  sync.Map // name -> Map
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithInstrumentation wraps every resolved map with Instrument.
func WithInstrumentation() RegistryOption {
	return func(r *Registry) {
		r.wrap = Instrument
	}
}

// NewRegistry creates a registry resolving handles from provider.
func NewRegistry(provider Provider, opts ...RegistryOption) *Registry {
	r := &Registry{provider: provider}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Map returns the cached handle for name, resolving it on first use.
// Resolution failures are not cached.
func (r *Registry) Map(ctx context.Context, name string) (Map, error) {
	if m, ok := r.handles.Load(name); ok {
		return m.(Map), nil
	}

	m, err := r.provider.Map(ctx, name)
	if err != nil {
		return nil, err
	}
	if r.wrap != nil {
		m = r.wrap(m)
	}

	actual, _ := r.handles.LoadOrStore(name, m)
	return actual.(Map), nil
}

// Provider returns the underlying provider.
func (r *Registry) Provider() Provider {
	return r.provider
}
