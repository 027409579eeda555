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

// Package kvtest holds the behaviour every kv backend must share, written as
// a test suite that backend packages run against their own Provider.
package kvtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/checkpointd/internal/kv"
)

// Factory returns a fresh, empty provider for one subtest.
type Factory func(t *testing.T) kv.Provider

// Options tunes the suite for a backend.
type Options struct {
	// TTL is the expiry used by TTL tests. Default: 200ms.
	TTL time.Duration
}

// Run runs the conformance suite.
func Run(t *testing.T, factory Factory, opts Options) {
	if opts.TTL <= 0 {
		opts.TTL = 200 * time.Millisecond
	}

	tests := []struct {
		name string
		fn   func(t *testing.T, p kv.Provider, opts Options)
	}{
		{"GetMissing", testGetMissing},
		{"PutGet", testPutGet},
		{"PutOverwrites", testPutOverwrites},
		{"PutIfAbsent", testPutIfAbsent},
		{"PutIfAbsentConcurrent", testPutIfAbsentConcurrent},
		{"Remove", testRemove},
		{"PutWithTTLExpires", testPutWithTTLExpires},
		{"PutWithoutTTLPersists", testPutWithoutTTLPersists},
		{"PutWithTTLRejectsNonPositive", testPutWithTTLRejectsNonPositive},
		{"PutIfAbsentAfterExpiry", testPutIfAbsentAfterExpiry},
		{"Values", testValues},
		{"MapsAreIsolated", testMapsAreIsolated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, factory(t), opts)
		})
	}
}

func open(t *testing.T, p kv.Provider, name string) kv.Map {
	t.Helper()
	m, err := p.Map(context.Background(), name)
	require.NoError(t, err)
	require.Equal(t, name, m.Name())
	return m
}

func testGetMissing(t *testing.T, p kv.Provider, _ Options) {
	m := open(t, p, "m")
	v, found, err := m.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, v)
}

func testPutGet(t *testing.T, p kv.Provider, _ Options) {
	ctx := context.Background()
	m := open(t, p, "m")

	require.NoError(t, m.Put(ctx, "k", []byte("v")))
	v, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(v))
}

func testPutOverwrites(t *testing.T, p kv.Provider, _ Options) {
	ctx := context.Background()
	m := open(t, p, "m")

	require.NoError(t, m.Put(ctx, "k", []byte("one")))
	require.NoError(t, m.Put(ctx, "k", []byte("two")))
	v, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(v))
}

func testPutIfAbsent(t *testing.T, p kv.Provider, _ Options) {
	ctx := context.Background()
	m := open(t, p, "m")

	prev, existed, err := m.PutIfAbsent(ctx, "k", []byte("first"))
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Nil(t, prev)

	prev, existed, err = m.PutIfAbsent(ctx, "k", []byte("second"))
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "first", string(prev))

	v, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", string(v), "losing writer must not overwrite")
}

func testPutIfAbsentConcurrent(t *testing.T, p kv.Provider, _ Options) {
	ctx := context.Background()
	m := open(t, p, "m")

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []int
	)
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, existed, err := m.PutIfAbsent(ctx, "race", []byte(fmt.Sprintf("w%d", i)))
			if !assert.NoError(t, err) {
				return
			}
			if !existed {
				mu.Lock()
				wins = append(wins, i)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, wins, 1, "exactly one writer must win")
	v, _, err := m.Get(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("w%d", wins[0]), string(v))
}

func testRemove(t *testing.T, p kv.Provider, _ Options) {
	ctx := context.Background()
	m := open(t, p, "m")

	prev, found, err := m.Remove(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, prev)

	require.NoError(t, m.Put(ctx, "k", []byte("v")))
	prev, found, err = m.Remove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(prev))

	_, found, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func testPutWithTTLExpires(t *testing.T, p kv.Provider, opts Options) {
	ctx := context.Background()
	m := open(t, p, "m")

	require.NoError(t, m.PutWithTTL(ctx, "k", []byte("v"), opts.TTL))
	_, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found, "entry should be live before its ttl")

	require.Eventually(t, func() bool {
		_, found, err := m.Get(ctx, "k")
		return err == nil && !found
	}, opts.TTL*20, opts.TTL/4)
}

func testPutWithoutTTLPersists(t *testing.T, p kv.Provider, opts Options) {
	ctx := context.Background()
	m := open(t, p, "m")

	require.NoError(t, m.Put(ctx, "k", []byte("v")))
	time.Sleep(opts.TTL * 2)

	v, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(v))
}

func testPutWithTTLRejectsNonPositive(t *testing.T, p kv.Provider, _ Options) {
	m := open(t, p, "m")
	for _, ttl := range []time.Duration{0, -time.Second} {
		err := m.PutWithTTL(context.Background(), "k", []byte("v"), ttl)
		assert.True(t, errors.Is(err, kv.ErrInvalidTTL), "ttl %v: got %v", ttl, err)
	}
}

func testPutIfAbsentAfterExpiry(t *testing.T, p kv.Provider, opts Options) {
	ctx := context.Background()
	m := open(t, p, "m")

	require.NoError(t, m.PutWithTTL(ctx, "k", []byte("old"), opts.TTL))
	require.Eventually(t, func() bool {
		_, found, err := m.Get(ctx, "k")
		return err == nil && !found
	}, opts.TTL*20, opts.TTL/4)

	_, existed, err := m.PutIfAbsent(ctx, "k", []byte("new"))
	require.NoError(t, err)
	assert.False(t, existed, "expired entries must not block put-if-absent")
}

func testValues(t *testing.T, p kv.Provider, _ Options) {
	ctx := context.Background()
	m := open(t, p, "m")

	values, err := m.Values(ctx)
	require.NoError(t, err)
	assert.Empty(t, values)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.Put(ctx, k, []byte("v-"+k)))
	}
	_, _, err = m.Remove(ctx, "b")
	require.NoError(t, err)

	values, err = m.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v-a", "v-c"}, sorted(values))
}

func testMapsAreIsolated(t *testing.T, p kv.Provider, _ Options) {
	ctx := context.Background()
	a := open(t, p, "alpha")
	b := open(t, p, "beta")

	require.NoError(t, a.Put(ctx, "k", []byte("from-a")))
	_, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	values, err := b.Values(ctx)
	require.NoError(t, err)
	assert.Empty(t, values)

	// Separators inside map names and keys must not merge namespaces.
	outer := open(t, p, "iso:b")
	inner := open(t, p, "iso")
	require.NoError(t, outer.Put(ctx, "c", []byte("outer")))
	require.NoError(t, inner.Put(ctx, "b:c", []byte("inner")))

	v, found, err := outer.Get(ctx, "c")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "outer", string(v))

	_, found, err = inner.Remove(ctx, "b:c")
	require.NoError(t, err)
	assert.True(t, found)

	v, found, err = outer.Get(ctx, "c")
	require.NoError(t, err)
	require.True(t, found, "removing from one map must not touch another")
	assert.Equal(t, "outer", string(v))

	values, err = outer.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer"}, sorted(values))
}

func sorted(values [][]byte) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	sort.Strings(out)
	return out
}
