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

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/checkpointd/internal/kv"
	"github.com/tombee/checkpointd/internal/kv/kvtest"
)

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Provider { return New() }, kvtest.Options{TTL: 50 * time.Millisecond})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTTL_WithClock(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	p := New(WithClock(clock.Now))

	km, err := p.Map(ctx, "m")
	require.NoError(t, err)
	m := km.(*Map)

	require.NoError(t, m.PutWithTTL(ctx, "short", []byte("x"), time.Minute))
	require.NoError(t, m.Put(ctx, "forever", []byte("y")))

	clock.Advance(59 * time.Second)
	_, found, err := m.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, found)

	clock.Advance(time.Second)
	_, found, err = m.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found, "entry expires exactly at its deadline")

	clock.Advance(24 * time.Hour)
	values, err := m.Values(ctx)
	require.NoError(t, err)
	assert.Len(t, values, 1)
	assert.Equal(t, 1, m.Len(), "expired entries are purged")
}

func TestProvider_SameNameSameMap(t *testing.T) {
	ctx := context.Background()
	p := New()
	a, err := p.Map(ctx, "m")
	require.NoError(t, err)
	b, err := p.Map(ctx, "m")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestMap_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	p := New()
	m, err := p.Map(ctx, "m")
	require.NoError(t, err)

	in := []byte("abc")
	require.NoError(t, m.Put(ctx, "k", in))
	in[0] = 'z'

	out, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
}
