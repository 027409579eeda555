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

package functions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/checkpointd/internal/checkpoint"
	"github.com/tombee/checkpointd/internal/continuation"
	"github.com/tombee/checkpointd/internal/kv"
	"github.com/tombee/checkpointd/internal/kv/memory"
	"github.com/tombee/checkpointd/internal/sched"
	ckerrors "github.com/tombee/checkpointd/pkg/errors"
)

var loc = continuation.Location{Source: "test.jactl", Offset: 10}

type outcome struct {
	value any
	err   error
}

// countingProvider counts map resolutions so tests can assert the store was
// never touched.
type countingProvider struct {
	next  kv.Provider
	calls atomic.Int32
}

func (p *countingProvider) Map(ctx context.Context, name string) (kv.Map, error) {
	p.calls.Add(1)
	return p.next.Map(ctx, name)
}

type fixture struct {
	loop     *sched.EventLoop
	provider *countingProvider
	fn       *Distributed
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	loop := sched.New(sched.Options{Lanes: 2})
	t.Cleanup(func() { _ = loop.Close(context.Background()) })

	provider := &countingProvider{next: memory.New()}
	fn, err := New(kv.NewRegistry(provider), loop, opts)
	require.NoError(t, err)
	return &fixture{loop: loop, provider: provider, fn: fn}
}

// call issues op with a resumer and waits for it.
func call(t *testing.T, op func(k continuation.Resumer) error) outcome {
	t.Helper()
	done := make(chan outcome, 1)
	require.NoError(t, op(func(v any, err error) { done <- outcome{v, err} }))
	select {
	case o := <-done:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("resumer was not called")
		return outcome{}
	}
}

func TestPutThenGet(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	put := call(t, func(k continuation.Resumer) error {
		return f.fn.Put(ctx, loc, "m", "k", "v", 0, k)
	})
	require.NoError(t, put.err)
	assert.Equal(t, "v", put.value)

	get := call(t, func(k continuation.Resumer) error {
		return f.fn.Get(ctx, loc, "m", "k", k)
	})
	require.NoError(t, get.err)
	assert.Equal(t, "v", get.value)
}

func TestPut_StructuredValue(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	value := map[string]any{"name": "order-1", "lines": []any{"a", "b"}}

	require.NoError(t, call(t, func(k continuation.Resumer) error {
		return f.fn.Put(ctx, loc, "orders", "1", value, 0, k)
	}).err)

	got := call(t, func(k continuation.Resumer) error {
		return f.fn.Get(ctx, loc, "orders", "1", k)
	})
	require.NoError(t, got.err)
	m, ok := got.value.(map[string]any)
	require.True(t, ok, "got %T", got.value)
	assert.Equal(t, "order-1", m["name"])
	assert.Equal(t, []any{"a", "b"}, m["lines"])
}

func TestGet_Missing(t *testing.T) {
	f := newFixture(t, Options{})
	got := call(t, func(k continuation.Resumer) error {
		return f.fn.Get(context.Background(), loc, "m", "nope", k)
	})
	assert.NoError(t, got.err)
	assert.Nil(t, got.value)
}

// Removing a missing key resumes with nil, not an error.
func TestRemove_MissingKey(t *testing.T) {
	f := newFixture(t, Options{})
	got := call(t, func(k continuation.Resumer) error {
		return f.fn.Remove(context.Background(), loc, "m", "missing-key", k)
	})
	assert.NoError(t, got.err)
	assert.Nil(t, got.value)
}

func TestRemove_ReturnsRemovedValue(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, call(t, func(k continuation.Resumer) error {
		return f.fn.Put(ctx, loc, "m", "k", int64(42), 0, k)
	}).err)

	got := call(t, func(k continuation.Resumer) error {
		return f.fn.Remove(ctx, loc, "m", "k", k)
	})
	require.NoError(t, got.err)
	assert.EqualValues(t, 42, got.value)

	again := call(t, func(k continuation.Resumer) error {
		return f.fn.Get(ctx, loc, "m", "k", k)
	})
	assert.Nil(t, again.value)
}

func TestPut_TTL(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	const ttl = 50 * time.Millisecond

	require.NoError(t, call(t, func(k continuation.Resumer) error {
		return f.fn.Put(ctx, loc, "m", "forever", "a", 0, k)
	}).err)
	require.NoError(t, call(t, func(k continuation.Resumer) error {
		return f.fn.Put(ctx, loc, "m", "brief", "b", ttl, k)
	}).err)

	time.Sleep(3 * ttl)

	forever := call(t, func(k continuation.Resumer) error {
		return f.fn.Get(ctx, loc, "m", "forever", k)
	})
	assert.Equal(t, "a", forever.value, "ttl 0 must never expire")

	brief := call(t, func(k continuation.Resumer) error {
		return f.fn.Get(ctx, loc, "m", "brief", k)
	})
	assert.Nil(t, brief.value, "positive ttl must expire")
}

func TestPut_NegativeTTL(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.fn.Put(context.Background(), loc, "m", "k", "v", -time.Second, func(any, error) {
		t.Error("resumer must not be called")
	})

	var valErr *ckerrors.ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Equal(t, "ttl", valErr.Field)
	assert.Zero(t, f.provider.calls.Load())
}

// Reserved map names fail synchronously for every operation without
// reaching the store.
func TestReservedMapNames(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	never := func(any, error) { t.Error("resumer must not be called") }

	names := []string{checkpoint.ReservedPrefix, checkpoint.BaseMapName, checkpoint.ReservedPrefix + "anything"}
	for _, name := range names {
		ops := map[string]error{
			"put":    f.fn.Put(ctx, loc, name, "k", "v", 0, never),
			"get":    f.fn.Get(ctx, loc, name, "k", never),
			"remove": f.fn.Remove(ctx, loc, name, "k", never),
		}
		for op, err := range ops {
			var valErr *ckerrors.ValidationError
			require.True(t, errors.As(err, &valErr), "%s(%q) error = %v", op, name, err)
			assert.Contains(t, valErr.Message, checkpoint.ReservedPrefix)
		}
	}

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.provider.calls.Load(), "store must not be called")
}

func TestAllowedMaps(t *testing.T) {
	f := newFixture(t, Options{AllowedMaps: []string{"orders-*", "shared/**"}})

	tests := []struct {
		name    string
		wantErr bool
	}{
		{"orders-eu", false},
		{"shared/a/b", false},
		{"payments", true},
		{"$checkpointdorders-x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.fn.ValidateMapName(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	loop := sched.New(sched.Options{Lanes: 1})
	t.Cleanup(func() { _ = loop.Close(context.Background()) })

	_, err := New(kv.NewRegistry(memory.New()), loop, Options{AllowedMaps: []string{"orders-[a"}})
	var valErr *ckerrors.ValidationError
	assert.True(t, errors.As(err, &valErr))
}

type brokenMap struct {
	kv.Map
	err error
}

func (b brokenMap) Get(context.Context, string) ([]byte, bool, error)         { return nil, false, b.err }
func (b brokenMap) Put(context.Context, string, []byte) error                 { return b.err }
func (b brokenMap) Remove(context.Context, string) ([]byte, bool, error)      { return nil, false, b.err }
func (b brokenMap) PutWithTTL(context.Context, string, []byte, time.Duration) error { return b.err }

func TestStoreFailures(t *testing.T) {
	loop := sched.New(sched.Options{Lanes: 1})
	t.Cleanup(func() { _ = loop.Close(context.Background()) })

	cause := errors.New("partition unavailable")
	provider := kv.ProviderFunc(func(ctx context.Context, name string) (kv.Map, error) {
		m, _ := memory.New().Map(ctx, name)
		return brokenMap{Map: m, err: cause}, nil
	})
	fn, err := New(kv.NewRegistry(provider), loop, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		op   string
		call func(k continuation.Resumer) error
	}{
		{OpPut, func(k continuation.Resumer) error { return fn.Put(ctx, loc, "m", "k", "v", 0, k) }},
		{OpPut, func(k continuation.Resumer) error { return fn.Put(ctx, loc, "m", "k", "v", time.Minute, k) }},
		{OpGet, func(k continuation.Resumer) error { return fn.Get(ctx, loc, "m", "k", k) }},
		{OpRemove, func(k continuation.Resumer) error { return fn.Remove(ctx, loc, "m", "k", k) }},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			got := call(t, tt.call)
			assert.Nil(t, got.value)

			var scriptErr *ckerrors.ScriptError
			require.True(t, errors.As(got.err, &scriptErr))
			assert.Equal(t, "test.jactl", scriptErr.Source)
			assert.Equal(t, 10, scriptErr.Offset)

			var storeErr *ckerrors.StoreError
			require.True(t, errors.As(got.err, &storeErr))
			assert.Equal(t, tt.op, storeErr.Op)
			assert.Equal(t, "m", storeErr.Map)
			assert.True(t, errors.Is(got.err, cause))
		})
	}
}

// recordingScheduler notes the lane of every ScheduleNow call.
type recordingScheduler struct {
	*sched.EventLoop
	mu    sync.Mutex
	lanes []*sched.Lane
}

func (r *recordingScheduler) ScheduleNow(lane *sched.Lane, work sched.Work) {
	r.mu.Lock()
	r.lanes = append(r.lanes, lane)
	r.mu.Unlock()
	r.EventLoop.ScheduleNow(lane, work)
}

func TestResumesOnCallerLane(t *testing.T) {
	loop := sched.New(sched.Options{Lanes: 4})
	t.Cleanup(func() { _ = loop.Close(context.Background()) })
	rec := &recordingScheduler{EventLoop: loop}
	fn, err := New(kv.NewRegistry(memory.New()), rec, Options{})
	require.NoError(t, err)

	lane := loop.Lanes()[3]
	got := call(t, func(k continuation.Resumer) error {
		return fn.Put(sched.WithLane(context.Background(), lane), loc, "m", "k", "v", 0, k)
	})
	require.NoError(t, got.err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.lanes, 1)
	assert.Same(t, lane, rec.lanes[0])
}

func TestSleep(t *testing.T) {
	f := newFixture(t, Options{})
	lane := f.loop.Lanes()[0]
	ctx := sched.WithLane(context.Background(), lane)

	start := time.Now()
	done := make(chan outcome, 1)
	f.fn.Sleep(ctx, loc, 30*time.Millisecond, "woke", func(v any, err error) {
		done <- outcome{v, err}
	})

	select {
	case got := <-done:
		assert.NoError(t, got.err)
		assert.Equal(t, "woke", got.value)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep never resumed")
	}
}

func TestCheckpointsEnabled(t *testing.T) {
	prev := checkpoint.CheckpointingEnabled()
	t.Cleanup(func() { checkpoint.SetCheckpointingEnabled(prev) })

	f := newFixture(t, Options{})
	f.fn.CheckpointsEnabled(false)
	assert.False(t, checkpoint.CheckpointingEnabled())
	f.fn.CheckpointsEnabled(true)
	assert.True(t, checkpoint.CheckpointingEnabled())
}
