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

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/checkpointd/internal/continuation"
	"github.com/tombee/checkpointd/internal/kv"
	"github.com/tombee/checkpointd/internal/kv/memory"
	"github.com/tombee/checkpointd/internal/sched"
	ckerrors "github.com/tombee/checkpointd/pkg/errors"
)

type outcome struct {
	value any
	err   error
	lane  *sched.Lane
}

type fixture struct {
	loop  *sched.EventLoop
	mem   *memory.Provider
	store *Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	loop := sched.New(sched.Options{Lanes: 2})
	t.Cleanup(func() { _ = loop.Close(context.Background()) })

	mem := memory.New()
	return &fixture{
		loop:  loop,
		mem:   mem,
		store: New(kv.NewRegistry(mem), loop, opts...),
	}
}

// save runs Store.Save and waits for onDone.
func (f *fixture) save(t *testing.T, ctx context.Context, id uuid.UUID, seq int64, blob continuation.Blob, result any) outcome {
	t.Helper()
	done := make(chan outcome, 1)
	f.store.Save(ctx, id, seq, blob, continuation.Location{Source: "test", Offset: int(seq)}, result, func(v any, err error) {
		done <- outcome{value: v, err: err}
	})
	select {
	case o := <-done:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("onDone was not called")
		return outcome{}
	}
}

func (f *fixture) rawMap(t *testing.T) kv.Map {
	t.Helper()
	m, err := f.mem.Map(context.Background(), f.store.MapName())
	require.NoError(t, err)
	return m
}

func enableCheckpointing(t *testing.T, on bool) {
	t.Helper()
	prev := CheckpointingEnabled()
	SetCheckpointingEnabled(on)
	t.Cleanup(func() { SetCheckpointingEnabled(prev) })
}

func TestMapName(t *testing.T) {
	assert.Equal(t, "$checkpointdcheckpointMap", MapName(""))
	assert.Equal(t, "$checkpointdcheckpointMap:pod-7", MapName("pod-7"))

	f := newFixture(t, WithPodID("pod-7"))
	assert.Equal(t, "$checkpointdcheckpointMap:pod-7", f.store.MapName())
}

func TestKey(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8:12", Key(id, 12))
}

func TestCheckpointingEnabledByDefault(t *testing.T) {
	assert.True(t, CheckpointingEnabled())
}

func TestSave_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()
	blob := continuation.Blob{Tag: 4, Data: []byte("frame")}

	got := f.save(t, ctx, id, 1, blob, "result")
	require.NoError(t, got.err)
	assert.Equal(t, "result", got.value)

	stored, found, err := f.store.Get(ctx, id, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, blob.Tag, stored.Tag)
	assert.Equal(t, "frame", string(stored.Data))
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

func TestSave_ResumesOnCallerLane(t *testing.T) {
	loop := sched.New(sched.Options{Lanes: 4})
	t.Cleanup(func() { _ = loop.Close(context.Background()) })
	rec := &recordingScheduler{EventLoop: loop}
	store := New(kv.NewRegistry(memory.New()), rec)

	lane := loop.Lanes()[2]
	done := make(chan struct{})
	store.Save(sched.WithLane(context.Background(), lane), uuid.New(), 1, continuation.Blob{Tag: 1},
		continuation.Location{}, nil, func(any, error) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onDone was not called")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.lanes, 1)
	assert.Same(t, lane, rec.lanes[0])
}

// Only the latest checkpoint of an instance is retained.
func TestSave_RetainsLatestOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	const n = 5
	for seq := int64(1); seq <= n; seq++ {
		got := f.save(t, ctx, id, seq, continuation.Blob{Tag: 1, Data: []byte(fmt.Sprintf("s%d", seq))}, seq)
		require.NoError(t, got.err)
		assert.Equal(t, seq, got.value)
	}

	require.Eventually(t, func() bool {
		for seq := int64(1); seq < n; seq++ {
			if _, found, _ := f.store.Get(ctx, id, seq); found {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	latest, found, err := f.store.Get(ctx, id, n)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "s5", string(latest.Data))
}

func TestSave_ConcurrentDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	const writers = 2
	results := make(chan outcome, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			blob := continuation.Blob{Tag: 1, Data: []byte(fmt.Sprintf("writer-%d", i))}
			f.store.Save(ctx, id, 3, blob, continuation.Location{}, "ok", func(v any, err error) {
				results <- outcome{value: v, err: err}
			})
		}()
	}
	wg.Wait()

	var successes, duplicates int
	for i := 0; i < writers; i++ {
		select {
		case o := <-results:
			var dup *ckerrors.DuplicateCheckpointError
			switch {
			case o.err == nil:
				successes++
				assert.Equal(t, "ok", o.value)
			case errors.As(o.err, &dup):
				duplicates++
				assert.Nil(t, o.value)
				assert.Equal(t, id.String(), dup.InstanceID)
				assert.Equal(t, int64(3), dup.Seq)
			default:
				t.Fatalf("unexpected error: %v", o.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("onDone was not called")
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, duplicates)
}

func TestSave_DuplicateDoesNotOverwrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, f.save(t, ctx, id, 1, continuation.Blob{Tag: 1, Data: []byte("first")}, nil).err)
	got := f.save(t, ctx, id, 1, continuation.Blob{Tag: 1, Data: []byte("second")}, nil)

	var dup *ckerrors.DuplicateCheckpointError
	require.True(t, errors.As(got.err, &dup))
	assert.False(t, dup.IsRetryable())

	stored, _, err := f.store.Get(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, "first", string(stored.Data))
}

type brokenMap struct {
	kv.Map
	err error
}

func (b brokenMap) PutIfAbsent(context.Context, string, []byte) ([]byte, bool, error) {
	return nil, false, b.err
}

func (b brokenMap) Remove(context.Context, string) ([]byte, bool, error) {
	return nil, false, b.err
}

func TestSave_StoreFailure(t *testing.T) {
	loop := sched.New(sched.Options{Lanes: 1})
	t.Cleanup(func() { _ = loop.Close(context.Background()) })

	cause := errors.New("cluster unreachable")
	provider := kv.ProviderFunc(func(ctx context.Context, name string) (kv.Map, error) {
		m, _ := memory.New().Map(ctx, name)
		return brokenMap{Map: m, err: cause}, nil
	})
	store := New(kv.NewRegistry(provider), loop)

	done := make(chan outcome, 1)
	store.Save(context.Background(), uuid.New(), 2, continuation.Blob{Tag: 1},
		continuation.Location{Source: "job.jactl", Offset: 9}, "unused",
		func(v any, err error) { done <- outcome{value: v, err: err} })

	got := <-done
	assert.Nil(t, got.value)

	var scriptErr *ckerrors.ScriptError
	require.True(t, errors.As(got.err, &scriptErr))
	assert.Equal(t, "error during saveCheckpoint", scriptErr.Message)
	assert.Equal(t, "job.jactl", scriptErr.Source)

	var storeErr *ckerrors.StoreError
	require.True(t, errors.As(got.err, &storeErr))
	assert.Equal(t, kv.OpPutIfAbsent, storeErr.Op)
	assert.True(t, errors.Is(got.err, cause))
}

func TestSave_CleanupFailureIsIgnored(t *testing.T) {
	loop := sched.New(sched.Options{Lanes: 1})
	t.Cleanup(func() { _ = loop.Close(context.Background()) })

	provider := kv.ProviderFunc(func(ctx context.Context, name string) (kv.Map, error) {
		m, _ := memory.New().Map(ctx, name)
		return removeFails{Map: m}, nil
	})
	store := New(kv.NewRegistry(provider), loop)

	done := make(chan outcome, 1)
	store.Save(context.Background(), uuid.New(), 2, continuation.Blob{Tag: 1}, continuation.Location{}, "ok",
		func(v any, err error) { done <- outcome{value: v, err: err} })

	got := <-done
	assert.NoError(t, got.err)
	assert.Equal(t, "ok", got.value)
}

type removeFails struct{ kv.Map }

func (removeFails) Remove(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("remove failed")
}

// Turning checkpointing off makes Save resume at once without writing.
func TestSave_Disabled(t *testing.T) {
	enableCheckpointing(t, false)
	f := newFixture(t)
	ctx := context.Background()

	got := f.save(t, ctx, uuid.New(), 1, continuation.Blob{Tag: 1, Data: []byte("x")}, "result")
	require.NoError(t, got.err)
	assert.Equal(t, "result", got.value)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.rawMap(t).(*memory.Map).Len())
}

func TestStore_SetEnabled(t *testing.T) {
	enableCheckpointing(t, true)
	f := newFixture(t)

	f.store.SetEnabled(false)
	assert.False(t, f.store.Enabled())
	assert.False(t, CheckpointingEnabled())

	f.store.SetEnabled(true)
	assert.True(t, f.store.Enabled())
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, f.save(t, ctx, id, 1, continuation.Blob{Tag: 1}, nil).err)
	f.store.Delete(ctx, id, 1)

	require.Eventually(t, func() bool {
		_, found, err := f.store.Get(ctx, id, 1)
		return err == nil && !found
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDelete_DisabledIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, f.save(t, ctx, id, 1, continuation.Blob{Tag: 1}, nil).err)

	enableCheckpointing(t, false)
	f.store.Delete(ctx, id, 1)
	time.Sleep(20 * time.Millisecond)

	_, found, err := f.store.Get(ctx, id, 1)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.save(t, ctx, uuid.New(), 1, continuation.Blob{Tag: uint8(i)}, nil).err)
	}

	values, err := f.store.Values(ctx)
	require.NoError(t, err)
	assert.Len(t, values, 3)
}

func TestGet_Corrupt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, f.rawMap(t).Put(ctx, Key(id, 1), nil))
	_, _, err := f.store.Get(ctx, id, 1)
	assert.ErrorIs(t, err, continuation.ErrEmptyBlob)
}
