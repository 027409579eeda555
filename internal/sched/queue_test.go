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

package sched

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWorkQueue_FIFO(t *testing.T) {
	q := newWorkQueue()
	var got []int
	for i := 0; i < 3; i++ {
		i := i
		if !q.push(func(_ context.Context) { got = append(got, i) }) {
			t.Fatalf("push %d rejected", i)
		}
	}
	if q.len() != 3 {
		t.Fatalf("len = %d, want 3", q.len())
	}

	for i := 0; i < 3; i++ {
		w, err := q.pop()
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		w(context.Background())
	}
	for i, v := range got {
		if v != i {
			t.Errorf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestWorkQueue_CloseDrainsThenFails(t *testing.T) {
	q := newWorkQueue()
	q.push(func(context.Context) {})
	q.close()

	if q.push(func(context.Context) {}) {
		t.Error("push after close should be rejected")
	}
	if _, err := q.pop(); err != nil {
		t.Fatalf("expected queued work before close to be returned, got %v", err)
	}
	if _, err := q.pop(); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("pop() error = %v, want ErrQueueClosed", err)
	}

	// Closing twice is a no-op.
	q.close()
}

func TestWorkQueue_PopWaitsForPush(t *testing.T) {
	q := newWorkQueue()
	popped := make(chan struct{})
	go func() {
		if _, err := q.pop(); err == nil {
			close(popped)
		}
	}()

	select {
	case <-popped:
		t.Fatal("pop returned before push")
	case <-time.After(20 * time.Millisecond):
	}

	q.push(func(context.Context) {})
	select {
	case <-popped:
	case <-time.After(time.Second):
		t.Fatal("pop did not return after push")
	}
}
