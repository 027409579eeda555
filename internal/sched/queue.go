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
	"errors"
	"sync"
)

// ErrQueueClosed is returned by pop once a closed queue has been drained.
var ErrQueueClosed = errors.New("sched: queue is closed")

// workQueue is an unbounded FIFO of work. push never blocks.
type workQueue struct {
	mu     sync.Mutex
	items  []Work
	signal chan struct{}
	closed bool
}

func newWorkQueue() *workQueue {
	return &workQueue{
		items:  make([]Work, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// push appends work. It reports false if the queue is closed.
func (q *workQueue) push(w Work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, w)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest work, waiting until one is available. Work queued
// before close is still returned; ErrQueueClosed follows once it is drained.
func (q *workQueue) pop() (Work, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			w := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return w, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		<-q.signal
	}
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *workQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
