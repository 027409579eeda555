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
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tombee/checkpointd/internal/log"
	"github.com/tombee/checkpointd/internal/metrics"
)

// Compile-time interface assertion.
var _ Scheduler = (*EventLoop)(nil)

// Lane is one execution lane of an EventLoop.
type Lane struct {
	id    int
	queue *workQueue
	loop  *EventLoop
}

// ID returns the lane's index within its loop.
func (l *Lane) ID() int { return l.id }

// String implements fmt.Stringer.
func (l *Lane) String() string { return fmt.Sprintf("lane-%d", l.id) }

// Options configures an EventLoop.
type Options struct {
	// Lanes is the number of execution lanes. Default: runtime.NumCPU().
	Lanes int

	// BlockingWorkers bounds how many blocking units of work run at once.
	// Default: 20.
	BlockingWorkers int64

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger
}

// EventLoop is a Scheduler backed by a fixed set of lanes and a bounded
// blocking worker pool.
type EventLoop struct {
	lanes    []*Lane
	next     atomic.Uint64
	blocking *semaphore.Weighted
	logger   *slog.Logger

	mu        sync.RWMutex
	closed    bool
	lanesDone sync.WaitGroup
	blockDone sync.WaitGroup
}

// New creates an EventLoop and starts its lanes.
func New(opts Options) *EventLoop {
	if opts.Lanes <= 0 {
		opts.Lanes = runtime.NumCPU()
	}
	if opts.BlockingWorkers <= 0 {
		opts.BlockingWorkers = 20
	}

	l := &EventLoop{
		lanes:    make([]*Lane, opts.Lanes),
		blocking: semaphore.NewWeighted(opts.BlockingWorkers),
		logger:   log.WithComponent(opts.Logger, "sched"),
	}

	for i := range l.lanes {
		lane := &Lane{id: i, queue: newWorkQueue(), loop: l}
		l.lanes[i] = lane
		l.lanesDone.Add(1)
		go l.drain(lane)
	}

	l.logger.Debug("event loop started",
		slog.Int("lanes", opts.Lanes),
		slog.Int64("blocking_workers", opts.BlockingWorkers))

	return l
}

// Lanes returns the loop's lanes.
func (l *EventLoop) Lanes() []*Lane {
	return l.lanes
}

// CurrentLane returns the lane carried by ctx if it belongs to this loop,
// otherwise the next default lane in round-robin order.
func (l *EventLoop) CurrentLane(ctx context.Context) *Lane {
	if lane, ok := LaneFrom(ctx); ok && lane.loop == l {
		return lane
	}
	return l.defaultLane()
}

func (l *EventLoop) defaultLane() *Lane {
	n := l.next.Add(1) - 1
	return l.lanes[n%uint64(len(l.lanes))]
}

// ScheduleNow queues work on lane.
func (l *EventLoop) ScheduleNow(lane *Lane, work Work) {
	if lane == nil || lane.loop != l {
		lane = l.defaultLane()
	}
	if !lane.queue.push(work) {
		l.logger.Warn("dropping work scheduled after close", slog.Int(log.LaneKey, lane.id))
		return
	}
	metrics.SetLaneQueueDepth(lane.id, lane.queue.len())
}

// ScheduleAfter arms a one-shot timer for work.
func (l *EventLoop) ScheduleAfter(lane *Lane, work Work, delay time.Duration) {
	if delay <= 0 {
		l.ScheduleNow(lane, work)
		return
	}
	time.AfterFunc(delay, func() {
		if lane == nil {
			if l.isClosed() {
				l.logger.Warn("dropping timer work fired after close")
				return
			}
			l.run(context.Background(), work)
			return
		}
		l.ScheduleNow(lane, work)
	})
}

// ScheduleBlocking runs work on the blocking pool. The caller never waits
// for a pool slot; the spawned goroutine does.
func (l *EventLoop) ScheduleBlocking(work Work) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		l.logger.Warn("dropping blocking work scheduled after close")
		return
	}
	l.blockDone.Add(1)
	l.mu.RUnlock()

	go func() {
		defer l.blockDone.Done()

		ctx := context.Background()
		if err := l.blocking.Acquire(ctx, 1); err != nil {
			l.logger.Error("failed to acquire blocking worker", log.Error(err))
			return
		}
		defer l.blocking.Release(1)

		l.run(ctx, work)
	}()
}

// Close stops accepting work, lets every lane drain what is already queued,
// and waits for in-flight blocking work. It returns ctx.Err() if ctx expires
// first.
func (l *EventLoop) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	for _, lane := range l.lanes {
		lane.queue.close()
	}

	done := make(chan struct{})
	go func() {
		l.lanesDone.Wait()
		l.blockDone.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Debug("event loop stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *EventLoop) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// drain is a lane's goroutine.
func (l *EventLoop) drain(lane *Lane) {
	defer l.lanesDone.Done()

	ctx := WithLane(context.Background(), lane)
	for {
		work, err := lane.queue.pop()
		if err != nil {
			return
		}
		metrics.SetLaneQueueDepth(lane.id, lane.queue.len())
		l.run(ctx, work)
	}
}

// run executes work, recovering a panic so one instance cannot take down
// the lane it shares with others.
func (l *EventLoop) run(ctx context.Context, work Work) {
	defer func() {
		if r := recover(); r != nil {
			attrs := []any{slog.Any("panic", r), slog.String("stack", string(debug.Stack()))}
			if lane, ok := LaneFrom(ctx); ok {
				attrs = append(attrs, slog.Int(log.LaneKey, lane.id))
			}
			l.logger.Error("scheduled work panicked", attrs...)
		}
	}()
	work(ctx)
}
