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

// Package sched runs units of work on execution lanes.
//
// A lane is a single goroutine draining a FIFO queue, so work scheduled on
// one lane never runs concurrently with other work on that lane. Many lanes
// run in parallel. A suspended computation remembers the lane it was running
// on and is resumed there, which gives it the same affinity an event-loop
// context gives a callback.
//
// The lane is threaded explicitly through context.Context rather than looked
// up from the running goroutine:
//
//	lane := s.CurrentLane(ctx)
//	go func() {
//	    v, err := slowCall()
//	    s.ScheduleNow(lane, func(ctx context.Context) { resume(v, err) })
//	}()
package sched

import (
	"context"
	"time"
)

// Work is a unit of work. The context passed to it carries the lane the work
// is running on, retrievable with LaneFrom.
type Work func(ctx context.Context)

// Scheduler is the scheduling port used by suspended computations.
type Scheduler interface {
	// ScheduleNow runs work on lane. A nil lane assigns a default lane.
	// It never blocks the caller.
	ScheduleNow(lane *Lane, work Work)

	// ScheduleAfter runs work after delay. A delay <= 0 is ScheduleNow.
	// With a nil lane the work runs on the timer goroutine; otherwise it is
	// re-dispatched onto lane when the timer fires.
	ScheduleAfter(lane *Lane, work Work, delay time.Duration)

	// ScheduleBlocking runs work on the blocking worker pool, never on a lane.
	ScheduleBlocking(work Work)

	// CurrentLane returns the lane carried by ctx, or assigns a default lane
	// when ctx carries none.
	CurrentLane(ctx context.Context) *Lane
}

type laneKey struct{}

// WithLane returns a copy of ctx carrying lane.
func WithLane(ctx context.Context, lane *Lane) context.Context {
	return context.WithValue(ctx, laneKey{}, lane)
}

// LaneFrom returns the lane carried by ctx.
func LaneFrom(ctx context.Context) (*Lane, bool) {
	if ctx == nil {
		return nil, false
	}
	lane, ok := ctx.Value(laneKey{}).(*Lane)
	return lane, ok && lane != nil
}
