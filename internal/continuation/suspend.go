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

package continuation

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/tombee/checkpointd/internal/log"
	"github.com/tombee/checkpointd/internal/metrics"
	"github.com/tombee/checkpointd/internal/sched"
	ckerrors "github.com/tombee/checkpointd/pkg/errors"
)

// Suspension is the transient record of a suspended instance. It holds the
// lane to resume on, the resumer, and the call site for error reporting.
// It is never persisted.
type Suspension struct {
	scheduler sched.Scheduler
	lane      *sched.Lane
	resumer   Resumer
	loc       Location
	logger    *slog.Logger
	resumed   atomic.Bool
}

// SuspendOption configures a Suspension.
type SuspendOption func(*Suspension)

// WithLogger sets the logger used to report dropped resumes.
func WithLogger(logger *slog.Logger) SuspendOption {
	return func(s *Suspension) {
		s.logger = logger
	}
}

// Suspend parks the instance running on ctx's lane. The lane is captured now,
// so the resumer runs on it no matter which goroutine later calls Resume.
// If ctx carries no lane the scheduler assigns a default one.
//
// Suspend panics if k is nil.
func Suspend(ctx context.Context, s sched.Scheduler, loc Location, k Resumer, opts ...SuspendOption) *Suspension {
	if k == nil {
		panic("continuation: nil resumer")
	}
	sp := &Suspension{
		scheduler: s,
		lane:      s.CurrentLane(ctx),
		resumer:   k,
		loc:       loc,
	}
	for _, opt := range opts {
		opt(sp)
	}
	sp.logger = log.WithComponent(sp.logger, "continuation")
	return sp
}

// Lane returns the captured lane.
func (s *Suspension) Lane() *sched.Lane { return s.lane }

// Location returns the call site that suspended.
func (s *Suspension) Location() Location { return s.loc }

// Resume schedules the resumer on the captured lane with the outcome. Only the
// first call has any effect; later calls are logged and dropped, and Resume
// reports false.
func (s *Suspension) Resume(value any, err error) bool {
	if !s.resumed.CompareAndSwap(false, true) {
		metrics.RecordDuplicateResume()
		s.logger.Warn("dropping second resume of suspended instance",
			slog.String("location", s.loc.String()),
			slog.Int(log.LaneKey, s.lane.ID()))
		return false
	}
	s.scheduler.ScheduleNow(s.lane, func(context.Context) {
		s.resumer(value, err)
	})
	return true
}

// Fail resumes with a ScriptError carrying the call site, message and cause.
func (s *Suspension) Fail(message string, cause error) bool {
	return s.Resume(nil, &ckerrors.ScriptError{
		Source:  s.loc.Source,
		Offset:  s.loc.Offset,
		Message: message,
		Cause:   cause,
	})
}

// Resumed reports whether Resume has been called.
func (s *Suspension) Resumed() bool { return s.resumed.Load() }
