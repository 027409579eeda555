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

// Package recovery resumes every checkpointed instance after a restart.
package recovery

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/tombee/checkpointd/internal/continuation"
	"github.com/tombee/checkpointd/internal/log"
	"github.com/tombee/checkpointd/internal/metrics"
	"github.com/tombee/checkpointd/internal/sched"
	ckerrors "github.com/tombee/checkpointd/pkg/errors"
)

// Lister lists raw checkpoints. *checkpoint.Store implements it.
type Lister interface {
	Values(ctx context.Context) ([][]byte, error)
	MapName() string
}

// Options configures a Driver.
type Options struct {
	// RatePerSecond caps how many instances are handed to the runtime per
	// second. Zero means no limit.
	RatePerSecond float64

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Driver lists checkpoints and hands each to the runtime to resume.
type Driver struct {
	checkpoints Lister
	runtime     continuation.Runtime
	scheduler   sched.Scheduler
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// New creates a Driver.
func New(checkpoints Lister, runtime continuation.Runtime, scheduler sched.Scheduler, opts Options) *Driver {
	d := &Driver{
		checkpoints: checkpoints,
		runtime:     runtime,
		scheduler:   scheduler,
		logger:      log.WithComponent(opts.Logger, "recovery"),
	}
	if opts.RatePerSecond > 0 {
		burst := int(opts.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return d
}

// RecoverAll resumes every checkpointed instance and returns how many were
// handed to the runtime. Each resume runs on a default lane; RecoverAll does
// not wait for the runtime to finish them.
//
// A failure to list the checkpoint map is a *errors.RecoveryError, and the
// process should not start. Checkpoints that cannot be decoded are logged and
// skipped.
func (d *Driver) RecoverAll(ctx context.Context) (int, error) {
	blobs, err := d.load(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, blob := range blobs {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				metrics.RecordRecovered(count)
				return count, ckerrors.Wrapf(err, "recovery interrupted after %d of %d instances", count, len(blobs))
			}
		}

		blob := blob
		d.scheduler.ScheduleNow(nil, func(ctx context.Context) {
			d.runtime.Resume(ctx, blob, d.onResumed(blob))
		})
		count++
	}

	metrics.RecordRecovered(count)
	d.logger.Info("recovered checkpointed instances",
		slog.Int("count", count),
		slog.String(log.MapKey, d.checkpoints.MapName()))
	return count, nil
}

// DryRun reports how many instances RecoverAll would resume without
// resuming any.
func (d *Driver) DryRun(ctx context.Context) (int, error) {
	blobs, err := d.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(blobs), nil
}

// load lists and decodes every checkpoint.
func (d *Driver) load(ctx context.Context) ([]continuation.Blob, error) {
	values, err := d.checkpoints.Values(ctx)
	if err != nil {
		metrics.RecordPersistenceError(metrics.OpListCheckpoints, "recovery")
		return nil, &ckerrors.RecoveryError{Map: d.checkpoints.MapName(), Cause: err}
	}

	blobs := make([]continuation.Blob, 0, len(values))
	for _, raw := range values {
		blob, err := continuation.Decode(raw)
		if err != nil {
			metrics.RecordPersistenceError(metrics.OpDecodeCheckpoint, "corrupt")
			d.logger.Error("skipping corrupt checkpoint",
				slog.Int("size", len(raw)), log.Error(err))
			continue
		}
		blobs = append(blobs, blob)
	}
	return blobs, nil
}

func (d *Driver) onResumed(blob continuation.Blob) continuation.Resumer {
	return func(_ any, err error) {
		if err != nil {
			d.logger.Warn("runtime failed to resume checkpointed instance",
				slog.Int("tag", int(blob.Tag)), log.Error(err))
			return
		}
		log.Trace(d.logger, "checkpointed instance resumed", slog.Int("tag", int(blob.Tag)))
	}
}
