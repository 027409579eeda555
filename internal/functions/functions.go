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

// Package functions implements the distributed map operations scripts call,
// along with sleep and the checkpointing switch.
//
// Every operation suspends the calling instance and resumes it, on the lane
// it was running on, once the store answers. Failures reach the script as a
// *errors.ScriptError it can branch on; only validation failures are returned
// directly, before anything is suspended.
package functions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/checkpointd/internal/checkpoint"
	"github.com/tombee/checkpointd/internal/continuation"
	"github.com/tombee/checkpointd/internal/kv"
	"github.com/tombee/checkpointd/internal/log"
	"github.com/tombee/checkpointd/internal/sched"
	ckerrors "github.com/tombee/checkpointd/pkg/errors"
)

// Operation names reported in StoreError.Op.
const (
	OpPut    = "distributedPut"
	OpGet    = "distributedGet"
	OpRemove = "distributedRemove"
)

// Options configures Distributed.
type Options struct {
	// AllowedMaps are doublestar patterns a map name must match. Empty allows
	// every name outside the reserved prefix.
	AllowedMaps []string

	// Codec encodes stored values. Default: MsgpackCodec.
	Codec Codec

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Distributed implements the script-facing distributed map operations.
type Distributed struct {
	async     *kv.Async
	scheduler sched.Scheduler
	allowed   []string
	codec     Codec
	logger    *slog.Logger
}

// New creates Distributed. maps is normally the process-wide *kv.Registry, so
// handles are shared with the checkpoint store.
func New(maps kv.Provider, scheduler sched.Scheduler, opts Options) (*Distributed, error) {
	for _, pattern := range opts.AllowedMaps {
		if !doublestar.ValidatePattern(pattern) {
			return nil, &ckerrors.ValidationError{
				Field:      "functions.allowed_maps",
				Message:    fmt.Sprintf("invalid map pattern %q", pattern),
				Suggestion: "use doublestar glob syntax, e.g. \"orders-*\"",
			}
		}
	}
	if opts.Codec == nil {
		opts.Codec = MsgpackCodec{}
	}

	logger := log.WithComponent(opts.Logger, "functions")
	return &Distributed{
		async:     kv.NewAsync(maps, scheduler, kv.WithLogger(logger)),
		scheduler: scheduler,
		allowed:   opts.AllowedMaps,
		codec:     opts.Codec,
		logger:    logger,
	}, nil
}

// ValidateMapName reports whether scripts may use mapName.
func (d *Distributed) ValidateMapName(mapName string) error {
	if strings.HasPrefix(mapName, checkpoint.ReservedPrefix) {
		return &ckerrors.ValidationError{
			Field:   "map",
			Message: "map names must not begin with " + checkpoint.ReservedPrefix,
		}
	}
	if len(d.allowed) == 0 {
		return nil
	}
	for _, pattern := range d.allowed {
		if ok, _ := doublestar.Match(pattern, mapName); ok {
			return nil
		}
	}
	return &ckerrors.ValidationError{
		Field:      "map",
		Message:    fmt.Sprintf("map %q is not allowed", mapName),
		Suggestion: "add a matching pattern to functions.allowed_maps",
	}
}

// Put stores value at key in mapName and resumes k with value. A ttl of zero
// stores without expiry; a positive ttl expires the entry after ttl.
func (d *Distributed) Put(ctx context.Context, loc continuation.Location, mapName, key string, value any, ttl time.Duration, k continuation.Resumer) error {
	if err := d.ValidateMapName(mapName); err != nil {
		return err
	}
	if ttl < 0 {
		return &ckerrors.ValidationError{Field: "ttl", Message: "ttl must not be negative"}
	}
	data, err := d.codec.Marshal(value)
	if err != nil {
		return &ckerrors.ValidationError{Field: "value", Message: fmt.Sprintf("value cannot be stored: %v", err)}
	}

	sp := d.suspend(ctx, loc, k)
	done := func(_ kv.Result, err error) {
		if err != nil {
			d.fail(sp, OpPut, mapName, key, err)
			return
		}
		sp.Resume(value, nil)
	}
	if ttl == 0 {
		d.async.Put(ctx, mapName, key, data, done)
	} else {
		d.async.PutWithTTL(ctx, mapName, key, data, ttl, done)
	}
	return nil
}

// Get resumes k with the value stored at key in mapName, or nil if there is
// none.
func (d *Distributed) Get(ctx context.Context, loc continuation.Location, mapName, key string, k continuation.Resumer) error {
	if err := d.ValidateMapName(mapName); err != nil {
		return err
	}

	sp := d.suspend(ctx, loc, k)
	d.async.Get(ctx, mapName, key, func(res kv.Result, err error) {
		d.finish(sp, OpGet, mapName, key, res, err)
	})
	return nil
}

// Remove deletes key from mapName and resumes k with the removed value, or
// nil if there was none. Removing a missing key is not an error.
func (d *Distributed) Remove(ctx context.Context, loc continuation.Location, mapName, key string, k continuation.Resumer) error {
	if err := d.ValidateMapName(mapName); err != nil {
		return err
	}

	sp := d.suspend(ctx, loc, k)
	d.async.Remove(ctx, mapName, key, func(res kv.Result, err error) {
		d.finish(sp, OpRemove, mapName, key, res, err)
	})
	return nil
}

// Sleep resumes k with value after delay, on the lane carried by ctx.
func (d *Distributed) Sleep(ctx context.Context, loc continuation.Location, delay time.Duration, value any, k continuation.Resumer) {
	sp := d.suspend(ctx, loc, k)
	d.scheduler.ScheduleAfter(sp.Lane(), func(context.Context) {
		sp.Resume(value, nil)
	}, delay)
}

// CheckpointsEnabled turns checkpointing on or off for the process.
func (d *Distributed) CheckpointsEnabled(state bool) {
	checkpoint.SetCheckpointingEnabled(state)
	d.logger.Info("checkpointing toggled", slog.Bool("enabled", state))
}

func (d *Distributed) suspend(ctx context.Context, loc continuation.Location, k continuation.Resumer) *continuation.Suspension {
	return continuation.Suspend(ctx, d.scheduler, loc, k, continuation.WithLogger(d.logger))
}

func (d *Distributed) finish(sp *continuation.Suspension, op, mapName, key string, res kv.Result, err error) {
	if err != nil {
		d.fail(sp, op, mapName, key, err)
		return
	}
	if !res.Found {
		sp.Resume(nil, nil)
		return
	}
	v, err := d.codec.Unmarshal(res.Value)
	if err != nil {
		sp.Fail("error during "+op, fmt.Errorf("stored value for %s is not decodable: %w", key, err))
		return
	}
	sp.Resume(v, nil)
}

// fail resumes with the store failure relabelled as the script operation.
func (d *Distributed) fail(sp *continuation.Suspension, op, mapName, key string, err error) {
	cause := err
	var storeErr *ckerrors.StoreError
	if ckerrors.As(err, &storeErr) && storeErr.Cause != nil {
		cause = storeErr.Cause
	}
	d.logger.Debug("distributed map operation failed",
		slog.String(log.OpKey, op),
		slog.String(log.MapKey, mapName),
		log.Error(cause))
	sp.Fail("error during "+op, &ckerrors.StoreError{Op: op, Map: mapName, Key: key, Cause: cause})
}
