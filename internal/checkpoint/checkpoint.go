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

// Package checkpoint persists script instance checkpoints for crash recovery.
//
// Each instance keeps at most one checkpoint in the checkpoint map, keyed
// "<instanceID>:<seq>". Writing checkpoint n is a put-if-absent: finding a
// value already there means the same instance is running twice, which is
// reported as a DuplicateCheckpointError. Once n is stored, n-1 is removed in
// the background.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tombee/checkpointd/internal/continuation"
	"github.com/tombee/checkpointd/internal/kv"
	"github.com/tombee/checkpointd/internal/log"
	"github.com/tombee/checkpointd/internal/metrics"
	"github.com/tombee/checkpointd/internal/sched"
	ckerrors "github.com/tombee/checkpointd/pkg/errors"
)

// ReservedPrefix starts every map name used internally. Script code may not
// use map names with this prefix.
const ReservedPrefix = "$checkpointd"

// BaseMapName is the checkpoint map name when no pod ID is configured.
const BaseMapName = ReservedPrefix + "checkpointMap"

// MapName returns the checkpoint map name for podID. Pods with an ID keep
// their checkpoints in their own map.
func MapName(podID string) string {
	if podID == "" {
		return BaseMapName
	}
	return BaseMapName + ":" + podID
}

// Key returns the checkpoint key of seq for instance id.
func Key(id uuid.UUID, seq int64) string {
	return fmt.Sprintf("%s:%d", id, seq)
}

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

// SetCheckpointingEnabled turns checkpointing on or off for the process.
// When off, Save resumes without writing and Delete does nothing.
func SetCheckpointingEnabled(on bool) {
	enabled.Store(on)
}

// CheckpointingEnabled reports whether checkpointing is on. It is on unless
// turned off.
func CheckpointingEnabled() bool {
	return enabled.Load()
}

// Option configures a Store.
type Option func(*Store)

// WithPodID isolates checkpoints in the pod's own map.
func WithPodID(podID string) Option {
	return func(s *Store) {
		s.mapName = MapName(podID)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store saves, retires and lists checkpoints.
type Store struct {
	maps      kv.Provider
	async     *kv.Async
	scheduler sched.Scheduler
	mapName   string
	logger    *slog.Logger
}

// New creates a Store. maps is normally the process-wide *kv.Registry.
func New(maps kv.Provider, scheduler sched.Scheduler, opts ...Option) *Store {
	s := &Store{
		maps:      maps,
		scheduler: scheduler,
		mapName:   BaseMapName,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.WithComponent(s.logger, "checkpoint")
	s.async = kv.NewAsync(maps, scheduler, kv.WithLogger(s.logger))
	return s
}

// MapName returns the name of the map this store writes to.
func (s *Store) MapName() string {
	return s.mapName
}

// Enabled reports whether checkpointing is on.
func (s *Store) Enabled() bool {
	return CheckpointingEnabled()
}

// SetEnabled turns checkpointing on or off for the process.
func (s *Store) SetEnabled(on bool) {
	SetCheckpointingEnabled(on)
}

// Save stores checkpoint seq of instance id and then resumes onDone, on the
// lane carried by ctx, with:
//
//   - (result, nil) when the checkpoint was written, or checkpointing is off
//   - (nil, *errors.DuplicateCheckpointError) when the key already held a value
//   - (nil, *errors.ScriptError) wrapping the *errors.StoreError on failure
//
// Save returns immediately. Storing seq > 1 also removes seq-1 in the
// background; failures of that removal are logged and never reach onDone.
func (s *Store) Save(ctx context.Context, id uuid.UUID, seq int64, blob continuation.Blob, loc continuation.Location, result any, onDone continuation.Resumer) {
	sp := continuation.Suspend(ctx, s.scheduler, loc, onDone, continuation.WithLogger(s.logger))
	if !CheckpointingEnabled() {
		sp.Resume(result, nil)
		return
	}

	logger := log.WithInstance(s.logger, id.String(), seq)
	s.async.PutIfAbsent(ctx, s.mapName, Key(id, seq), blob.Bytes(), func(res kv.Result, err error) {
		if err != nil {
			metrics.RecordPersistenceError(metrics.OpSaveCheckpoint, ckerrors.TypeOf(err))
			logger.Error("failed to save checkpoint", log.Error(err))
			sp.Fail("error during saveCheckpoint", err)
			return
		}

		if res.Found {
			metrics.RecordDuplicateCheckpoint()
			logger.Error("duplicate checkpoint detected, instance is running more than once")
			sp.Resume(nil, &ckerrors.DuplicateCheckpointError{InstanceID: id.String(), Seq: seq})
			return
		}

		metrics.RecordCheckpointSaved()
		log.Trace(logger, "checkpoint saved", slog.Int("size", blob.Len()))
		if seq > 1 {
			s.remove(ctx, id, seq-1, metrics.OpCleanupCheckpoint)
		}
		sp.Resume(result, nil)
	})
}

// Delete removes checkpoint seq of instance id, normally because the
// instance finished. It does not wait for the store and failures are only
// logged. Delete does nothing while checkpointing is off.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, seq int64) {
	if !CheckpointingEnabled() {
		return
	}
	s.remove(ctx, id, seq, metrics.OpDeleteCheckpoint)
}

func (s *Store) remove(ctx context.Context, id uuid.UUID, seq int64, op string) {
	s.async.Remove(ctx, s.mapName, Key(id, seq), func(_ kv.Result, err error) {
		if err != nil {
			metrics.RecordPersistenceError(op, ckerrors.TypeOf(err))
			log.WithInstance(s.logger, id.String(), seq).Warn("failed to remove checkpoint",
				slog.String(log.OpKey, op), log.Error(err))
		}
	})
}

// Values lists the raw value of every checkpoint in the map. It blocks.
func (s *Store) Values(ctx context.Context) ([][]byte, error) {
	m, err := s.maps.Map(ctx, s.mapName)
	if err != nil {
		return nil, &ckerrors.StoreError{Op: kv.OpResolve, Map: s.mapName, Cause: err}
	}
	values, err := m.Values(ctx)
	if err != nil {
		return nil, &ckerrors.StoreError{Op: kv.OpValues, Map: s.mapName, Cause: err}
	}
	return values, nil
}

// Get reads checkpoint seq of instance id. It blocks.
func (s *Store) Get(ctx context.Context, id uuid.UUID, seq int64) (continuation.Blob, bool, error) {
	key := Key(id, seq)
	m, err := s.maps.Map(ctx, s.mapName)
	if err != nil {
		return continuation.Blob{}, false, &ckerrors.StoreError{Op: kv.OpResolve, Map: s.mapName, Key: key, Cause: err}
	}
	raw, found, err := m.Get(ctx, key)
	if err != nil {
		return continuation.Blob{}, false, &ckerrors.StoreError{Op: kv.OpGet, Map: s.mapName, Key: key, Cause: err}
	}
	if !found {
		return continuation.Blob{}, false, nil
	}
	blob, err := continuation.Decode(raw)
	if err != nil {
		return continuation.Blob{}, false, fmt.Errorf("checkpoint %s is corrupt: %w", key, err)
	}
	return blob, true, nil
}
