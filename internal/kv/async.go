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

package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/checkpointd/internal/log"
	"github.com/tombee/checkpointd/internal/sched"
	ckerrors "github.com/tombee/checkpointd/pkg/errors"
)

// Operation names reported in StoreError.Op.
const (
	OpResolve     = "resolve"
	OpGet         = "get"
	OpPut         = "put"
	OpPutWithTTL  = "putWithTTL"
	OpPutIfAbsent = "putIfAbsent"
	OpRemove      = "remove"
	OpValues      = "values"
)

// Result is the outcome of a single-key operation. For PutIfAbsent and Remove
// Value is the previous value and Found reports whether there was one.
type Result struct {
	Value []byte
	Found bool
}

// Callback receives the outcome of a single-key operation.
type Callback func(Result, error)

// ValuesCallback receives the outcome of a Values call.
type ValuesCallback func([][]byte, error)

// BlockingScheduler runs work on a bounded blocking pool. *sched.EventLoop
// implements it.
type BlockingScheduler interface {
	ScheduleBlocking(work sched.Work)
}

// Async issues map operations without blocking the caller. Every method
// returns immediately and runs the store call on the scheduler's blocking
// pool, so at most the pool's bound of store calls are in flight. The
// callback is invoked exactly once, from the pool worker that ran the
// operation. Failures are *errors.StoreError.
//
// Operations are detached from the caller's cancellation: once issued they
// run to completion. Work issued after the scheduler is closed is dropped
// with it.
type Async struct {
	maps      Provider
	scheduler BlockingScheduler
	logger    *slog.Logger
}

// AsyncOption configures an Async.
type AsyncOption func(*Async)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) AsyncOption {
	return func(a *Async) {
		a.logger = logger
	}
}

// NewAsync creates an Async resolving handles through maps, normally a
// *Registry, and running store calls on scheduler's blocking pool.
func NewAsync(maps Provider, scheduler BlockingScheduler, opts ...AsyncOption) *Async {
	a := &Async{maps: maps, scheduler: scheduler}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = log.WithComponent(a.logger, "kv")
	return a
}

// Get reads key from mapName.
func (a *Async) Get(ctx context.Context, mapName, key string, cb Callback) {
	a.do(ctx, OpGet, mapName, key, cb, func(ctx context.Context, m Map) (Result, error) {
		v, found, err := m.Get(ctx, key)
		return Result{Value: v, Found: found}, err
	})
}

// Put stores value at key with no expiry.
func (a *Async) Put(ctx context.Context, mapName, key string, value []byte, cb Callback) {
	a.do(ctx, OpPut, mapName, key, cb, func(ctx context.Context, m Map) (Result, error) {
		return Result{}, m.Put(ctx, key, value)
	})
}

// PutWithTTL stores value at key, expiring it after ttl.
func (a *Async) PutWithTTL(ctx context.Context, mapName, key string, value []byte, ttl time.Duration, cb Callback) {
	a.do(ctx, OpPutWithTTL, mapName, key, cb, func(ctx context.Context, m Map) (Result, error) {
		return Result{}, m.PutWithTTL(ctx, key, value, ttl)
	})
}

// PutIfAbsent stores value unless key already holds one. The callback's
// Result carries the previous value when there was one.
func (a *Async) PutIfAbsent(ctx context.Context, mapName, key string, value []byte, cb Callback) {
	a.do(ctx, OpPutIfAbsent, mapName, key, cb, func(ctx context.Context, m Map) (Result, error) {
		prev, existed, err := m.PutIfAbsent(ctx, key, value)
		return Result{Value: prev, Found: existed}, err
	})
}

// Remove deletes key. The callback's Result carries the removed value.
func (a *Async) Remove(ctx context.Context, mapName, key string, cb Callback) {
	a.do(ctx, OpRemove, mapName, key, cb, func(ctx context.Context, m Map) (Result, error) {
		prev, found, err := m.Remove(ctx, key)
		return Result{Value: prev, Found: found}, err
	})
}

// Values lists every live value in mapName.
func (a *Async) Values(ctx context.Context, mapName string, cb ValuesCallback) {
	if cb == nil {
		panic("kv: nil callback")
	}
	ctx = context.WithoutCancel(ctx)
	a.scheduler.ScheduleBlocking(func(context.Context) {
		m, err := a.maps.Map(ctx, mapName)
		if err != nil {
			cb(nil, a.fail(OpResolve, mapName, "", err))
			return
		}
		values, err := m.Values(ctx)
		if err != nil {
			cb(nil, a.fail(OpValues, mapName, "", err))
			return
		}
		cb(values, nil)
	})
}

func (a *Async) do(ctx context.Context, op, mapName, key string, cb Callback, fn func(context.Context, Map) (Result, error)) {
	if cb == nil {
		panic("kv: nil callback")
	}
	ctx = context.WithoutCancel(ctx)
	a.scheduler.ScheduleBlocking(func(context.Context) {
		m, err := a.maps.Map(ctx, mapName)
		if err != nil {
			cb(Result{}, a.fail(OpResolve, mapName, key, err))
			return
		}
		res, err := fn(ctx, m)
		if err != nil {
			cb(Result{}, a.fail(op, mapName, key, err))
			return
		}
		cb(res, nil)
	})
}

func (a *Async) fail(op, mapName, key string, cause error) error {
	a.logger.Debug("store operation failed",
		slog.String(log.OpKey, op),
		slog.String(log.MapKey, mapName),
		log.Error(cause))
	return &ckerrors.StoreError{Op: op, Map: mapName, Key: key, Cause: cause}
}
