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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/checkpointd/internal/metrics"
)

const instrumentationName = "github.com/tombee/checkpointd/internal/kv"

// instrumentedMap records a span, a latency sample and an operation count for
// every call on the wrapped map.
type instrumentedMap struct {
	next     Map
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// Instrument wraps m with tracing and metrics. Instruments come from the
// global otel providers, so tracing.NewProvider should run first.
func Instrument(m Map) Map {
	if _, ok := m.(*instrumentedMap); ok {
		return m
	}
	duration, err := otel.Meter(instrumentationName).Float64Histogram(
		"checkpointd_kv_operation_duration_seconds",
		metric.WithDescription("Key-value store operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}
	return &instrumentedMap{
		next:     m,
		tracer:   otel.Tracer(instrumentationName),
		duration: duration,
	}
}

func (i *instrumentedMap) Name() string { return i.next.Name() }

func (i *instrumentedMap) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		v     []byte
		found bool
	)
	err := i.observe(ctx, OpGet, key, func(ctx context.Context) (err error) {
		v, found, err = i.next.Get(ctx, key)
		return err
	})
	return v, found, err
}

func (i *instrumentedMap) Put(ctx context.Context, key string, value []byte) error {
	return i.observe(ctx, OpPut, key, func(ctx context.Context) error {
		return i.next.Put(ctx, key, value)
	})
}

func (i *instrumentedMap) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return i.observe(ctx, OpPutWithTTL, key, func(ctx context.Context) error {
		return i.next.PutWithTTL(ctx, key, value, ttl)
	})
}

func (i *instrumentedMap) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	var (
		prev    []byte
		existed bool
	)
	err := i.observe(ctx, OpPutIfAbsent, key, func(ctx context.Context) (err error) {
		prev, existed, err = i.next.PutIfAbsent(ctx, key, value)
		return err
	})
	return prev, existed, err
}

func (i *instrumentedMap) Remove(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		prev  []byte
		found bool
	)
	err := i.observe(ctx, OpRemove, key, func(ctx context.Context) (err error) {
		prev, found, err = i.next.Remove(ctx, key)
		return err
	})
	return prev, found, err
}

func (i *instrumentedMap) Values(ctx context.Context) ([][]byte, error) {
	var values [][]byte
	err := i.observe(ctx, OpValues, "", func(ctx context.Context) (err error) {
		values, err = i.next.Values(ctx)
		return err
	})
	return values, err
}

func (i *instrumentedMap) observe(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attrs := []attribute.KeyValue{
		attribute.String("kv.map", i.next.Name()),
		attribute.String("kv.operation", op),
	}
	ctx, span := i.tracer.Start(ctx, "kv."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
	if key != "" {
		span.SetAttributes(attribute.String("kv.key", key))
	}
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start).Seconds()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if i.duration != nil {
		i.duration.Record(ctx, elapsed, metric.WithAttributes(
			append(attrs, attribute.String("outcome", outcome))...))
	}
	metrics.RecordKVOperation(op, outcome)
	return err
}
