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

package kv_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tombee/checkpointd/internal/kv"
	"github.com/tombee/checkpointd/internal/kv/memory"
)

func TestInstrument_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx := context.Background()
	raw, err := memory.New().Map(ctx, "orders")
	require.NoError(t, err)
	m := kv.Instrument(raw)
	assert.Same(t, m, kv.Instrument(m), "instrumenting twice is a no-op")
	assert.Equal(t, "orders", m.Name())

	require.NoError(t, m.Put(ctx, "k", []byte("v")))
	v, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(v))
	_, _, err = m.PutIfAbsent(ctx, "k", []byte("x"))
	require.NoError(t, err)
	_, _, err = m.Remove(ctx, "k")
	require.NoError(t, err)
	_, err = m.Values(ctx)
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"kv.put", "kv.get", "kv.putIfAbsent", "kv.remove", "kv.values"}, names)
}

func TestInstrument_RecordsErrors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx := context.Background()
	raw, err := memory.New().Map(ctx, "m")
	require.NoError(t, err)
	m := kv.Instrument(failingMap{Map: raw, err: errors.New("boom")})

	before := kvOperationCount(t, "get", "error")
	_, _, err = m.Get(ctx, "k")
	require.Error(t, err)
	assert.Equal(t, before+1, kvOperationCount(t, "get", "error"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

// kvOperationCount reads checkpointd_kv_operations_total from the default
// registry.
func kvOperationCount(t *testing.T, op, outcome string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "checkpointd_kv_operations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["operation"] == op && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
