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

// Package httpresume hands recovered continuations to a script runtime over
// HTTP.
package httpresume

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/tombee/checkpointd/internal/continuation"
	"github.com/tombee/checkpointd/internal/log"
	"github.com/tombee/checkpointd/internal/sched"
)

// TagHeader carries the blob's format tag.
const TagHeader = "X-Checkpoint-Tag"

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// Compile-time interface assertion.
var _ continuation.Runtime = (*Runtime)(nil)

// StatusError is a non-2xx response from the runtime.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("runtime responded %d", e.StatusCode)
	}
	return fmt.Sprintf("runtime responded %d: %s", e.StatusCode, e.Body)
}

// Config configures a Runtime.
type Config struct {
	// URL receives each blob as a POST.
	URL string

	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration

	// Client is the HTTP client to use. If nil, a client with Timeout is
	// created.
	Client *http.Client

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Runtime posts continuation blobs to a remote script runtime.
type Runtime struct {
	url       string
	client    *http.Client
	scheduler sched.Scheduler
	logger    *slog.Logger
}

// New creates a Runtime. Requests run on the scheduler's blocking pool.
func New(cfg Config, scheduler sched.Scheduler) *Runtime {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Runtime{
		url:       cfg.URL,
		client:    client,
		scheduler: scheduler,
		logger:    log.WithComponent(cfg.Logger, "httpresume"),
	}
}

// Resume posts blob to the runtime. onResumed receives the HTTP status code
// on success and runs on the lane Resume was called from.
func (r *Runtime) Resume(ctx context.Context, blob continuation.Blob, onResumed continuation.Resumer) {
	lane := r.scheduler.CurrentLane(ctx)
	traced := context.WithoutCancel(ctx)

	r.scheduler.ScheduleBlocking(func(context.Context) {
		status, err := r.post(traced, blob)
		r.scheduler.ScheduleNow(lane, func(context.Context) {
			if err != nil {
				onResumed(nil, err)
				return
			}
			onResumed(status, nil)
		})
	})
}

func (r *Runtime) post(ctx context.Context, blob continuation.Blob) (int, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(blob.Data))
	if err != nil {
		return 0, fmt.Errorf("failed to build resume request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(TagHeader, strconv.Itoa(int(blob.Tag)))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("resume request failed: %w", err)
	}
	defer resp.Body.Close()

	log.Trace(r.logger, "posted continuation",
		slog.Int("status", resp.StatusCode),
		slog.Int("size", blob.Len()),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
