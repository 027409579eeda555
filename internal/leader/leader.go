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

// Package leader elects one process to run checkpoint recovery when several
// share a store.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/checkpointd/internal/log"
)

// Locker is a distributed mutex the Elector competes for.
type Locker interface {
	// TryAcquire takes the lock without waiting. It reports true if this
	// process now holds it.
	TryAcquire(ctx context.Context) (bool, error)

	// Verify reports whether this process still holds the lock, renewing it
	// where the lock expires.
	Verify(ctx context.Context) (bool, error)

	// Release gives the lock up.
	Release(ctx context.Context) error
}

// Elector manages leader election over a Locker.
type Elector struct {
	locker        Locker
	instanceID    string
	retryInterval time.Duration
	isLeader      bool
	acquiredAt    time.Time
	mu            sync.RWMutex
	stopOnce      sync.Once
	stopCh        chan struct{}
	doneCh        chan struct{}
	callbacks     []func(isLeader bool)
	logger        *slog.Logger
}

// Config contains leader election configuration.
type Config struct {
	// Locker is the lock to compete for.
	Locker Locker

	// InstanceID uniquely identifies this process.
	InstanceID string

	// RetryInterval is how often to attempt acquiring or verifying leadership.
	RetryInterval time.Duration

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultRetryInterval is used when Config.RetryInterval is not positive.
const DefaultRetryInterval = 5 * time.Second

// NewElector creates a new leader elector.
func NewElector(cfg Config) *Elector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	return &Elector{
		locker:        cfg.Locker,
		instanceID:    cfg.InstanceID,
		retryInterval: cfg.RetryInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		logger: log.WithComponent(cfg.Logger, "leader").
			With(slog.String("node_id", cfg.InstanceID)),
	}
}

// Start begins the leader election process.
func (e *Elector) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop stops the election loop, releasing leadership if held. Start must have
// been called.
func (e *Elector) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

// IsLeader returns whether this instance is currently the leader.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// OnLeadershipChange registers a callback for leadership changes. Callbacks
// run on the election goroutine.
func (e *Elector) OnLeadershipChange(callback func(isLeader bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, callback)
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.retryInterval)
	defer ticker.Stop()

	e.tryAcquireLeadership(ctx)

	for {
		select {
		case <-ctx.Done():
			e.releaseLeadership(context.WithoutCancel(ctx))
			return
		case <-e.stopCh:
			e.releaseLeadership(ctx)
			return
		case <-ticker.C:
			if !e.IsLeader() {
				e.tryAcquireLeadership(ctx)
			} else if !e.verifyLeadership(ctx) {
				e.setLeader(false)
				e.logger.Warn("Lost leadership, will retry")
			}
		}
	}
}

func (e *Elector) tryAcquireLeadership(ctx context.Context) {
	acquired, err := e.locker.TryAcquire(ctx)
	if err != nil {
		e.logger.Error("Failed to acquire leadership", log.Error(err))
		return
	}

	if acquired {
		e.setLeader(true)
		e.logger.Info("Acquired leadership")
	}
}

func (e *Elector) verifyLeadership(ctx context.Context) bool {
	holding, err := e.locker.Verify(ctx)
	if err != nil {
		e.logger.Error("Failed to verify leadership", log.Error(err))
		return false
	}
	return holding
}

func (e *Elector) releaseLeadership(ctx context.Context) {
	if !e.IsLeader() {
		return
	}

	if err := e.locker.Release(ctx); err != nil {
		e.logger.Error("Failed to release leadership", log.Error(err))
	}

	e.setLeader(false)
	e.logger.Info("Released leadership")
}

// setLeader updates the leader status and notifies callbacks on change.
func (e *Elector) setLeader(isLeader bool) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = isLeader
	if isLeader && !wasLeader {
		e.acquiredAt = time.Now()
	}
	callbacks := make([]func(bool), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	if wasLeader != isLeader {
		for _, cb := range callbacks {
			cb(isLeader)
		}
	}
}

// LeaderStatus contains information about leadership status.
type LeaderStatus struct {
	InstanceID string    `json:"instance_id"`
	IsLeader   bool      `json:"is_leader"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
}

// Status returns the current leadership status.
func (e *Elector) Status() LeaderStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := LeaderStatus{
		InstanceID: e.instanceID,
		IsLeader:   e.isLeader,
	}
	if e.isLeader {
		status.AcquiredAt = e.acquiredAt
	}
	return status
}
