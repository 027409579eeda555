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

// Package daemon wires the checkpoint store, distributed map functions and
// recovery into a long-running process with an admin HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	promclient "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/checkpointd/internal/checkpoint"
	"github.com/tombee/checkpointd/internal/config"
	"github.com/tombee/checkpointd/internal/continuation"
	"github.com/tombee/checkpointd/internal/functions"
	"github.com/tombee/checkpointd/internal/kv"
	"github.com/tombee/checkpointd/internal/leader"
	"github.com/tombee/checkpointd/internal/log"
	"github.com/tombee/checkpointd/internal/recovery"
	"github.com/tombee/checkpointd/internal/runtime/httpresume"
	"github.com/tombee/checkpointd/internal/sched"
	"github.com/tombee/checkpointd/internal/tracing"
	ckerrors "github.com/tombee/checkpointd/pkg/errors"
)

// ErrNoRuntime is returned by Recover when no runtime is configured to
// resume instances.
var ErrNoRuntime = errors.New("no runtime configured: set runtime.resume_url")

// Options configures a Daemon beyond its config file.
type Options struct {
	// Version is reported by /healthz and in traces.
	Version string

	// ConfigPath is watched for checkpointing.enabled changes. Empty
	// disables hot reload.
	ConfigPath string

	// Runtime resumes recovered instances. If nil, an HTTP runtime is built
	// from runtime.resume_url.
	Runtime continuation.Runtime

	// Registerer receives the otel metrics collector. If nil, uses the
	// default Prometheus registerer.
	Registerer promclient.Registerer

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	otel        *tracing.Provider
	loop        *sched.EventLoop
	backend     *backend
	maps        *kv.Registry
	checkpoints *checkpoint.Store
	functions   *functions.Distributed
	recovery    *recovery.Driver
	elector     *leader.Elector

	mu             sync.Mutex
	fileEnabled    bool // checkpointing.enabled as last read from the config file
	started        bool
	electorRunning bool
	closed         bool
	listener       net.Listener
}

// New builds every component from cfg and connects to the store. It does
// not start serving or recover; call Run for that, or use the components
// directly for one-shot commands. Close releases everything New acquired.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.OrDefault(opts.Logger)

	otelProvider, err := tracing.NewProvider(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: opts.Version,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Registerer:     opts.Registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	be, err := openBackend(ctx, cfg.Store, logger)
	if err != nil {
		_ = otelProvider.Shutdown(ctx)
		return nil, err
	}

	loop := sched.New(sched.Options{
		Lanes:           cfg.Scheduler.Lanes,
		BlockingWorkers: cfg.Scheduler.BlockingWorkers,
		Logger:          logger,
	})
	maps := kv.NewRegistry(be.maps, kv.WithInstrumentation())

	checkpoint.SetCheckpointingEnabled(cfg.Checkpointing.IsEnabled())
	checkpoints := checkpoint.New(maps, loop,
		checkpoint.WithPodID(cfg.Store.PodID),
		checkpoint.WithLogger(logger))

	fns, err := functions.New(maps, loop, functions.Options{
		AllowedMaps: cfg.Functions.AllowedMaps,
		Logger:      logger,
	})
	if err != nil {
		_ = loop.Close(ctx)
		_ = be.close()
		_ = otelProvider.Shutdown(ctx)
		return nil, err
	}

	runtime := opts.Runtime
	if runtime == nil && cfg.Runtime.ResumeURL != "" {
		runtime = httpresume.New(httpresume.Config{
			URL:     cfg.Runtime.ResumeURL,
			Timeout: cfg.Runtime.Timeout,
			Logger:  logger,
		}, loop)
	}

	d := &Daemon{
		cfg:         cfg,
		opts:        opts,
		logger:      log.WithComponent(logger, "daemon"),
		otel:        otelProvider,
		loop:        loop,
		backend:     be,
		maps:        maps,
		checkpoints: checkpoints,
		functions:   fns,
		fileEnabled: cfg.Checkpointing.IsEnabled(),
	}
	if runtime != nil {
		d.recovery = recovery.New(checkpoints, runtime, loop, recovery.Options{
			RatePerSecond: cfg.Recovery.RatePerSecond,
			Logger:        logger,
		})
	}

	if cfg.Recovery.LeaderElection {
		if be.newLocker == nil {
			_ = d.Close(ctx)
			return nil, fmt.Errorf("store %q does not support leader election", cfg.Store.Type)
		}
		instanceID := instanceID(cfg.Store.PodID)
		d.elector = leader.NewElector(leader.Config{
			Locker:        be.newLocker(instanceID, 3*cfg.Recovery.LeaderRetryInterval),
			InstanceID:    instanceID,
			RetryInterval: cfg.Recovery.LeaderRetryInterval,
			Logger:        logger,
		})
	}

	return d, nil
}

// instanceID names this process for leader election.
func instanceID(podID string) string {
	if podID != "" {
		return podID + "-" + uuid.NewString()[:8]
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "checkpointd"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Checkpoints returns the checkpoint store.
func (d *Daemon) Checkpoints() *checkpoint.Store { return d.checkpoints }

// Functions returns the script-facing distributed map operations.
func (d *Daemon) Functions() *functions.Distributed { return d.functions }

// Scheduler returns the event loop continuations resume on.
func (d *Daemon) Scheduler() sched.Scheduler { return d.loop }

// Elector returns the leader elector, or nil without leader election.
func (d *Daemon) Elector() *leader.Elector { return d.elector }

// SetCheckpointing turns checkpointing on or off.
func (d *Daemon) SetCheckpointing(on bool) {
	if d.checkpoints.Enabled() == on {
		return
	}
	d.checkpoints.SetEnabled(on)
	d.logger.Info("checkpointing toggled", slog.Bool("enabled", on))
}

// Recover resumes every checkpointed instance, or with dryRun only counts
// them.
func (d *Daemon) Recover(ctx context.Context, dryRun bool) (int, error) {
	if dryRun {
		return recovery.New(d.checkpoints, nil, d.loop, recovery.Options{Logger: d.logger}).DryRun(ctx)
	}
	if d.recovery == nil {
		return 0, ErrNoRuntime
	}
	return d.recovery.RecoverAll(ctx)
}

// Run serves the admin API, watches the config file and performs startup
// recovery, blocking until ctx is cancelled or a component fails. A failure
// to list checkpoints during startup recovery is returned.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	if d.cfg.Admin.Addr != "" {
		ln, err := net.Listen("tcp", d.cfg.Admin.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", d.cfg.Admin.Addr, err)
		}
		d.mu.Lock()
		d.listener = ln
		d.mu.Unlock()

		server := &http.Server{
			Handler:      d.Handler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Admin.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				d.logger.Error("admin server shutdown error", log.Error(err))
			}
			return nil
		})
		d.logger.Info("admin API listening", slog.String("addr", ln.Addr().String()))
	}

	if d.opts.ConfigPath != "" {
		watcher, err := newConfigWatcher(d.opts.ConfigPath, d.applyConfig, d.logger)
		if err != nil {
			d.logger.Warn("config hot reload disabled", log.Error(err))
		} else {
			g.Go(func() error { return watcher.Run(ctx) })
		}
	}

	if d.elector != nil {
		becameLeader := make(chan struct{}, 1)
		d.elector.OnLeadershipChange(func(isLeader bool) {
			if isLeader {
				select {
				case becameLeader <- struct{}{}:
				default:
				}
			}
		})
		d.elector.Start(ctx)
		d.mu.Lock()
		d.electorRunning = true
		d.mu.Unlock()

		if d.cfg.Recovery.RunOnStartup() {
			g.Go(func() error {
				select {
				case <-ctx.Done():
					return nil
				case <-becameLeader:
					return d.startupRecovery(ctx)
				}
			})
		}
	} else if d.cfg.Recovery.RunOnStartup() {
		g.Go(func() error { return d.startupRecovery(ctx) })
	}

	d.logger.Info("checkpointd started",
		slog.String("version", d.opts.Version),
		slog.String("store", d.cfg.Store.Type),
		slog.String(log.MapKey, d.checkpoints.MapName()),
		slog.Bool("checkpointing", d.checkpoints.Enabled()))

	return g.Wait()
}

// startupRecovery resumes stored instances once. Only a listing failure is
// fatal; an interrupted recovery is logged.
func (d *Daemon) startupRecovery(ctx context.Context) error {
	if d.recovery == nil {
		d.logger.Warn("skipping startup recovery", log.Error(ErrNoRuntime))
		return nil
	}

	_, err := d.recovery.RecoverAll(ctx)
	var recErr *ckerrors.RecoveryError
	if errors.As(err, &recErr) {
		return err
	}
	if err != nil {
		d.logger.Warn("startup recovery interrupted", log.Error(err))
	}
	return nil
}

// applyConfig applies the settings that may change at runtime. The
// checkpointing switch follows the file only when the file's value changes,
// so a toggle made through the admin API survives unrelated edits.
func (d *Daemon) applyConfig(cfg *config.Config) {
	enabled := cfg.Checkpointing.IsEnabled()

	d.mu.Lock()
	changed := enabled != d.fileEnabled
	d.fileEnabled = enabled
	d.mu.Unlock()

	if !changed {
		d.logger.Debug("config reloaded, checkpointing.enabled unchanged")
		return
	}
	d.SetCheckpointing(enabled)
}

// Addr returns the admin API's listen address once Run is serving it.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Close stops leader election, drains the event loop and releases the store
// and telemetry providers.
func (d *Daemon) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	electorRunning := d.electorRunning
	d.mu.Unlock()

	var errs []error
	if electorRunning {
		d.elector.Stop()
	}
	if err := d.loop.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("event loop: %w", err))
	}
	if err := d.backend.close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := d.otel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}
