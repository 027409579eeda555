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

// Package serve implements the serve command.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/checkpointd/internal/commands/shared"
	"github.com/tombee/checkpointd/internal/config"
	"github.com/tombee/checkpointd/internal/daemon"
	ckerrors "github.com/tombee/checkpointd/pkg/errors"
)

type serveFlags struct {
	store string
	podID string
}

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the checkpoint daemon",
		Long: `Run the checkpoint daemon in the foreground.

The daemon connects to the configured store, recovers every checkpointed
instance (after winning leader election when enabled) and serves the admin
API until interrupted. Changes to checkpointing.enabled in the config file
are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.store, "store", "", "Override store.type (memory, sqlite, redis, postgres)")
	cmd.Flags().StringVar(&flags.podID, "pod-id", "", "Override store.pod_id")

	return cmd
}

// applyOverrides applies command-line overrides and revalidates.
func applyOverrides(cfg *config.Config, flags serveFlags) error {
	if flags.store == "" && flags.podID == "" {
		return nil
	}
	if flags.store != "" {
		cfg.Store.Type = flags.store
	}
	if flags.podID != "" {
		cfg.Store.PodID = flags.podID
	}
	if err := cfg.Validate(); err != nil {
		return shared.NewConfigError("invalid flags", err)
	}
	return nil
}

func runServe(ctx context.Context, flags serveFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, path, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if err := applyOverrides(cfg, flags); err != nil {
		return err
	}

	logger := shared.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	version, _, _ := shared.GetVersion()
	d, err := daemon.New(ctx, cfg, daemon.Options{
		Version:    version,
		ConfigPath: path,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	logger.Info("daemon starting",
		slog.String("version", version),
		slog.String("store", cfg.Store.Type),
		slog.String("admin_addr", cfg.Admin.Addr))

	runErr := d.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
	defer cancel()
	if err := d.Close(shutdownCtx); err != nil {
		logger.Error("shutdown failed", slog.Any("error", err))
	}

	if runErr != nil {
		var recErr *ckerrors.RecoveryError
		if errors.As(runErr, &recErr) {
			return shared.NewRecoveryError("startup recovery failed", runErr)
		}
		return runErr
	}
	logger.Info("daemon stopped")
	return nil
}
