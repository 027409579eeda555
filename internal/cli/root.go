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

// Package cli builds the checkpointd root command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/checkpointd/internal/commands/checkpoints"
	"github.com/tombee/checkpointd/internal/commands/serve"
	"github.com/tombee/checkpointd/internal/commands/shared"
	"github.com/tombee/checkpointd/internal/commands/version"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command with every subcommand.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpointd",
		Short: "checkpointd - durable checkpoints for suspended script instances",
		Long: `checkpointd persists the continuations of running script instances to a
distributed key-value store and resumes them after a crash or restart.

Run 'checkpointd serve' to start the daemon.
Run 'checkpointd checkpoints list' to inspect stored checkpoints.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	verbose, json, config := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/checkpointd/config.yaml)")

	cmd.AddCommand(serve.NewCommand())
	cmd.AddCommand(checkpoints.NewCommand())
	cmd.AddCommand(version.NewVersionCommand())

	return cmd
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
