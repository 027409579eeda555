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

// Package checkpoints implements commands that inspect and recover stored
// checkpoints without running the daemon.
package checkpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tombee/checkpointd/internal/commands/shared"
	"github.com/tombee/checkpointd/internal/continuation"
	"github.com/tombee/checkpointd/internal/daemon"
)

// NewCommand creates the checkpoints command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and recover stored checkpoints",
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newRecoverCommand())

	return cmd
}

// Entry describes one stored checkpoint.
type Entry struct {
	Tag     int  `json:"tag"`
	Size    int  `json:"size"`
	Corrupt bool `json:"corrupt,omitempty"`
}

// ListResult is the JSON output of checkpoints list.
type ListResult struct {
	Map         string  `json:"map"`
	Count       int     `json:"count"`
	TotalBytes  int     `json:"total_bytes"`
	Checkpoints []Entry `json:"checkpoints"`
}

// RecoverResult is the JSON output of checkpoints recover.
type RecoverResult struct {
	Recovered int  `json:"recovered"`
	DryRun    bool `json:"dry_run,omitempty"`
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored checkpoints",
		Long: `List every checkpoint in this pod's checkpoint map with its blob tag and
encoded size. Blobs that cannot be decoded are marked corrupt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(contextOf(cmd), cmd.OutOrStdout())
		},
	}
}

func newRecoverCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Resume every stored checkpoint once",
		Long: `Hand every stored checkpoint to the runtime at runtime.resume_url and wait
for the resumes to finish. With --dry-run, only count the checkpoints that
would be resumed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(contextOf(cmd), cmd.OutOrStdout(), dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Count checkpoints without resuming them")

	return cmd
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openDaemon builds the components without serving. Metrics go to a private
// registry since nothing scrapes a one-shot command.
func openDaemon(ctx context.Context) (*daemon.Daemon, error) {
	cfg, _, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	version, _, _ := shared.GetVersion()
	d, err := daemon.New(ctx, cfg, daemon.Options{
		Version:    version,
		Registerer: promclient.NewRegistry(),
		Logger:     shared.NewLogger(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return d, nil
}

func runList(ctx context.Context, out io.Writer) (err error) {
	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()

	values, err := d.Checkpoints().Values(ctx)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	result := ListResult{
		Map:         d.Checkpoints().MapName(),
		Count:       len(values),
		Checkpoints: make([]Entry, 0, len(values)),
	}
	for _, raw := range values {
		entry := Entry{Size: len(raw)}
		if blob, decErr := continuation.Decode(raw); decErr != nil {
			entry.Corrupt = true
		} else {
			entry.Tag = int(blob.Tag)
		}
		result.TotalBytes += entry.Size
		result.Checkpoints = append(result.Checkpoints, entry)
	}

	if shared.GetJSON() {
		return writeJSON(out, result)
	}

	if result.Count == 0 {
		fmt.Fprintln(out, shared.Muted.Render("No checkpoints in "+result.Map))
		return nil
	}

	fmt.Fprintln(out, renderTable(result))
	fmt.Fprintf(out, "%d checkpoints, %d bytes in %s\n", result.Count, result.TotalBytes, result.Map)
	return nil
}

func renderTable(result ListResult) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(shared.Muted).
		Headers("#", "TAG", "SIZE", "STATUS").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return shared.Header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	for i, e := range result.Checkpoints {
		tag, status := strconv.Itoa(e.Tag), shared.StatusOK.Render("ok")
		if e.Corrupt {
			tag, status = "-", shared.StatusError.Render("corrupt")
		}
		t.Row(strconv.Itoa(i+1), tag, strconv.Itoa(e.Size), status)
	}
	return t.String()
}

func runRecover(ctx context.Context, out io.Writer, dryRun bool) (err error) {
	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	// Close drains the lanes, so resumes started below finish first.
	defer func() {
		if cerr := d.Close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()

	n, err := d.Recover(ctx, dryRun)
	if err != nil {
		return shared.NewRecoveryError("recovery failed", err)
	}

	if shared.GetJSON() {
		return writeJSON(out, RecoverResult{Recovered: n, DryRun: dryRun})
	}
	if dryRun {
		fmt.Fprintln(out, shared.RenderWarn(fmt.Sprintf("%d checkpoints would be recovered (dry run)", n)))
		return nil
	}
	fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("Recovered %d checkpoints", n)))
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
