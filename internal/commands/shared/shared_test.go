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

package shared

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ckerrors "github.com/tombee/checkpointd/pkg/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"config error", NewConfigError("bad config", errors.New("x")), ExitConfigError},
		{"wrapped recovery error", fmt.Errorf("serve: %w", NewRecoveryError("recovery failed", nil)), ExitRecoveryFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitError_Error(t *testing.T) {
	err := NewConfigError("failed to load configuration", errors.New("no such file"))
	if err.Error() != "failed to load configuration: no such file" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if NewRecoveryError("recovery failed", nil).Error() != "recovery failed" {
		t.Error("message without cause should be the bare message")
	}
}

func TestPrintError_Suggestion(t *testing.T) {
	var buf bytes.Buffer
	printError(&buf, fmt.Errorf("wrapped: %w", &ckerrors.ValidationError{
		Field:      "functions.allowed_maps",
		Message:    "invalid map pattern",
		Suggestion: "use doublestar glob syntax",
	}))

	out := buf.String()
	if !strings.Contains(out, "invalid map pattern") {
		t.Errorf("output missing message: %q", out)
	}
	if !strings.Contains(out, "Suggestion: use doublestar glob syntax") {
		t.Errorf("output missing suggestion: %q", out)
	}
}

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	defer SetConfigPathForTest("")

	SetConfigPathForTest("")
	if got := ResolveConfigPath(); got != "" {
		t.Errorf("expected no path without a default file, got %q", got)
	}

	defaultPath := filepath.Join(dir, "checkpointd", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(defaultPath), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(defaultPath, []byte("log:\n  level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := ResolveConfigPath(); got != defaultPath {
		t.Errorf("ResolveConfigPath() = %q, want %q", got, defaultPath)
	}

	SetConfigPathForTest("/etc/checkpointd.yaml")
	if got := ResolveConfigPath(); got != "/etc/checkpointd.yaml" {
		t.Errorf("flag should win, got %q", got)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  type: etcd\n"), 0600); err != nil {
		t.Fatal(err)
	}
	SetConfigPathForTest(path)
	defer SetConfigPathForTest("")

	_, _, err := LoadConfig()
	if ExitCode(err) != ExitConfigError {
		t.Errorf("expected config exit code, got %d (%v)", ExitCode(err), err)
	}
}
