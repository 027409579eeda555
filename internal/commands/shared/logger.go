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
	"log/slog"

	"github.com/tombee/checkpointd/internal/config"
	"github.com/tombee/checkpointd/internal/log"
)

// NewLogger builds the process logger from the log section of cfg.
// --verbose forces debug level.
func NewLogger(cfg *config.Config) *slog.Logger {
	lc := log.FromEnv()
	lc.Level = cfg.Log.Level
	lc.Format = log.Format(cfg.Log.Format)
	lc.AddSource = lc.AddSource || cfg.Log.AddSource
	if verboseFlag {
		lc.Level = "debug"
	}
	return log.New(lc)
}
