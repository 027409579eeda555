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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/checkpointd/internal/config"
	"github.com/tombee/checkpointd/internal/log"
)

// configWatcher reloads the config file when it changes and hands each valid
// result to apply. Invalid files are logged and ignored.
type configWatcher struct {
	fsWatcher     *fsnotify.Watcher
	path          string
	apply         func(*config.Config)
	debounceDelay time.Duration
	logger        *slog.Logger
}

func newConfigWatcher(path string, apply func(*config.Config), logger *slog.Logger) (*configWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors and config management replace the file
	// by rename, which drops a watch on the file itself.
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	return &configWatcher{
		fsWatcher:     fsWatcher,
		path:          absPath,
		apply:         apply,
		debounceDelay: 200 * time.Millisecond,
		logger:        log.WithComponent(logger, "config-watcher"),
	}, nil
}

// Run processes events until ctx is done.
func (w *configWatcher) Run(ctx context.Context) error {
	defer w.fsWatcher.Close()

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounceDelay)
			} else {
				timer.Reset(w.debounceDelay)
			}
			reload = timer.C

		case <-reload:
			reload = nil
			w.reload()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", log.Error(err))
		}
	}
}

func (w *configWatcher) reload() {
	cfg, err := config.Load(w.path)
	if err != nil {
		w.logger.Warn("ignoring invalid config change",
			slog.String("path", w.path), log.Error(err))
		return
	}
	w.logger.Info("config reloaded", slog.String("path", w.path))
	w.apply(cfg)
}
