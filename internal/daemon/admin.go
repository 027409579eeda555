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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tombee/checkpointd/internal/daemon/auth"
	"github.com/tombee/checkpointd/internal/log"
	"github.com/tombee/checkpointd/internal/tracing"
)

// checkpointingState is the body of GET and PUT /v1/checkpointing.
type checkpointingState struct {
	Enabled *bool `json:"enabled"`
}

// recoverResponse is the body returned by POST /v1/recover.
type recoverResponse struct {
	Recovered int  `json:"recovered"`
	DryRun    bool `json:"dry_run,omitempty"`
}

// healthResponse is the body returned by GET /healthz.
type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	Checkpointing bool   `json:"checkpointing"`
	Leader        *bool  `json:"leader,omitempty"`
}

// Handler returns the admin API with logging and, when a JWT secret is
// configured, bearer authentication. /healthz is always public.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.handleHealth)
	mux.Handle("GET /metrics", tracing.MetricsHandler())
	mux.HandleFunc("GET /v1/checkpointing", d.handleGetCheckpointing)
	mux.HandleFunc("PUT /v1/checkpointing", d.handlePutCheckpointing)
	mux.HandleFunc("POST /v1/recover", d.handleRecover)

	var handler http.Handler = mux
	if d.cfg.Admin.JWTSecret != "" {
		handler = auth.Middleware(auth.JWTConfig{
			Secret: []byte(d.cfg.Admin.JWTSecret),
			Issuer: d.cfg.Admin.JWTIssuer,
		}, "/healthz")(handler)
	}
	return log.HTTPMiddleware(log.WithComponent(d.logger, "admin"))(handler)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Version:       d.opts.Version,
		Checkpointing: d.checkpoints.Enabled(),
	}
	if d.elector != nil {
		isLeader := d.elector.IsLeader()
		resp.Leader = &isLeader
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleGetCheckpointing(w http.ResponseWriter, r *http.Request) {
	enabled := d.checkpoints.Enabled()
	writeJSON(w, http.StatusOK, checkpointingState{Enabled: &enabled})
}

func (d *Daemon) handlePutCheckpointing(w http.ResponseWriter, r *http.Request) {
	var req checkpointingState
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	d.SetCheckpointing(*req.Enabled)
	enabled := d.checkpoints.Enabled()
	writeJSON(w, http.StatusOK, checkpointingState{Enabled: &enabled})
}

func (d *Daemon) handleRecover(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"

	n, err := d.Recover(r.Context(), dryRun)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNoRuntime) {
			status = http.StatusServiceUnavailable
		}
		d.logger.Error("admin recovery failed", log.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recoverResponse{Recovered: n, DryRun: dryRun})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
