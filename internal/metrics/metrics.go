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

// Package metrics holds the prometheus collectors exported by checkpointd.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkpointd_persistence_errors_total",
			Help: "Total persistence operation errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	checkpointsSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkpointd_checkpoints_saved_total",
			Help: "Total checkpoints durably written",
		},
	)

	checkpointDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkpointd_checkpoint_duplicates_total",
			Help: "Total checkpoint writes rejected because the key already held a value",
		},
	)

	kvOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkpointd_kv_operations_total",
			Help: "Total key-value store operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	recoveredInstances = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkpointd_recovered_instances_total",
			Help: "Total instances handed to the runtime for resumption during recovery",
		},
	)

	duplicateResumes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkpointd_duplicate_resumes_total",
			Help: "Total resumer invocations dropped because the continuation was already resumed",
		},
	)

	laneQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "checkpointd_lane_queue_depth",
			Help: "Units of work waiting on each execution lane",
		},
		[]string{"lane"},
	)
)

// Persistence operations recorded by RecordPersistenceError.
const (
	OpSaveCheckpoint    = "SaveCheckpoint"
	OpCleanupCheckpoint = "CleanupCheckpoint"
	OpDeleteCheckpoint  = "DeleteCheckpoint"
	OpListCheckpoints   = "ListCheckpoints"
	OpDecodeCheckpoint  = "DecodeCheckpoint"
)

// RecordPersistenceError increments the persistence error counter.
// errorType is derived from the error (see errors.TypeOf).
func RecordPersistenceError(operation, errorType string) {
	persistenceErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordCheckpointSaved increments the saved checkpoint counter.
func RecordCheckpointSaved() {
	checkpointsSaved.Inc()
}

// RecordDuplicateCheckpoint increments the duplicate checkpoint counter.
func RecordDuplicateCheckpoint() {
	checkpointDuplicates.Inc()
}

// RecordKVOperation counts one store call. outcome is "ok" or "error".
func RecordKVOperation(operation, outcome string) {
	kvOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordRecovered adds n to the recovered instance counter.
func RecordRecovered(n int) {
	recoveredInstances.Add(float64(n))
}

// RecordDuplicateResume increments the dropped resume counter.
func RecordDuplicateResume() {
	duplicateResumes.Inc()
}

// SetLaneQueueDepth records the queue depth of one lane.
func SetLaneQueueDepth(lane, depth int) {
	laneQueueDepth.WithLabelValues(strconv.Itoa(lane)).Set(float64(depth))
}
