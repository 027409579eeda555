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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPersistenceError(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		errorType string
	}{
		{"save store error", OpSaveCheckpoint, "store"},
		{"cleanup store error", OpCleanupCheckpoint, "store"},
		{"list recovery error", OpListCheckpoints, "recovery"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := prometheus.Labels{"operation": tt.operation, "error_type": tt.errorType}
			initial := testutil.ToFloat64(persistenceErrors.With(labels))

			RecordPersistenceError(tt.operation, tt.errorType)

			if got := testutil.ToFloat64(persistenceErrors.With(labels)); got != initial+1 {
				t.Errorf("expected count to increment by 1, got initial=%f, new=%f", initial, got)
			}
		})
	}
}

func TestCheckpointCounters(t *testing.T) {
	saved := testutil.ToFloat64(checkpointsSaved)
	dups := testutil.ToFloat64(checkpointDuplicates)
	recovered := testutil.ToFloat64(recoveredInstances)
	resumes := testutil.ToFloat64(duplicateResumes)

	RecordCheckpointSaved()
	RecordCheckpointSaved()
	RecordDuplicateCheckpoint()
	RecordRecovered(3)
	RecordDuplicateResume()

	if got := testutil.ToFloat64(checkpointsSaved); got != saved+2 {
		t.Errorf("saved = %f, want %f", got, saved+2)
	}
	if got := testutil.ToFloat64(checkpointDuplicates); got != dups+1 {
		t.Errorf("duplicates = %f, want %f", got, dups+1)
	}
	if got := testutil.ToFloat64(recoveredInstances); got != recovered+3 {
		t.Errorf("recovered = %f, want %f", got, recovered+3)
	}
	if got := testutil.ToFloat64(duplicateResumes); got != resumes+1 {
		t.Errorf("duplicate resumes = %f, want %f", got, resumes+1)
	}
}

func TestRecordKVOperation(t *testing.T) {
	ok := kvOperations.WithLabelValues("putIfAbsent", "ok")
	before := testutil.ToFloat64(ok)

	RecordKVOperation("putIfAbsent", "ok")
	RecordKVOperation("putIfAbsent", "error")

	if got := testutil.ToFloat64(ok); got != before+1 {
		t.Errorf("ok count = %f, want %f", got, before+1)
	}
}

func TestSetLaneQueueDepth(t *testing.T) {
	SetLaneQueueDepth(7, 12)
	if got := testutil.ToFloat64(laneQueueDepth.WithLabelValues("7")); got != 12 {
		t.Errorf("depth = %f, want 12", got)
	}
	SetLaneQueueDepth(7, 0)
	if got := testutil.ToFloat64(laneQueueDepth.WithLabelValues("7")); got != 0 {
		t.Errorf("depth = %f, want 0", got)
	}
}
