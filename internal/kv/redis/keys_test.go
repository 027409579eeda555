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

package redis

import "testing"

func TestKeys(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"entry", entryKey("checkpointd:", "orders", "42"), "checkpointd:map:6:orders:42"},
		{"entry with colon key", entryKey("p:", "$checkpointdcheckpointMap", "id:3"), "p:map:25:$checkpointdcheckpointMap:id:3"},
		{"index", indexKey("checkpointd:", "orders"), "checkpointd:idx:orders"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestEntryKey_DistinctPairsNeverCollide(t *testing.T) {
	pairs := [][2]string{
		{"orders:eu", "42"},
		{"orders", "eu:42"},
		{"orders:eu:42", ""},
		{"a:b", "c"},
		{"a", "b:c"},
		{"1:a", "b"},
		{"1", "a:b"},
	}

	seen := make(map[string][2]string)
	for _, p := range pairs {
		k := entryKey(DefaultKeyPrefix, p[0], p[1])
		if prev, ok := seen[k]; ok {
			t.Fatalf("map %q key %q and map %q key %q share entry key %q", prev[0], prev[1], p[0], p[1], k)
		}
		seen[k] = p
	}
}
