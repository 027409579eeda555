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

import "strconv"

// Key layout. Every key starts with the provider's prefix so several
// deployments can share one Redis.
//
//	<prefix>map:<len>:<map>:<key>   string value of one entry
//	<prefix>idx:<map>               set of the keys written to <map>
//
// <len> is the byte length of <map>, so map names and keys containing ':'
// never produce the same entry key for different (map, key) pairs.

// DefaultKeyPrefix is used when no prefix is configured.
const DefaultKeyPrefix = "checkpointd:"

// entryKey returns the key of one entry.
func entryKey(prefix, mapName, key string) string {
	return prefix + "map:" + strconv.Itoa(len(mapName)) + ":" + mapName + ":" + key
}

// indexKey returns the set tracking keys written to mapName.
func indexKey(prefix, mapName string) string {
	return prefix + "idx:" + mapName
}
