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

// Package errors defines the error taxonomy shared by checkpointd packages.
//
// Every asynchronous failure reaches its caller through the same resumer
// callback as a success value, so callers distinguish outcomes by error type:
//
//   - ValidationError: rejected synchronously, the store was never called
//   - StoreError: the store reported a failure for an operation
//   - DuplicateCheckpointError: the same instance is running twice
//   - RecoveryError: checkpoints could not be listed at startup
//   - ScriptError: what a suspended script is resumed with
package errors

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified by type
// for metrics labels or specific handling paths.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "validation", "store", "duplicate_checkpoint"
	ErrorType() string

	// IsRetryable returns true if the operation could succeed if repeated.
	IsRetryable() bool
}
