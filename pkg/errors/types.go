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

package errors

import (
	"errors"
	"fmt"
)

// ValidationError represents a request rejected before any store call was made.
// Use this for reserved map names, disallowed map names, and bad arguments.
type ValidationError struct {
	// Field identifies which argument failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// StoreError represents a failed call against the key-value store.
// The subsystem never retries these; they are surfaced to the caller as-is.
type StoreError struct {
	// Op is the operation that failed (e.g., "get", "putIfAbsent", "distributedPut")
	Op string

	// Map is the name of the map the operation targeted
	Map string

	// Key is the entry key, if the operation had one
	Key string

	// Cause is the underlying error reported by the store
	Cause error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := fmt.Sprintf("%s error", e.Op)
	if e.Map != "" {
		msg = fmt.Sprintf("%s on map %s", msg, e.Map)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *StoreError) ErrorType() string { return "store" }

// IsRetryable implements ErrorClassifier. Store errors are transient from the
// store's point of view, but nothing in this module retries them.
func (e *StoreError) IsRetryable() bool { return true }

// DuplicateCheckpointError is reported when a checkpoint key already holds a
// value. The same instance is executing in two places at once.
type DuplicateCheckpointError struct {
	InstanceID string
	Seq        int64
}

// Error implements the error interface.
func (e *DuplicateCheckpointError) Error() string {
	return fmt.Sprintf("duplicate checkpoint detected for instance %s at checkpoint %d", e.InstanceID, e.Seq)
}

// ErrorType implements ErrorClassifier.
func (e *DuplicateCheckpointError) ErrorType() string { return "duplicate_checkpoint" }

// IsRetryable implements ErrorClassifier.
func (e *DuplicateCheckpointError) IsRetryable() bool { return false }

// RecoveryError represents a failure to enumerate persisted checkpoints.
// Startup must abort when this is returned.
type RecoveryError struct {
	// Map is the checkpoint map that could not be listed
	Map string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RecoveryError) Error() string {
	return fmt.Sprintf("failed to list checkpoints in %s: %v", e.Map, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RecoveryError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *RecoveryError) ErrorType() string { return "recovery" }

// IsRetryable implements ErrorClassifier.
func (e *RecoveryError) IsRetryable() bool { return false }

// ScriptError is the error value a suspended script is resumed with.
// It carries the script source location that issued the failing call.
type ScriptError struct {
	// Source is the script source (or its name) the call came from
	Source string

	// Offset is the position in Source of the call
	Offset int

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ScriptError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Source != "" {
		msg = fmt.Sprintf("%s (%s @ %d)", msg, e.Source, e.Offset)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ScriptError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier, reporting the type of the cause when
// the cause is classifiable.
func (e *ScriptError) ErrorType() string {
	var c ErrorClassifier
	if As(e.Cause, &c) {
		return c.ErrorType()
	}
	return "script"
}

// IsRetryable implements ErrorClassifier.
func (e *ScriptError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "store.type")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// TypeOf returns the classification of err for metric labels.
// Unclassified errors report "unknown".
func TypeOf(err error) string {
	if err == nil {
		return ""
	}
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.ErrorType()
	}
	return "unknown"
}

// As finds the first error in err's tree that matches target and sets target
// to it.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Wrapf annotates err with a formatted message. It returns nil for a nil err.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
