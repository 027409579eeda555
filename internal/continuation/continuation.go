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

// Package continuation defines how a suspended script instance is parked and
// later resumed.
//
// A script instance suspends by calling Suspend, which captures the lane the
// instance is running on. Whatever asynchronous operation it is waiting for
// later calls Resume exactly once, and the instance's resumer runs back on the
// captured lane with the result.
//
// Snapshots of an instance's resumable state travel as Blobs. This package
// transports blobs; it never interprets their contents.
package continuation

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyBlob is returned when decoding a zero-length blob.
var ErrEmptyBlob = errors.New("continuation: empty blob")

// Blob is an opaque snapshot of an instance's resumable state. Tag identifies
// the format the host runtime used for Data.
type Blob struct {
	Tag  uint8
	Data []byte
}

// MarshalBinary implements encoding.BinaryMarshaler. The encoding is the tag
// byte followed by Data.
func (b Blob) MarshalBinary() ([]byte, error) {
	out := make([]byte, 1+len(b.Data))
	out[0] = b.Tag
	copy(out[1:], b.Data)
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (b *Blob) UnmarshalBinary(p []byte) error {
	if len(p) == 0 {
		return ErrEmptyBlob
	}
	b.Tag = p[0]
	b.Data = append([]byte(nil), p[1:]...)
	return nil
}

// Bytes returns the encoded blob.
func (b Blob) Bytes() []byte {
	out, _ := b.MarshalBinary()
	return out
}

// Len returns the encoded size of the blob.
func (b Blob) Len() int { return 1 + len(b.Data) }

// Decode parses an encoded blob.
func Decode(p []byte) (Blob, error) {
	var b Blob
	err := b.UnmarshalBinary(p)
	return b, err
}

// Location identifies the script call site that suspended.
type Location struct {
	Source string
	Offset int
}

// String implements fmt.Stringer.
func (l Location) String() string {
	if l.Source == "" {
		return fmt.Sprintf("@%d", l.Offset)
	}
	return fmt.Sprintf("%s @ %d", l.Source, l.Offset)
}

// Resumer continues a suspended instance with the outcome of the operation it
// was waiting for. Exactly one of value or err is meaningful: a non-nil err
// means the operation failed.
type Resumer func(value any, err error)

// Runtime is the host runtime's entry point for rebuilding an instance from
// a blob and resuming it.
type Runtime interface {
	// Resume reconstructs the instance held in blob and resumes it. onResumed
	// is called once the runtime has accepted or rejected the blob.
	Resume(ctx context.Context, blob Blob, onResumed Resumer)
}

// RuntimeFunc adapts a function to the Runtime interface.
type RuntimeFunc func(ctx context.Context, blob Blob, onResumed Resumer)

// Resume implements Runtime.
func (f RuntimeFunc) Resume(ctx context.Context, blob Blob, onResumed Resumer) {
	f(ctx, blob, onResumed)
}
