// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package types holds the small shared vocabulary used across the
// processor's internal packages: a leaf package that imports nothing else
// from the module, imported by everyone else so that sentinel errors compare
// equal with errors.Is regardless of which internal package produced
// them.
package types

import "errors"

// LogAddress identifies a durable frame write: a monotonically increasing
// sequence assigned by the durable log, plus an opaque physical location
// meaningful only to the DurableLog implementation that produced it.
type LogAddress struct {
	Sequence uint64
	Physical uint64
}

// FrameArgs carries a single data frame's metadata through its lifecycle:
// checkpoint (sealed, about to be written; LogAddress is zero), commit
// (LogAddress populated), and fail. The frame builder allocates exactly one
// *FrameArgs per frame and mutates it in place between callbacks, so
// identity (pointer equality) is what the commit tracker keys its
// txn_by_frame map on -- the same instance that checkpoint saw comes back
// unchanged except for LogAddress.
type FrameArgs struct {
	LogAddress LogAddress

	// LastStartedSequenceNumber is the sequence number of the last
	// operation whose serialization began in (or before) this frame.
	LastStartedSequenceNumber uint64

	// LastFullySerializedSequenceNumber is the sequence number of the last
	// operation whose serialization completed in this frame. Equal to
	// LastStartedSequenceNumber iff the frame ends exactly on an operation
	// boundary.
	LastFullySerializedSequenceNumber uint64

	// Length is the frame's byte length.
	Length int
}

var (
	// ErrClosed is returned to operations that never got a chance to run
	// because the owning component has shut down.
	ErrClosed = errors.New("opstore: closed")

	// ErrBadOperation is a logical rejection of an operation during
	// pre-processing, e.g. an append to a sealed segment.
	ErrBadOperation = errors.New("opstore: bad operation")

	// ErrBuilderClosed is returned once a frame builder has latched a
	// prior write failure.
	ErrBuilderClosed = errors.New("opstore: frame builder closed")

	// ErrIO is a transient durable log failure.
	ErrIO = errors.New("opstore: durable log io error")

	// ErrNotPrimary is fatal: another writer owns the durable log.
	ErrNotPrimary = errors.New("opstore: not primary")

	// ErrDataCorruption is fatal: an invariant was violated.
	ErrDataCorruption = errors.New("opstore: data corruption")
)

// IsFatal implements the fatal predicate from the error handling design:
// only loss-of-primary and data corruption stop the processor outright.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDataCorruption) || errors.Is(err, ErrNotPrimary)
}
