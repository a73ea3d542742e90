// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package durablelog defines the DurableLog collaborator consumed by the
// frame builder and provides two concrete implementations: an in-memory
// stub for tests and a go.etcd.io/bbolt-backed implementation for anyone
// who wants the processor to actually persist frames.
package durablelog

import (
	"context"

	"github.com/dreamsxin/opstore/internal/types"
)

// DurableLog is an append-only medium accepting variable-length byte
// records and returning a LogAddress. It is the processor's only
// persistence boundary, treated as an external collaborator rather than
// part of the core commit path.
//
// Append assigns and returns the record's LogAddress synchronously, before
// the record is actually durable: sequence assignment must happen in call
// order so that a single caller issuing Append calls one after another (as
// the frame builder does, from the single processor-loop goroutine) gets
// strictly increasing sequence numbers for free, with no cross-goroutine
// races to reorder. Durability is confirmed asynchronously via the
// returned channel, which receives exactly one value (nil on success, or
// types.ErrIO) once the record is durably written or the write fails.
// Append can also fail synchronously, e.g. types.ErrNotPrimary is detected
// at submission time once another writer has fenced this one out; in that
// case the channel is nil.
type DurableLog interface {
	Append(ctx context.Context, p []byte) (types.LogAddress, <-chan error, error)

	// Close releases any resources held by the log. Append must not be
	// called after Close returns.
	Close() error
}

// Re-exported so callers constructing a DurableLog outside this package
// don't need to import internal/types directly.
var (
	ErrIO         = types.ErrIO
	ErrNotPrimary = types.ErrNotPrimary
)
