// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package opstore

import (
	"context"
	"sync"
)

// Operation is an opaque, ordered unit of work admitted through
// Processor.Process.
type Operation interface {
	// CanSerialize distinguishes durable operations (appends, seals, maps,
	// merges, checkpoints) from metadata-only operations that produce no
	// frame entry and therefore no durable acknowledgment.
	CanSerialize() bool

	// SetSequenceNumber is called exactly once by the processor loop, with
	// a number taken from the metadata updater, before pre_process and
	// strictly before the operation is appended to a frame.
	SetSequenceNumber(seq uint64)

	// SequenceNumber returns the value set by SetSequenceNumber, or 0 if
	// it hasn't been assigned yet.
	SequenceNumber() uint64

	// MarshalRecord serializes the operation's durable payload. Only
	// called for operations where CanSerialize() is true. It may be called
	// multiple times if the frame builder needs to re-attempt after a
	// partial write of a multi-frame operation; implementations must be
	// deterministic and side-effect free.
	MarshalRecord() ([]byte, error)
}

// Future is the caller-visible handle for an admitted operation. It
// resolves to the operation's durably assigned sequence number, or to the
// error that caused it to fail. Modeled as a channel-backed promise, the
// idiomatic Go analogue of Tessera's IndexFuture func() (Index, error).
type Future struct {
	done chan struct{}

	mu  sync.Mutex
	seq uint64
	err error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete resolves the future successfully. Safe to call at most once.
func (f *Future) complete(seq uint64) {
	f.mu.Lock()
	f.seq = seq
	f.mu.Unlock()
	close(f.done)
}

// fail resolves the future with an error. Safe to call at most once, and
// mutually exclusive with complete.
func (f *Future) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

// isDone reports whether the future has already been resolved, without
// blocking. Used by the processor loop's "not yet completed" precondition.
func (f *Future) isDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx is done, whichever comes
// first. Cancelling ctx does not affect the underlying operation:
// producer-side cancellation of the returned future is a no-op, the
// operation still processes to completion or failure independently.
func (f *Future) Wait(ctx context.Context) (uint64, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.seq, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// PendingOperation pairs an Operation with its single-shot Future.
// Lifetime: from successful enqueue until complete or fail; after that
// the Future is immutable.
type PendingOperation struct {
	Op     Operation
	Future *Future
}

func newPendingOperation(op Operation) *PendingOperation {
	return &PendingOperation{Op: op, Future: newFuture()}
}

func (p *PendingOperation) complete(seq uint64) {
	p.Future.complete(seq)
}

func (p *PendingOperation) fail(err error) {
	p.Future.fail(err)
}
