// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package frame

import (
	"context"
	"fmt"
	"sync"

	"github.com/dreamsxin/opstore/internal/durablelog"
	"github.com/dreamsxin/opstore/internal/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Callbacks are the three frame-lifecycle hooks the builder invokes.
// Checkpoint fires synchronously from the goroutine calling Append/Flush,
// before the frame's bytes are handed to the durable log. Commit and Fail
// fire from whatever goroutine the DurableLog uses to report completion;
// the Builder resequences Commit so it always fires in strictly increasing
// LogAddress.Sequence order even when the underlying log acknowledges out
// of order.
type Callbacks struct {
	Checkpoint func(args *types.FrameArgs)
	Commit     func(args *types.FrameArgs)
	Fail       func(err error, args *types.FrameArgs)
}

// Builder serializes operations into fixed-size DataFrames and writes
// filled frames to a DurableLog with bounded concurrency. Only one
// goroutine at a time is expected to call Append/Flush (the processor
// loop), matching a single-writer design; Close may race with that
// goroutine only in the sense that it's called after the loop has stopped
// feeding it.
type Builder struct {
	log           durablelog.DurableLog
	frameSize     int
	maxConcurrent int
	cb            Callbacks
	logger        log.Logger

	mu      sync.Mutex
	current *dataFrame
	failure error
	closed  bool

	sem chan struct{}
	wg  sync.WaitGroup

	seqMu        sync.Mutex
	nextDispatch uint64
	nextDeliver  uint64
	pending      map[uint64]pendingResult
}

type pendingResult struct {
	args *types.FrameArgs
	err  error
}

// NewBuilder constructs a Builder. frameSize <= 0 uses DefaultFrameSize;
// maxConcurrent <= 0 is treated as 1.
func NewBuilder(durableLog durablelog.DurableLog, frameSize, maxConcurrent int, cb Callbacks, logger log.Logger) *Builder {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Builder{
		log:           durableLog,
		frameSize:     frameSize,
		maxConcurrent: maxConcurrent,
		cb:            cb,
		logger:        logger,
		sem:           make(chan struct{}, maxConcurrent),
		pending:       make(map[uint64]pendingResult),
	}
}

// Append serializes payload (the already-marshaled record bytes for
// operation seq) into the current in-progress frame, spilling across as
// many additional frames as needed. Each time a frame fills it is sealed,
// checkpointed, and dispatched to the durable log before serialization
// continues into a fresh frame.
func (b *Builder) Append(ctx context.Context, seq uint64, payload []byte) error {
	b.mu.Lock()
	if err := b.checkOpenLocked(); err != nil {
		b.mu.Unlock()
		return err
	}

	offset := 0
	for {
		if b.current == nil {
			b.current = newDataFrame(b.frameSize)
		}

		avail := b.current.remainingForRecord()
		if avail <= 0 {
			sealed := b.current
			b.current = nil
			b.mu.Unlock()

			if err := b.sealAndDispatch(ctx, sealed); err != nil {
				return err
			}

			b.mu.Lock()
			if err := b.checkOpenLocked(); err != nil {
				b.mu.Unlock()
				return err
			}
			continue
		}

		chunkLen := avail
		if remaining := len(payload) - offset; remaining < chunkLen {
			chunkLen = remaining
		}
		final := offset+chunkLen >= len(payload)

		b.current.writeChunk(seq, payload[offset:offset+chunkLen], final)
		offset += chunkLen

		if final {
			break
		}
	}
	b.mu.Unlock()
	return nil
}

// Flush seals the current in-progress frame, if non-empty, and initiates
// its write.
func (b *Builder) Flush(ctx context.Context) error {
	b.mu.Lock()
	if err := b.checkOpenLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if b.current == nil || b.current.isEmpty() {
		b.mu.Unlock()
		return nil
	}
	sealed := b.current
	b.current = nil
	b.mu.Unlock()

	return b.sealAndDispatch(ctx, sealed)
}

// Close flushes and awaits durable completion of all in-flight writes.
// Must be called on clean shutdown. Idempotent.
func (b *Builder) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.wg.Wait()
		return b.failure
	}
	cur := b.current
	b.current = nil
	b.closed = true
	b.mu.Unlock()

	if cur != nil && !cur.isEmpty() {
		// Best effort: a dispatch failure here is already latched and
		// observable via FailureCause; Close still waits for everything
		// else in flight to finish before returning.
		_ = b.sealAndDispatch(ctx, cur)
	}

	b.wg.Wait()
	return b.FailureCause()
}

// FailureCause returns the latched write failure, if any. Once latched,
// all further Append/Flush calls fail with ErrBuilderClosed.
func (b *Builder) FailureCause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failure
}

func (b *Builder) checkOpenLocked() error {
	if b.failure != nil {
		return fmt.Errorf("%w: %v", types.ErrBuilderClosed, b.failure)
	}
	if b.closed {
		return types.ErrBuilderClosed
	}
	return nil
}

func (b *Builder) latchFailure(err error) {
	b.mu.Lock()
	if b.failure == nil {
		b.failure = err
	}
	b.mu.Unlock()
}

// sealAndDispatch invokes the checkpoint callback synchronously, then hands
// the frame to the durable log. maxConcurrent outstanding writes are
// allowed at once; beyond that, dispatch blocks the calling goroutine,
// which is how backpressure on the frame builder propagates to the
// processor loop.
func (b *Builder) sealAndDispatch(ctx context.Context, f *dataFrame) error {
	if b.cb.Checkpoint != nil {
		b.cb.Checkpoint(f.args)
	}

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.seqMu.Lock()
	idx := b.nextDispatch
	b.nextDispatch++
	b.seqMu.Unlock()

	addr, done, err := b.log.Append(ctx, f.buf)
	if err != nil {
		<-b.sem
		b.latchFailure(err)
		level.Error(b.logger).Log("msg", "frame dispatch failed", "err", err)
		b.deliver(idx, f.args, err)
		return err
	}
	f.args.LogAddress = addr

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		writeErr := <-done
		<-b.sem
		if writeErr != nil {
			b.latchFailure(writeErr)
			level.Error(b.logger).Log("msg", "frame write failed", "err", writeErr, "seq", addr.Sequence)
		}
		b.deliver(idx, f.args, writeErr)
	}()

	return nil
}

// deliver resequences frame outcomes so Commit (and, for consistency, Fail)
// callbacks for dispatch index idx only fire once every earlier dispatch
// has already been delivered.
func (b *Builder) deliver(idx uint64, args *types.FrameArgs, err error) {
	b.seqMu.Lock()
	b.pending[idx] = pendingResult{args: args, err: err}
	for {
		res, ok := b.pending[b.nextDeliver]
		if !ok {
			break
		}
		delete(b.pending, b.nextDeliver)
		b.nextDeliver++
		b.seqMu.Unlock()

		if res.err != nil {
			if b.cb.Fail != nil {
				b.cb.Fail(res.err, res.args)
			}
		} else if b.cb.Commit != nil {
			b.cb.Commit(res.args)
		}

		b.seqMu.Lock()
	}
	b.seqMu.Unlock()
}
