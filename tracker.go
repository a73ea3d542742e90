// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package opstore

import (
	"sync"

	"github.com/dreamsxin/opstore/internal/memstate"
	"github.com/dreamsxin/opstore/internal/metadata"
	"github.com/dreamsxin/opstore/internal/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// commitTracker is the FIFO of operations whose frame entries aren't yet
// durable, correlated against metadata-updater transaction ids by frame,
// guarded by a single shared lock.
//
// Its methods are invoked exclusively as frame.Callbacks from the
// builder, or from the processor loop when admitting a new operation.
type commitTracker struct {
	mu sync.Mutex

	pending                       []*PendingOperation
	txnByFrame                    map[*types.FrameArgs]uint64
	highestCommittedFrameSequence int64

	updater          *metadata.Updater
	memState         memstate.Updater
	checkpointPolicy MetadataCheckpointPolicy
	logger           log.Logger

	fatalOnce sync.Once
	onFatal   func(error)
}

func newCommitTracker(updater *metadata.Updater, memState memstate.Updater, policy MetadataCheckpointPolicy, onFatal func(error), logger log.Logger) *commitTracker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &commitTracker{
		txnByFrame:                    make(map[*types.FrameArgs]uint64),
		highestCommittedFrameSequence: -1,
		updater:                       updater,
		memState:                      memState,
		checkpointPolicy:              policy,
		onFatal:                       onFatal,
		logger:                        logger,
	}
}

// addPending pushes op to the tail of pending, then immediately tries to
// auto-complete a non-serializable prefix.
func (t *commitTracker) addPending(op *PendingOperation) {
	t.mu.Lock()
	t.pending = append(t.pending, op)
	t.mu.Unlock()

	t.autoCompletePrefix()
}

// autoCompletePrefix completes every non-serializable operation sitting at
// the head of pending: such operations have no frame entry, so no
// acknowledgment will ever arrive to unblock them otherwise.
func (t *commitTracker) autoCompletePrefix() {
	for {
		t.mu.Lock()
		if len(t.pending) == 0 || t.pending[0].Op.CanSerialize() {
			t.mu.Unlock()
			return
		}
		head := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()

		head.complete(head.Op.SequenceNumber())
	}
}

// checkpoint is the frame.Callbacks.Checkpoint hook: it seals the updater's
// current transaction and records which sealed transaction this frame is
// responsible for, atomically.
func (t *commitTracker) checkpoint(args *types.FrameArgs) {
	t.mu.Lock()
	defer t.mu.Unlock()

	txnID := t.updater.SealTransaction()
	t.txnByFrame[args] = txnID
}

// commit is the frame.Callbacks.Commit hook.
func (t *commitTracker) commit(args *types.FrameArgs) {
	t.mu.Lock()

	t.updater.RecordTruncationMarker(args.LastStartedSequenceNumber, args.LogAddress)

	if int64(args.LogAddress.Sequence) <= t.highestCommittedFrameSequence {
		// Late or duplicate acknowledgment: still account for the bytes,
		// but metadata and operation futures were already handled by
		// whichever commit actually advanced the high-water mark.
		t.checkpointPolicy.RecordCommit(args.Length)
		t.mu.Unlock()
		return
	}

	if txnID, ok := t.txnByFrame[args]; ok {
		delete(t.txnByFrame, args)
		for frame, id := range t.txnByFrame {
			if id <= txnID {
				delete(t.txnByFrame, frame)
			}
		}
		t.updater.Commit(txnID)
	}

	for len(t.pending) > 0 {
		head := t.pending[0]
		if head.Op.SequenceNumber() > args.LastFullySerializedSequenceNumber {
			break
		}
		t.pending = t.pending[1:]

		if me, ok := head.Op.(MemoryEffect); ok {
			if upd, has := me.MemoryUpdate(); has {
				if err := t.memState.Process(upd); err != nil {
					level.Error(t.logger).Log("msg", "memory state update failed", "err", err, "seq", head.Op.SequenceNumber())
					head.fail(err)
					t.mu.Unlock()
					t.fail(err, args)
					return
				}
			}
		}

		head.complete(head.Op.SequenceNumber())
	}

	t.memState.Flush()
	t.checkpointPolicy.RecordCommit(args.Length)
	t.highestCommittedFrameSequence = int64(args.LogAddress.Sequence)
	t.mu.Unlock()

	t.autoCompletePrefix()
}

// fail is the frame.Callbacks.Fail hook, and is also called directly by
// commit when memState.Process fails mid-commit. args may be nil, e.g.
// when the processor loop fails a batch before any frame was ever
// checkpointed.
func (t *commitTracker) fail(err error, args *types.FrameArgs) {
	t.mu.Lock()

	var fromID uint64
	if args != nil {
		if id, ok := t.txnByFrame[args]; ok {
			fromID = id
			delete(t.txnByFrame, args)
		}
	}
	for frame, id := range t.txnByFrame {
		if id >= fromID {
			delete(t.txnByFrame, frame)
		}
	}
	t.updater.Rollback(fromID)

	drained := make([]*PendingOperation, len(t.pending))
	copy(drained, t.pending)
	t.pending = t.pending[:0]

	var fireFatal bool
	if types.IsFatal(err) {
		t.fatalOnce.Do(func() { fireFatal = true })
	}
	t.mu.Unlock()

	// Tail to head, so that if a retried operation is re-enqueued from the
	// head while this drain is still in progress it keeps its place at the
	// front.
	for i := len(drained) - 1; i >= 0; i-- {
		drained[i].fail(err)
	}

	if fireFatal {
		level.Error(t.logger).Log("msg", "fatal error, processor stopping", "err", err)
		if t.onFatal != nil {
			t.onFatal(err)
		}
	}

	t.autoCompletePrefix()
}
