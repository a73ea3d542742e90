// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package metadata

import (
	"fmt"
	"sync"

	"github.com/dreamsxin/opstore/internal/types"
)

// OpKind classifies the handful of segment mutations this module knows how
// to validate and apply. The operation catalog is treated as open-ended
// elsewhere in the module; this is the closed set needed to exercise
// pre-process/accept/commit/rollback, not an exhaustive catalog.
type OpKind int

const (
	OpAppend OpKind = iota
	OpSeal
	OpMerge
	OpUpdateAttributes
	OpCheckpoint
)

// AttributeUpdateType is one of the three supported attribute update
// semantics.
type AttributeUpdateType int

const (
	AttributeReplace AttributeUpdateType = iota
	AttributeReplaceIfEquals
	AttributeAccumulate
)

// AttributeUpdate describes one attribute mutation within an
// UpdateAttributes intent. ComparisonValue is only consulted when Type is
// AttributeReplaceIfEquals.
type AttributeUpdate struct {
	Name            string
	Type            AttributeUpdateType
	Value           int64
	ComparisonValue int64
}

// Intent is the minimal view of an operation the updater needs in order to
// validate and apply it. It is defined here, rather than accepted as the
// root package's Operation type directly, so that this package never has
// to import the root package: the root package's concrete operation types
// implement Intent (and its sub-interfaces) instead.
type Intent interface {
	Kind() OpKind
	Segment() string
}

// AppendIntent is the Intent view of an append operation.
type AppendIntent interface {
	Intent
	Length() int64
}

// OffsetSetter is implemented by append intents that want PreProcess to
// assign their starting offset (the target segment's current length as of
// validation time). Optional: an intent that doesn't implement it just
// won't have an offset assigned.
type OffsetSetter interface {
	SetOffset(offset int64)
}

// MergeIntent is the Intent view of a merge operation; Segment is the
// target, Source is the segment being merged away.
type MergeIntent interface {
	Intent
	Source() string
}

// AttributeIntent is the Intent view of an UpdateAttributes operation.
type AttributeIntent interface {
	Intent
	AttributeUpdates() []AttributeUpdate
}

// Updater is the default metadata updater: a next-operation-sequence-number
// counter plus a layered transaction stack over a ContainerMetadata.
type Updater struct {
	mu      sync.Mutex
	nextSeq uint64
	txns    *Stack
}

// NewUpdater returns an Updater over base, with sequence numbers starting
// at 1.
func NewUpdater(base ContainerMetadata) *Updater {
	return &Updater{nextSeq: 1, txns: NewStack(base)}
}

// NextOperationSequenceNumber returns the next strictly increasing
// sequence number, surviving across transaction seal/commit/rollback.
func (u *Updater) NextOperationSequenceNumber() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	seq := u.nextSeq
	u.nextSeq++
	return seq
}

// PreProcess validates intent against the current transactional view
// (including not-yet-committed mutations accepted earlier in this or an
// older sealed transaction) and assigns any metadata intent requires
// before acceptance, e.g. an append's target offset. It returns
// ErrBadOperation for a precondition violation a well-behaved caller
// should never trigger. It performs no consistency check of the metadata
// itself and never returns ErrDataCorruption.
func (u *Updater) PreProcess(intent Intent) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch intent.Kind() {
	case OpAppend:
		seg, ok := u.txns.Segment(intent.Segment())
		if !ok {
			return fmt.Errorf("%w: unknown segment %q", types.ErrBadOperation, intent.Segment())
		}
		if seg.Sealed {
			return fmt.Errorf("%w: segment %q is sealed", types.ErrBadOperation, intent.Segment())
		}
		if os, ok := intent.(OffsetSetter); ok {
			os.SetOffset(seg.Length)
		}

	case OpSeal:
		seg, ok := u.txns.Segment(intent.Segment())
		if !ok {
			return fmt.Errorf("%w: unknown segment %q", types.ErrBadOperation, intent.Segment())
		}
		if seg.Sealed {
			return fmt.Errorf("%w: segment %q already sealed", types.ErrBadOperation, intent.Segment())
		}

	case OpMerge:
		mi, ok := intent.(MergeIntent)
		if !ok {
			return fmt.Errorf("%w: merge intent missing source segment", types.ErrBadOperation)
		}
		src, ok := u.txns.Segment(mi.Source())
		if !ok {
			return fmt.Errorf("%w: unknown source segment %q", types.ErrBadOperation, mi.Source())
		}
		if !src.Sealed {
			return fmt.Errorf("%w: source segment %q must be sealed before merge", types.ErrBadOperation, mi.Source())
		}
		tgt, ok := u.txns.Segment(intent.Segment())
		if !ok {
			return fmt.Errorf("%w: unknown target segment %q", types.ErrBadOperation, intent.Segment())
		}
		if tgt.Sealed {
			return fmt.Errorf("%w: target segment %q is sealed", types.ErrBadOperation, intent.Segment())
		}

	case OpUpdateAttributes:
		seg, ok := u.txns.Segment(intent.Segment())
		if !ok {
			return fmt.Errorf("%w: unknown segment %q", types.ErrBadOperation, intent.Segment())
		}
		ai, ok := intent.(AttributeIntent)
		if !ok {
			return fmt.Errorf("%w: attribute intent missing updates", types.ErrBadOperation)
		}
		for _, au := range ai.AttributeUpdates() {
			if au.Type == AttributeReplaceIfEquals && seg.Attributes[au.Name] != au.ComparisonValue {
				return fmt.Errorf("%w: attribute %q comparison mismatch on segment %q", types.ErrBadOperation, au.Name, intent.Segment())
			}
		}

	case OpCheckpoint:
		// Checkpoints carry no segment mutation; nothing to validate.

	default:
		return fmt.Errorf("%w: unrecognized operation kind", types.ErrBadOperation)
	}

	return nil
}

// Accept applies intent's effect into the current open transaction. Must
// only be called after a successful PreProcess for the same intent.
func (u *Updater) Accept(intent Intent) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch intent.Kind() {
	case OpAppend:
		ai := intent.(AppendIntent)
		seg, _ := u.txns.Segment(intent.Segment())
		seg.Length += ai.Length()
		u.txns.SetOverride(seg)

	case OpSeal:
		seg, _ := u.txns.Segment(intent.Segment())
		seg.Sealed = true
		u.txns.SetOverride(seg)

	case OpMerge:
		mi := intent.(MergeIntent)
		src, _ := u.txns.Segment(mi.Source())
		tgt, _ := u.txns.Segment(intent.Segment())
		tgt.Length += src.Length
		src.MergedInto = intent.Segment()
		u.txns.SetOverride(tgt)
		u.txns.SetOverride(src)

	case OpUpdateAttributes:
		ai := intent.(AttributeIntent)
		seg, _ := u.txns.Segment(intent.Segment())
		for _, au := range ai.AttributeUpdates() {
			switch au.Type {
			case AttributeReplace, AttributeReplaceIfEquals:
				seg.Attributes[au.Name] = au.Value
			case AttributeAccumulate:
				seg.Attributes[au.Name] += au.Value
			}
		}
		u.txns.SetOverride(seg)

	case OpCheckpoint:
		// No-op: a checkpoint exists only to mark a point in the frame
		// stream, not to mutate metadata.
	}
}

// SealTransaction seals the current open transaction and starts a fresh
// one, returning the sealed transaction's id. Takes u.mu so it is mutually
// exclusive with PreProcess/Accept: SealTransaction/Commit/Rollback are
// driven by the commit tracker's frame callbacks, and Commit/Rollback in
// particular run on the durable-log completion goroutines, concurrently
// with the processor loop's PreProcess/Accept, and the two sides must
// never touch the transaction stack concurrently.
func (u *Updater) SealTransaction() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.txns.SealTransaction()
}

// Commit merges every sealed transaction up to and including upToID into
// the base ContainerMetadata. See SealTransaction for why this takes u.mu.
func (u *Updater) Commit(upToID uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.txns.Commit(upToID)
}

// Rollback discards every transaction with id >= fromID. See
// SealTransaction for why this takes u.mu.
func (u *Updater) Rollback(fromID uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.txns.Rollback(fromID)
}

// RecordTruncationMarker applies directly to the base metadata, bypassing
// the transaction stack.
func (u *Updater) RecordTruncationMarker(seqNo uint64, addr types.LogAddress) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.txns.base.RecordTruncationMarker(seqNo, addr)
}

// Segment returns the current transactional view of a segment, for callers
// (e.g. the memory state updater or tests) that need to read without
// triggering validation.
func (u *Updater) Segment(name string) (*SegmentMetadata, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.txns.Segment(name)
}
