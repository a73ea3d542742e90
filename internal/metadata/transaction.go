// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package metadata

import (
	"sync"

	"github.com/benbjohnson/immutable"
)

// txnState is the lifecycle of a single layer in the stack.
type txnState int

const (
	txnOpen txnState = iota
	txnSealed
)

// layer holds the segment overrides accepted while it was the open
// transaction, keyed by segment name. Reads against the stack check the
// open layer, then sealed layers from most to least recent, before
// falling through to the base.
type layer struct {
	id        uint64
	state     txnState
	overrides map[string]*SegmentMetadata
}

func newLayer(id uint64) *layer {
	return &layer{id: id, state: txnOpen, overrides: make(map[string]*SegmentMetadata)}
}

// Stack is the layered update-transaction stack: at most one open
// transaction at a time, any number of sealed-but-not-yet-resolved
// transactions beneath it, all backed by a single ContainerMetadata. It
// layers immutable.SortedMap snapshots the way a single write lock guards
// committed state elsewhere in this module, except the layering here holds
// speculative deltas rather than the full committed state.
type Stack struct {
	mu     sync.Mutex
	base   ContainerMetadata
	nextID uint64
	open   *layer
	sealed *immutable.SortedMap[uint64, *layer]
}

// NewStack returns a Stack with a single empty open transaction (id 0) over
// base.
func NewStack(base ContainerMetadata) *Stack {
	return &Stack{
		base:   base,
		nextID: 1,
		open:   newLayer(0),
		sealed: &immutable.SortedMap[uint64, *layer]{},
	}
}

// Segment returns the most up to date view of name, checking the open
// transaction, then sealed transactions newest-first, before falling back
// to the base.
func (s *Stack) Segment(name string) (*SegmentMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segmentLocked(name)
}

func (s *Stack) segmentLocked(name string) (*SegmentMetadata, bool) {
	if seg, ok := s.open.overrides[name]; ok {
		return seg.clone(), true
	}

	var found *SegmentMetadata
	it := s.sealed.Iterator()
	for !it.Done() {
		_, lyr, _ := it.Next()
		if seg, ok := lyr.overrides[name]; ok {
			found = seg
		}
	}
	if found != nil {
		return found.clone(), true
	}

	return s.base.Segment(name)
}

// SetOverride records seg as the open transaction's view of its segment.
func (s *Stack) SetOverride(seg *SegmentMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open.overrides[seg.Name] = seg.clone()
}

// SealTransaction seals the current open transaction -- creating it empty
// first if no operation ever accepted into it -- and opens a fresh one.
// Returns the id of the newly sealed transaction, not the fresh one.
// Repeated calls with nothing accepted in between still return fresh,
// strictly increasing ids.
func (s *Stack) SealTransaction() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealedID := s.open.id
	s.open.state = txnSealed
	s.sealed = s.sealed.Set(sealedID, s.open)

	s.open = newLayer(s.nextID)
	s.nextID++
	return sealedID
}

// Commit merges every sealed transaction with id <= upToID into the base,
// oldest first, then discards them. Transactions are expected to have been
// sealed in the order they should commit; a transaction is never committed
// out of order relative to ones still sealed beneath it.
func (s *Stack) Commit(upToID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resolved []uint64
	it := s.sealed.Iterator()
	for !it.Done() {
		id, lyr, _ := it.Next()
		if id > upToID {
			break
		}
		for _, seg := range lyr.overrides {
			s.base.PutSegment(seg)
		}
		resolved = append(resolved, id)
	}
	for _, id := range resolved {
		s.sealed = s.sealed.Delete(id)
	}
}

// Rollback discards every transaction with id >= fromID, sealed or open.
// The open transaction, if discarded, is replaced with a fresh empty one
// holding the same id -- no new id is consumed, since rollback never
// represents forward progress.
func (s *Stack) Rollback(fromID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resolved []uint64
	it := s.sealed.Iterator()
	for !it.Done() {
		id, _, _ := it.Next()
		if id >= fromID {
			resolved = append(resolved, id)
		}
	}
	for _, id := range resolved {
		s.sealed = s.sealed.Delete(id)
	}

	if s.open.id >= fromID {
		s.open = newLayer(s.open.id)
	}
}

// OpenID returns the id of the current open transaction, without sealing
// it.
func (s *Stack) OpenID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open.id
}
