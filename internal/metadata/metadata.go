// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package metadata implements the metadata updater: a layered stack of
// speculative update transactions over a ContainerMetadata, guarded by a
// single write lock the way committed state is layered elsewhere in this
// module -- here the "snapshot" is a transaction layer of segment
// overrides instead of a full committed catalog.
package metadata

import (
	"sync"

	"github.com/dreamsxin/opstore/internal/types"
)

// SegmentMetadata is the minimal per-segment catalog entry this module
// needs to exercise pre-process/accept/commit/rollback end-to-end. A
// production container metadata would track a great deal more (start
// offsets, storage tier placement, last-modified, ...); ContainerMetadata
// is treated purely as an external collaborator here, so this is
// intentionally scaffolding, not a full segment store.
type SegmentMetadata struct {
	Name       string
	Length     int64
	Sealed     bool
	MergedInto string
	Attributes map[string]int64
}

func (s *SegmentMetadata) clone() *SegmentMetadata {
	if s == nil {
		return nil
	}
	c := *s
	c.Attributes = make(map[string]int64, len(s.Attributes))
	for k, v := range s.Attributes {
		c.Attributes[k] = v
	}
	return &c
}

// ContainerMetadata is the mutable model of segments, lengths, attributes,
// and seal state that backs a single container. It is treated as an
// external collaborator; this package provides both the interface and a
// concrete in-memory implementation.
type ContainerMetadata interface {
	// Segment returns the base (durably committed) view of a segment.
	Segment(name string) (*SegmentMetadata, bool)

	// PutSegment replaces the base view of a segment wholesale. Called
	// only while merging committed transaction layers into the base.
	PutSegment(seg *SegmentMetadata)

	// RecordTruncationMarker records a durable truncation point directly
	// against the base, bypassing the transaction stack entirely.
	// Idempotent.
	RecordTruncationMarker(seqNo uint64, addr types.LogAddress)

	// TruncationMarker returns the most recently recorded marker.
	TruncationMarker() (uint64, types.LogAddress)

	// Snapshot returns a deep copy of every segment, for equality checks
	// against a direct replay.
	Snapshot() map[string]*SegmentMetadata
}

// InMemory is the default ContainerMetadata.
type InMemory struct {
	mu       sync.Mutex
	segments map[string]*SegmentMetadata

	truncSeq  uint64
	truncAddr types.LogAddress
}

// NewInMemory returns an empty ContainerMetadata.
func NewInMemory() *InMemory {
	return &InMemory{segments: make(map[string]*SegmentMetadata)}
}

func (m *InMemory) Segment(name string) (*SegmentMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[name]
	return seg.clone(), ok
}

func (m *InMemory) PutSegment(seg *SegmentMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[seg.Name] = seg.clone()
}

func (m *InMemory) RecordTruncationMarker(seqNo uint64, addr types.LogAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seqNo <= m.truncSeq {
		return
	}
	m.truncSeq = seqNo
	m.truncAddr = addr
}

func (m *InMemory) TruncationMarker() (uint64, types.LogAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.truncSeq, m.truncAddr
}

func (m *InMemory) Snapshot() map[string]*SegmentMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*SegmentMetadata, len(m.segments))
	for k, v := range m.segments {
		out[k] = v.clone()
	}
	return out
}
