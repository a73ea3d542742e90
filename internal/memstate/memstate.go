// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package memstate implements an in-memory state updater: a read index
// kept in lockstep with durably committed operations, serving recent
// appends out of memory so readers don't have to wait on the durable log.
// It is an external collaborator the commit tracker calls synchronously,
// under its lock, once an operation's frame is durably committed, so
// Process must never block and may only fail with ErrDataCorruption.
package memstate

import (
	"fmt"
	"sync"

	"github.com/dreamsxin/opstore/internal/types"
)

// Update is the minimal view of an accepted append the state updater needs:
// the segment it targets, the offset it starts at, and its payload.
type Update struct {
	Segment string
	Offset  int64
	Data    []byte
}

// Updater is the MemoryStateUpdater collaborator.
type Updater interface {
	// Process appends data to the in-memory read index for a durably
	// committed operation. It may only fail with ErrDataCorruption (e.g. u.Offset
	// does not abut the segment's current in-memory length); any other
	// failure would indicate a bug in the caller, not a fact about the
	// operation.
	Process(u Update) error

	// Flush discards in-memory entries once their data is known durable
	// and no longer needed to serve reads faster than the durable log
	// would. A more selective implementation might evict based on storage
	// offset; this one is simpler and evicts all buffered bytes once
	// called, keeping only each segment's end offset so the next Process
	// for that segment must still continue exactly where the last one
	// ended.
	Flush()

	// Read returns the bytes held in memory for segment starting at
	// offset, for tests and any read path built atop this module.
	Read(segment string, offset int64) ([]byte, bool)
}

type segmentBuffer struct {
	base int64
	data []byte
}

// InMemory is the default Updater: one contiguous byte buffer per segment,
// requiring appends to land exactly at the buffer's current end.
type InMemory struct {
	mu       sync.Mutex
	segments map[string]*segmentBuffer
}

// New returns an empty InMemory state updater.
func New() *InMemory {
	return &InMemory{segments: make(map[string]*segmentBuffer)}
}

func (m *InMemory) Process(u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.segments[u.Segment]
	if !ok {
		if u.Offset != 0 {
			return fmt.Errorf("%w: first write to segment %q at non-zero offset %d", types.ErrDataCorruption, u.Segment, u.Offset)
		}
		buf = &segmentBuffer{base: 0}
		m.segments[u.Segment] = buf
	}

	end := buf.base + int64(len(buf.data))
	if u.Offset != end {
		return fmt.Errorf("%w: out-of-order write to segment %q: offset %d, expected %d", types.ErrDataCorruption, u.Segment, u.Offset, end)
	}

	buf.data = append(buf.data, u.Data...)
	return nil
}

func (m *InMemory) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, buf := range m.segments {
		buf.base += int64(len(buf.data))
		buf.data = nil
	}
}

func (m *InMemory) Read(segment string, offset int64) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.segments[segment]
	if !ok || offset < buf.base || offset > buf.base+int64(len(buf.data)) {
		return nil, false
	}
	start := offset - buf.base
	out := make([]byte, len(buf.data)-int(start))
	copy(out, buf.data[start:])
	return out, true
}
