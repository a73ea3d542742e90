// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package durablelog

import (
	"context"
	"sync"

	"github.com/dreamsxin/opstore/internal/types"
)

// Memory is an in-memory DurableLog: it implements the real interface
// entirely in memory so unit tests can drive the processor without
// touching disk, while still exercising the real Append/Close contract
// (strictly increasing sequence numbers, NotPrimary/IoError injection).
type Memory struct {
	mu sync.Mutex

	records [][]byte
	nextSeq uint64

	// epoch fences out a previous primary: once Fence is called, Append
	// calls from this handle (opened at callerFence) return ErrNotPrimary,
	// modeling loss-of-primary detection.
	epoch       uint64
	callerFence uint64

	// FailNext, if set, is delivered (and cleared) on the done channel of
	// the next Append call instead of nil, letting tests simulate a
	// transient, asynchronously-detected IoError.
	FailNext error

	closed bool
}

// NewMemory returns a Memory DurableLog fenced to epoch 1.
func NewMemory() *Memory {
	return &Memory{epoch: 1, callerFence: 1, nextSeq: 1}
}

// Fence simulates another writer taking ownership of the log: subsequent
// Append calls from the holder of the old epoch fail with ErrNotPrimary.
func (m *Memory) Fence() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
}

func (m *Memory) Append(ctx context.Context, p []byte) (types.LogAddress, <-chan error, error) {
	if err := ctx.Err(); err != nil {
		return types.LogAddress{}, nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.LogAddress{}, nil, types.ErrIO
	}
	if m.callerFence != m.epoch {
		m.mu.Unlock()
		return types.LogAddress{}, nil, types.ErrNotPrimary
	}

	seq := m.nextSeq
	m.nextSeq++

	fail := m.FailNext
	m.FailNext = nil
	m.mu.Unlock()

	done := make(chan error, 1)
	if fail != nil {
		done <- fail
		return types.LogAddress{Sequence: seq}, done, nil
	}

	m.mu.Lock()
	cp := make([]byte, len(p))
	copy(cp, p)
	m.records = append(m.records, cp)
	phys := uint64(len(m.records) - 1)
	m.mu.Unlock()

	done <- nil
	return types.LogAddress{Sequence: seq, Physical: phys}, done, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Record returns the bytes written at physical offset idx, for test
// assertions about what actually got persisted.
func (m *Memory) Record(idx uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx >= uint64(len(m.records)) {
		return nil
	}
	return m.records[idx]
}

// Len returns the number of records appended so far.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
