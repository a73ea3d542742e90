// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package opstore

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dreamsxin/opstore/internal/memstate"
	"github.com/dreamsxin/opstore/internal/metadata"
)

// recordKind is the single byte distinguishing operation records within a
// frame. There is no recovery reader in this module (see internal/frame's
// package doc), so this only needs to round-trip for writer-side tests.
type recordKind byte

const (
	recordAppend recordKind = iota
	recordSeal
	recordMerge
	recordUpdateAttributes
	recordCheckpoint
)

type baseOperation struct {
	seq uint64
}

func (b *baseOperation) SetSequenceNumber(seq uint64) { b.seq = seq }
func (b *baseOperation) SequenceNumber() uint64       { return b.seq }

// MemoryEffect is implemented by operations that need to push bytes into
// the in-memory state updater once durably committed. Operations that
// mutate only the segment catalog (seal, merge, attribute update,
// checkpoint) don't implement it.
type MemoryEffect interface {
	MemoryUpdate() (memstate.Update, bool)
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

// AppendOperation appends payload to the end of a segment.
type AppendOperation struct {
	baseOperation

	SegmentName string
	Payload     []byte

	offset int64
}

// NewAppendOperation returns an append of payload to segment. payload is
// not copied; callers must not mutate it after submission.
func NewAppendOperation(segment string, payload []byte) *AppendOperation {
	return &AppendOperation{SegmentName: segment, Payload: payload}
}

func (a *AppendOperation) CanSerialize() bool { return true }

func (a *AppendOperation) MarshalRecord() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(recordAppend))
	writeString(&buf, a.SegmentName)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(a.Payload)))
	buf.Write(lenBuf[:])
	buf.Write(a.Payload)
	return buf.Bytes(), nil
}

func (a *AppendOperation) Kind() metadata.OpKind { return metadata.OpAppend }
func (a *AppendOperation) Segment() string       { return a.SegmentName }
func (a *AppendOperation) Length() int64         { return int64(len(a.Payload)) }
func (a *AppendOperation) SetOffset(offset int64) { a.offset = offset }
func (a *AppendOperation) Offset() int64          { return a.offset }

func (a *AppendOperation) MemoryUpdate() (memstate.Update, bool) {
	return memstate.Update{Segment: a.SegmentName, Offset: a.offset, Data: a.Payload}, true
}

// SealOperation seals a segment, refusing all future appends to it.
type SealOperation struct {
	baseOperation

	SegmentName string
}

func NewSealOperation(segment string) *SealOperation {
	return &SealOperation{SegmentName: segment}
}

func (s *SealOperation) CanSerialize() bool { return true }

func (s *SealOperation) MarshalRecord() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(recordSeal))
	writeString(&buf, s.SegmentName)
	return buf.Bytes(), nil
}

func (s *SealOperation) Kind() metadata.OpKind { return metadata.OpSeal }
func (s *SealOperation) Segment() string       { return s.SegmentName }

// MergeOperation merges a sealed source segment into a target segment.
type MergeOperation struct {
	baseOperation

	TargetSegment string
	SourceSegment string
}

func NewMergeOperation(target, source string) *MergeOperation {
	return &MergeOperation{TargetSegment: target, SourceSegment: source}
}

func (m *MergeOperation) CanSerialize() bool { return true }

func (m *MergeOperation) MarshalRecord() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(recordMerge))
	writeString(&buf, m.TargetSegment)
	writeString(&buf, m.SourceSegment)
	return buf.Bytes(), nil
}

func (m *MergeOperation) Kind() metadata.OpKind { return metadata.OpMerge }
func (m *MergeOperation) Segment() string       { return m.TargetSegment }
func (m *MergeOperation) Source() string        { return m.SourceSegment }

// UpdateAttributesOperation applies a batch of attribute mutations to a
// segment, using Replace/ReplaceIfEquals/Accumulate semantics.
type UpdateAttributesOperation struct {
	baseOperation

	SegmentName string
	Updates     []metadata.AttributeUpdate
}

func NewUpdateAttributesOperation(segment string, updates []metadata.AttributeUpdate) *UpdateAttributesOperation {
	return &UpdateAttributesOperation{SegmentName: segment, Updates: updates}
}

func (u *UpdateAttributesOperation) CanSerialize() bool { return true }

func (u *UpdateAttributesOperation) MarshalRecord() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(recordUpdateAttributes))
	writeString(&buf, u.SegmentName)
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(u.Updates)))
	buf.Write(countBuf[:])
	for _, au := range u.Updates {
		writeString(&buf, au.Name)
		buf.WriteByte(byte(au.Type))
		var valBuf [16]byte
		binary.LittleEndian.PutUint64(valBuf[0:8], uint64(au.Value))
		binary.LittleEndian.PutUint64(valBuf[8:16], uint64(au.ComparisonValue))
		buf.Write(valBuf[:])
	}
	return buf.Bytes(), nil
}

func (u *UpdateAttributesOperation) Kind() metadata.OpKind { return metadata.OpUpdateAttributes }
func (u *UpdateAttributesOperation) Segment() string       { return u.SegmentName }
func (u *UpdateAttributesOperation) AttributeUpdates() []metadata.AttributeUpdate {
	return u.Updates
}

// CheckpointOperation is a durable, serializable marker with no segment
// mutation of its own; it exists only so the checkpoint policy can force a
// point in the frame stream that a recovery reader could anchor to.
type CheckpointOperation struct {
	baseOperation
}

func NewCheckpointOperation() *CheckpointOperation {
	return &CheckpointOperation{}
}

func (c *CheckpointOperation) CanSerialize() bool { return true }

func (c *CheckpointOperation) MarshalRecord() ([]byte, error) {
	return []byte{byte(recordCheckpoint)}, nil
}

func (c *CheckpointOperation) Kind() metadata.OpKind { return metadata.OpCheckpoint }
func (c *CheckpointOperation) Segment() string       { return "" }

// BarrierOperation is metadata-only: it produces no frame entry and
// auto-completes once every strictly-earlier operation has committed. It's
// useful as a synchronization point for callers that want to know "every
// append I've submitted so far is now durable" without paying for an
// actual durable write.
type BarrierOperation struct {
	baseOperation
}

func NewBarrierOperation() *BarrierOperation {
	return &BarrierOperation{}
}

func (b *BarrierOperation) CanSerialize() bool { return false }

func (b *BarrierOperation) MarshalRecord() ([]byte, error) {
	return nil, fmt.Errorf("opstore: BarrierOperation is not serializable")
}
