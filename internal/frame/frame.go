// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package frame implements the fixed-capacity data frame and the frame
// builder that packs operation records into it for durable writes. This
// core has no recovery reader, so there's no decoder to keep in lockstep
// here, just the writer-side framing the builder needs: a small fixed
// header followed by the payload bytes.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/dreamsxin/opstore/internal/types"
)

// recordHeaderLen is the fixed-size header written before every chunk of a
// serialized operation: 8 bytes sequence number, 4 bytes chunk length, 1
// byte "final chunk" flag.
const recordHeaderLen = 8 + 4 + 1

// DefaultFrameSize is the default fixed frame capacity, scaled for
// frames-within-a-segment rather than whole segment files.
const DefaultFrameSize = 1 << 20 // 1MiB

type recordHeader struct {
	seq      uint64
	chunkLen uint32
	final    bool
}

func putRecordHeader(buf []byte, h recordHeader) {
	binary.LittleEndian.PutUint64(buf[0:8], h.seq)
	binary.LittleEndian.PutUint32(buf[8:12], h.chunkLen)
	if h.final {
		buf[12] = 1
	} else {
		buf[12] = 0
	}
}

func readRecordHeader(buf []byte) (recordHeader, error) {
	if len(buf) < recordHeaderLen {
		return recordHeader{}, fmt.Errorf("%w: truncated record header", types.ErrDataCorruption)
	}
	return recordHeader{
		seq:      binary.LittleEndian.Uint64(buf[0:8]),
		chunkLen: binary.LittleEndian.Uint32(buf[8:12]),
		final:    buf[12] != 0,
	}, nil
}

// dataFrame is a fixed-capacity byte container holding one or more
// serialized operation records. A single operation may span multiple
// consecutive frames; Args tracks the bookkeeping the commit tracker needs
// once this frame is sealed.
type dataFrame struct {
	buf  []byte
	cap  int
	args *types.FrameArgs
}

func newDataFrame(capacity int) *dataFrame {
	return &dataFrame{
		buf:  make([]byte, 0, capacity),
		cap:  capacity,
		args: &types.FrameArgs{},
	}
}

func (f *dataFrame) isEmpty() bool { return len(f.buf) == 0 }

// remainingForRecord returns how many payload bytes can still be written
// to this frame, accounting for the header every chunk needs. The result
// is never negative; zero means the frame is full.
func (f *dataFrame) remainingForRecord() int {
	room := f.cap - len(f.buf) - recordHeaderLen
	if room < 0 {
		return 0
	}
	return room
}

// writeChunk appends one record (header + payload) for operation seq. It
// updates Args.LastStartedSequenceNumber unconditionally (this frame now
// contains bytes belonging to seq) and Args.LastFullySerializedSequenceNumber
// only if final is true.
func (f *dataFrame) writeChunk(seq uint64, chunk []byte, final bool) {
	var hdr [recordHeaderLen]byte
	putRecordHeader(hdr[:], recordHeader{seq: seq, chunkLen: uint32(len(chunk)), final: final})
	f.buf = append(f.buf, hdr[:]...)
	f.buf = append(f.buf, chunk...)

	f.args.LastStartedSequenceNumber = seq
	if final {
		f.args.LastFullySerializedSequenceNumber = seq
	}
	f.args.Length = len(f.buf)
}
