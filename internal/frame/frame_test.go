// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package frame

import (
	"testing"

	"github.com/dreamsxin/opstore/internal/types"
	"github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestRecordHeaderRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 1)

	for i := 0; i < 200; i++ {
		var h recordHeader
		f.Fuzz(&h.seq)
		f.Fuzz(&h.chunkLen)
		h.final = i%2 == 0

		buf := make([]byte, recordHeaderLen)
		putRecordHeader(buf, h)

		got, err := readRecordHeader(buf)
		require.NoError(t, err)
		require.Equal(t, h, got)
	}
}

func TestReadRecordHeaderTruncated(t *testing.T) {
	_, err := readRecordHeader(make([]byte, recordHeaderLen-1))
	require.ErrorIs(t, err, types.ErrDataCorruption)
}

func TestDataFrameWriteChunk(t *testing.T) {
	f := newDataFrame(64)
	require.True(t, f.isEmpty())

	f.writeChunk(1, []byte("hello"), false)
	require.False(t, f.isEmpty())
	require.Equal(t, uint64(1), f.args.LastStartedSequenceNumber)
	require.Equal(t, uint64(0), f.args.LastFullySerializedSequenceNumber)

	f.writeChunk(1, []byte("world"), true)
	require.Equal(t, uint64(1), f.args.LastStartedSequenceNumber)
	require.Equal(t, uint64(1), f.args.LastFullySerializedSequenceNumber)
	require.Equal(t, len(f.buf), f.args.Length)
}

func TestDataFrameRemainingForRecordFloorsAtZero(t *testing.T) {
	f := newDataFrame(recordHeaderLen - 1)
	require.Equal(t, 0, f.remainingForRecord())
}
