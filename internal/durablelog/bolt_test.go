// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package durablelog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dreamsxin/opstore/internal/types"
	"github.com/stretchr/testify/require"
)

func openTestBolt(t *testing.T) *Bolt {
	t.Helper()
	dir := t.TempDir()
	b, err := OpenBolt(filepath.Join(dir, "frames.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBoltAppendAndRecordRoundTrip(t *testing.T) {
	b := openTestBolt(t)
	ctx := context.Background()

	addr, done, err := b.Append(ctx, []byte("payload-1"))
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, uint64(1), addr.Sequence)

	got, err := b.Record(addr.Sequence)
	require.NoError(t, err)
	require.Equal(t, []byte("payload-1"), got)
}

func TestBoltAppendSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frames.db")

	b1, err := OpenBolt(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, done, err := b1.Append(context.Background(), []byte("x"))
		require.NoError(t, err)
		require.NoError(t, <-done)
	}
	require.NoError(t, b1.Close())

	b2, err := OpenBolt(path)
	require.NoError(t, err)
	defer b2.Close()

	addr, done, err := b2.Append(context.Background(), []byte("y"))
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, uint64(4), addr.Sequence)
}

func TestBoltClosedRejectsAppend(t *testing.T) {
	b := openTestBolt(t)
	require.NoError(t, b.Close())

	_, _, err := b.Append(context.Background(), []byte("x"))
	require.ErrorIs(t, err, types.ErrIO)
}

func TestBoltRecordMissingReturnsNil(t *testing.T) {
	b := openTestBolt(t)

	got, err := b.Record(999)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestOpenBoltCreatesParentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frames.db")

	b, err := OpenBolt(path)
	require.NoError(t, err)
	defer b.Close()

	_, err = os.Stat(path)
	require.NoError(t, err)
}
