// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStackReadsOverrideBeforeBase(t *testing.T) {
	base := NewInMemory()
	base.PutSegment(&SegmentMetadata{Name: "s1", Length: 10})
	s := NewStack(base)

	s.SetOverride(&SegmentMetadata{Name: "s1", Length: 20})

	got, ok := s.Segment("s1")
	require.True(t, ok)
	require.Equal(t, int64(20), got.Length)
}

func TestStackSealOpensFreshLayerWithNewID(t *testing.T) {
	base := NewInMemory()
	s := NewStack(base)

	firstOpen := s.OpenID()
	sealedID := s.SealTransaction()
	require.Equal(t, firstOpen, sealedID)
	require.NotEqual(t, sealedID, s.OpenID())

	// Sealing twice in a row with nothing accepted still yields fresh,
	// strictly increasing ids.
	secondSealed := s.SealTransaction()
	require.Greater(t, secondSealed, sealedID)
}

func TestStackSealedLayerStillVisibleUntilCommit(t *testing.T) {
	base := NewInMemory()
	base.PutSegment(&SegmentMetadata{Name: "s1", Length: 0})
	s := NewStack(base)

	s.SetOverride(&SegmentMetadata{Name: "s1", Length: 5})
	sealedID := s.SealTransaction()

	got, ok := s.Segment("s1")
	require.True(t, ok)
	require.Equal(t, int64(5), got.Length, "sealed-but-uncommitted override must still be visible")

	// Base is untouched until Commit.
	baseSeg, _ := base.Segment("s1")
	require.Equal(t, int64(0), baseSeg.Length)

	s.Commit(sealedID)
	baseSeg, _ = base.Segment("s1")
	require.Equal(t, int64(5), baseSeg.Length)
}

func TestStackCommitIsOrderedAndExclusiveOfLaterLayers(t *testing.T) {
	base := NewInMemory()
	base.PutSegment(&SegmentMetadata{Name: "s1", Length: 0})
	s := NewStack(base)

	s.SetOverride(&SegmentMetadata{Name: "s1", Length: 1})
	id1 := s.SealTransaction()
	s.SetOverride(&SegmentMetadata{Name: "s1", Length: 2})
	id2 := s.SealTransaction()

	s.Commit(id1)
	baseSeg, _ := base.Segment("s1")
	require.Equal(t, int64(1), baseSeg.Length, "commit(id1) must not pull in id2's override")

	got, _ := s.Segment("s1")
	require.Equal(t, int64(2), got.Length, "id2's override remains visible through the stack")

	s.Commit(id2)
	baseSeg, _ = base.Segment("s1")
	require.Equal(t, int64(2), baseSeg.Length)
}

func TestStackRollbackDiscardsSealedAndOpenLayersFromID(t *testing.T) {
	base := NewInMemory()
	base.PutSegment(&SegmentMetadata{Name: "s1", Length: 0})
	s := NewStack(base)

	s.SetOverride(&SegmentMetadata{Name: "s1", Length: 1})
	id1 := s.SealTransaction()
	s.SetOverride(&SegmentMetadata{Name: "s1", Length: 2})
	openIDBeforeRollback := s.OpenID()

	s.Rollback(id1)

	got, _ := s.Segment("s1")
	require.Equal(t, int64(0), got.Length, "rollback must discard both the sealed and open layers at/after fromID")
	require.Equal(t, openIDBeforeRollback, s.OpenID(), "rollback must not consume a new transaction id")
}

func TestStackRollbackLeavesEarlierSealedLayersIntact(t *testing.T) {
	base := NewInMemory()
	base.PutSegment(&SegmentMetadata{Name: "s1", Length: 0})
	s := NewStack(base)

	s.SetOverride(&SegmentMetadata{Name: "s1", Length: 1})
	_ = s.SealTransaction()
	s.SetOverride(&SegmentMetadata{Name: "s1", Length: 2})
	id2 := s.SealTransaction()

	s.Rollback(id2)

	got, _ := s.Segment("s1")
	require.Equal(t, int64(1), got.Length, "rollback(id2) must preserve id1's sealed override")
}
