// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsFatal(t *testing.T) {
	cases := []struct {
		err   error
		fatal bool
	}{
		{ErrDataCorruption, true},
		{ErrNotPrimary, true},
		{fmt.Errorf("wrapped: %w", ErrNotPrimary), true},
		{ErrClosed, false},
		{ErrBadOperation, false},
		{ErrBuilderClosed, false},
		{ErrIO, false},
		{nil, false},
	}

	for _, c := range cases {
		require.Equal(t, c.fatal, IsFatal(c.err), "IsFatal(%v)", c.err)
	}
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	all := []error{ErrClosed, ErrBadOperation, ErrBuilderClosed, ErrIO, ErrNotPrimary, ErrDataCorruption}
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			require.NotErrorIs(t, a, b)
		}
	}
}
