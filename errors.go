// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package opstore

import "github.com/dreamsxin/opstore/internal/types"

// These are aliased from internal/types so that callers of this module see
// a flat, stable error API while internal packages share a single set of
// sentinel values, keeping errors.Is working across package boundaries.
var (
	ErrClosed         = types.ErrClosed
	ErrBadOperation   = types.ErrBadOperation
	ErrBuilderClosed  = types.ErrBuilderClosed
	ErrIO             = types.ErrIO
	ErrNotPrimary     = types.ErrNotPrimary
	ErrDataCorruption = types.ErrDataCorruption
)

// IsFatal reports whether err is fatal: only loss-of-primary and data
// corruption stop the processor outright.
func IsFatal(err error) bool {
	return types.IsFatal(err)
}
