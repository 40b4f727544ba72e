// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package synclog

import (
	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the synclog package.
	Error = errs.Class("synclog")

	// ErrStorage is returned when the underlying log store fails.
	// It is fatal to the triggering request, not to the process.
	ErrStorage = errs.Class("synclog: storage")

	// ErrVersionMismatch is returned when a guarded write observes a
	// per-record version different from the one the client expected.
	// It is an expected, recoverable outcome, not a storage failure.
	ErrVersionMismatch = errs.Class("synclog: version mismatch")

	// ErrStaleFieldWrite is returned when the field merge strategy
	// rejects a racing field write before it is appended.
	ErrStaleFieldWrite = errs.Class("synclog: stale field write")

	// ErrNotFound is returned when no sync metadata exists for a record.
	ErrNotFound = errs.Class("synclog: not found")
)
