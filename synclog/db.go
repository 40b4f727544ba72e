// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package synclog

import (
	"context"
)

// ChangeLogDB defines storage operations for the entity-level change log.
//
// Insert must allocate version = LatestVersion(entity)+1 atomically with
// the append, so that two concurrent writers to the same entity can never
// both observe the same high-water mark. When expected is non-nil the
// per-record metadata version is checked inside the same transaction; a
// mismatch returns ErrVersionMismatch and consumes no version.
type ChangeLogDB interface {
	// Insert appends an entry, allocating its version and updating the
	// record's sync metadata in one transaction.
	Insert(ctx context.Context, entry ChangeLogEntry, expected *int64) (ChangeLogEntry, error)

	// GetChangesSince returns entries with version > since in ascending
	// version order. Safe to call repeatedly with a non-decreasing cursor.
	GetChangesSince(ctx context.Context, entity string, since int64) ([]ChangeLogEntry, error)

	// LatestVersion returns the entity's current high-water mark, 0 when
	// the entity has no entries yet.
	LatestVersion(ctx context.Context, entity string) (int64, error)

	// GetMetadata returns the per-record sync metadata, ErrNotFound when
	// the record has never been written.
	GetMetadata(ctx context.Context, entity, entityID string) (SyncMetadata, error)
}

// MergeCheck decides whether a field write may append given the stored
// last change for the same field, nil when the field has never been
// written. Returning an error rejects the write.
type MergeCheck func(last *FieldChangeLogEntry) error

// FieldChangeLogDB defines storage operations for the field-level change log.
type FieldChangeLogDB interface {
	// Insert appends a field entry, allocating its version (scoped to the
	// entity's field log) atomically. merge, when non-nil, is evaluated
	// against the stored last change for the same field inside the same
	// serialization scope as the append, so two racing writes can never
	// both pass against the same stored state. A rejected write consumes
	// no version.
	Insert(ctx context.Context, entry FieldChangeLogEntry, merge MergeCheck) (FieldChangeLogEntry, error)

	// GetChangesSince returns field entries with version > since, ascending.
	GetChangesSince(ctx context.Context, entity string, since int64) ([]FieldChangeLogEntry, error)

	// LatestVersion returns the field log's high-water mark for the entity.
	LatestVersion(ctx context.Context, entity string) (int64, error)
}
