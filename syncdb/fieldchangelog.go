// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package syncdb

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/syncwave/syncwave/synclog"
)

// ensures that fieldChangeLog implements synclog.FieldChangeLogDB.
var _ synclog.FieldChangeLogDB = (*fieldChangeLog)(nil)

type fieldChangeLog struct {
	db *DB
}

// Insert appends a field entry and bumps the record's sync metadata in
// one transaction. The field log keeps its own version counter per
// entity, independent of the entity-level log. The counter is bumped
// first: its row lock serializes concurrent field writers for the
// entity, so the merge check always sees the last committed change. A
// rejected write rolls the allocation back and leaves no gap.
func (f *fieldChangeLog) Insert(ctx context.Context, entry synclog.FieldChangeLogEntry, merge synclog.MergeCheck) (_ synclog.FieldChangeLogEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := f.db.pool.Begin(ctx)
	if err != nil {
		return synclog.FieldChangeLogEntry{}, synclog.ErrStorage.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.Background())
		}
	}()

	version, err := nextVersion(ctx, tx, entry.Entity, scopeFieldLog)
	if err != nil {
		return synclog.FieldChangeLogEntry{}, synclog.ErrStorage.Wrap(err)
	}
	entry.Version = version

	if merge != nil {
		last, lastErr := lastFieldChange(ctx, tx, entry.Entity, entry.EntityID, entry.Field)
		if lastErr != nil {
			return synclog.FieldChangeLogEntry{}, synclog.ErrStorage.Wrap(lastErr)
		}
		if err = merge(last); err != nil {
			return synclog.FieldChangeLogEntry{}, err
		}
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO field_change_log (entity, entity_id, field, action, value, version, client_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		entry.Entity, entry.EntityID, entry.Field, string(entry.Action),
		entry.Value, entry.Version, entry.ClientID, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return synclog.FieldChangeLogEntry{}, synclog.ErrStorage.Wrap(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sync_metadata (entity, entity_id, version, modified_at, client_id)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (entity, entity_id)
		DO UPDATE SET version = sync_metadata.version + 1, modified_at = $3, client_id = $4`,
		entry.Entity, entry.EntityID, entry.CreatedAt, entry.ClientID)
	if err != nil {
		return synclog.FieldChangeLogEntry{}, synclog.ErrStorage.Wrap(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return synclog.FieldChangeLogEntry{}, synclog.ErrStorage.Wrap(err)
	}
	return entry, nil
}

// GetChangesSince returns field entries with version > since, ascending.
func (f *fieldChangeLog) GetChangesSince(ctx context.Context, entity string, since int64) (_ []synclog.FieldChangeLogEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := f.db.pool.Query(ctx, `
		SELECT id, entity, entity_id, field, action, value, version, client_id, created_at
		FROM field_change_log
		WHERE entity = $1 AND version > $2
		ORDER BY version ASC`,
		entity, since)
	if err != nil {
		return nil, synclog.ErrStorage.Wrap(err)
	}
	defer rows.Close()

	var entries []synclog.FieldChangeLogEntry
	for rows.Next() {
		entry, err := scanFieldEntry(rows)
		if err != nil {
			return nil, synclog.ErrStorage.Wrap(err)
		}
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, synclog.ErrStorage.Wrap(err)
	}
	return entries, nil
}

// LatestVersion returns the field log's high-water mark for the entity.
func (f *fieldChangeLog) LatestVersion(ctx context.Context, entity string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var version int64
	err = f.db.pool.QueryRow(ctx, `
		SELECT version FROM entity_versions WHERE entity = $1 AND scope = $2`,
		entity, scopeFieldLog).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, synclog.ErrStorage.Wrap(err)
	}
	return version, nil
}

// lastFieldChange reads the most recent entry for one field of one
// record inside tx, nil when the field has never been written.
func lastFieldChange(ctx context.Context, tx pgx.Tx, entity, entityID, field string) (*synclog.FieldChangeLogEntry, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, entity, entity_id, field, action, value, version, client_id, created_at
		FROM field_change_log
		WHERE entity = $1 AND entity_id = $2 AND field = $3
		ORDER BY version DESC
		LIMIT 1`,
		entity, entityID, field)

	entry, err := scanFieldEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// scanFieldEntry reads one field_change_log row.
func scanFieldEntry(row pgx.Row) (synclog.FieldChangeLogEntry, error) {
	var entry synclog.FieldChangeLogEntry
	var action string
	err := row.Scan(&entry.ID, &entry.Entity, &entry.EntityID, &entry.Field,
		&action, &entry.Value, &entry.Version, &entry.ClientID, &entry.CreatedAt)
	if err != nil {
		return synclog.FieldChangeLogEntry{}, err
	}
	entry.Action = synclog.Action(action)
	return entry, nil
}
