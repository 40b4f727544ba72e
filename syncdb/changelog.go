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

// ensures that changeLog implements synclog.ChangeLogDB.
var _ synclog.ChangeLogDB = (*changeLog)(nil)

type changeLog struct {
	db *DB
}

// Insert appends an entry and bumps the record's sync metadata in one
// transaction. The version is allocated first: the counter upsert locks
// the entity's row, so every writer for the entity is serialized before
// the guard reads the metadata and a concurrent writer's commit is
// visible to the guard that waited on it. A rejected write rolls the
// allocation back, so accepted versions stay gap-free.
func (c *changeLog) Insert(ctx context.Context, entry synclog.ChangeLogEntry, expected *int64) (_ synclog.ChangeLogEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := c.db.pool.Begin(ctx)
	if err != nil {
		return synclog.ChangeLogEntry{}, synclog.ErrStorage.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.Background())
		}
	}()

	version, err := nextVersion(ctx, tx, entry.Entity, scopeEntityLog)
	if err != nil {
		return synclog.ChangeLogEntry{}, synclog.ErrStorage.Wrap(err)
	}
	entry.Version = version

	if expected != nil {
		var current int64
		scanErr := tx.QueryRow(ctx, `
			SELECT version FROM sync_metadata
			WHERE entity = $1 AND entity_id = $2
			FOR UPDATE`,
			entry.Entity, entry.EntityID).Scan(&current)
		if scanErr != nil && !errors.Is(scanErr, pgx.ErrNoRows) {
			return synclog.ChangeLogEntry{}, synclog.ErrStorage.Wrap(scanErr)
		}
		if current != *expected {
			err = synclog.ErrVersionMismatch.New("%s/%s at version %d, client expected %d",
				entry.Entity, entry.EntityID, current, *expected)
			return synclog.ChangeLogEntry{}, err
		}
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO change_log (entity, entity_id, action, data, version, client_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		entry.Entity, entry.EntityID, string(entry.Action), entry.Data,
		entry.Version, entry.ClientID, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return synclog.ChangeLogEntry{}, synclog.ErrStorage.Wrap(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sync_metadata (entity, entity_id, version, modified_at, client_id)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (entity, entity_id)
		DO UPDATE SET version = sync_metadata.version + 1, modified_at = $3, client_id = $4`,
		entry.Entity, entry.EntityID, entry.CreatedAt, entry.ClientID)
	if err != nil {
		return synclog.ChangeLogEntry{}, synclog.ErrStorage.Wrap(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return synclog.ChangeLogEntry{}, synclog.ErrStorage.Wrap(err)
	}
	return entry, nil
}

// GetChangesSince returns entries with version > since, ascending.
func (c *changeLog) GetChangesSince(ctx context.Context, entity string, since int64) (_ []synclog.ChangeLogEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := c.db.pool.Query(ctx, `
		SELECT id, entity, entity_id, action, data, version, client_id, created_at
		FROM change_log
		WHERE entity = $1 AND version > $2
		ORDER BY version ASC`,
		entity, since)
	if err != nil {
		return nil, synclog.ErrStorage.Wrap(err)
	}
	defer rows.Close()

	var entries []synclog.ChangeLogEntry
	for rows.Next() {
		var entry synclog.ChangeLogEntry
		var action string
		err = rows.Scan(&entry.ID, &entry.Entity, &entry.EntityID, &action,
			&entry.Data, &entry.Version, &entry.ClientID, &entry.CreatedAt)
		if err != nil {
			return nil, synclog.ErrStorage.Wrap(err)
		}
		entry.Action = synclog.Action(action)
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, synclog.ErrStorage.Wrap(err)
	}
	return entries, nil
}

// LatestVersion returns the entity's current high-water mark.
func (c *changeLog) LatestVersion(ctx context.Context, entity string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var version int64
	err = c.db.pool.QueryRow(ctx, `
		SELECT version FROM entity_versions WHERE entity = $1 AND scope = $2`,
		entity, scopeEntityLog).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, synclog.ErrStorage.Wrap(err)
	}
	return version, nil
}

// GetMetadata returns the per-record sync metadata.
func (c *changeLog) GetMetadata(ctx context.Context, entity, entityID string) (_ synclog.SyncMetadata, err error) {
	defer mon.Task()(&ctx)(&err)

	meta := synclog.SyncMetadata{Entity: entity, EntityID: entityID}
	err = c.db.pool.QueryRow(ctx, `
		SELECT version, modified_at, client_id FROM sync_metadata
		WHERE entity = $1 AND entity_id = $2`,
		entity, entityID).Scan(&meta.Version, &meta.ModifiedAt, &meta.ClientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return synclog.SyncMetadata{}, synclog.ErrNotFound.New("%s/%s", entity, entityID)
	}
	if err != nil {
		return synclog.SyncMetadata{}, synclog.ErrStorage.Wrap(err)
	}
	return meta, nil
}
