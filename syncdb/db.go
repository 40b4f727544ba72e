// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

// Package syncdb implements the synclog storage interfaces on PostgreSQL.
package syncdb

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/syncwave/syncwave/synclog"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the syncdb package.
	Error = errs.Class("syncdb")
)

// DB provides access to the sync engine's Postgres-backed stores. The
// underlying pool is safe for concurrent use and is shared with the
// notification bridge.
type DB struct {
	log  *zap.Logger
	pool *pgxpool.Pool
}

// Open connects to the database.
func Open(ctx context.Context, log *zap.Logger, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, Error.Wrap(err)
	}
	return &DB{log: log, pool: pool}, nil
}

// Pool exposes the underlying connection pool for collaborators that
// need direct database access, e.g. pg_notify.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Close releases all pooled connections.
func (db *DB) Close() {
	db.pool.Close()
}

// ChangeLog returns the entity-level change log store.
func (db *DB) ChangeLog() synclog.ChangeLogDB {
	return &changeLog{db: db}
}

// FieldChangeLog returns the field-level change log store.
func (db *DB) FieldChangeLog() synclog.FieldChangeLogDB {
	return &fieldChangeLog{db: db}
}

// schema holds the DDL for the change log stores. Version counters live
// in their own table so allocation can take a row lock per (entity, log)
// scope without touching the append-only tables.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS change_log (
		id BIGSERIAL PRIMARY KEY,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		data JSONB,
		version BIGINT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (entity, version)
	)`,
	`CREATE INDEX IF NOT EXISTS change_log_entity_version_idx
		ON change_log (entity, version)`,
	`CREATE TABLE IF NOT EXISTS field_change_log (
		id BIGSERIAL PRIMARY KEY,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		field TEXT NOT NULL,
		action TEXT NOT NULL,
		value JSONB,
		version BIGINT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (entity, version)
	)`,
	`CREATE INDEX IF NOT EXISTS field_change_log_last_idx
		ON field_change_log (entity, entity_id, field, version DESC)`,
	`CREATE TABLE IF NOT EXISTS entity_versions (
		entity TEXT NOT NULL,
		scope TEXT NOT NULL,
		version BIGINT NOT NULL,
		PRIMARY KEY (entity, scope)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_metadata (
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		version BIGINT NOT NULL,
		modified_at TIMESTAMPTZ NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (entity, entity_id)
	)`,
}

// MigrateToLatest creates the change log tables when they don't exist.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return Error.Wrap(err)
		}
	}
	db.log.Info("database schema up to date")
	return nil
}

// Version counter scopes: one independent counter per entity for each log.
const (
	scopeEntityLog = "entity"
	scopeFieldLog  = "field"
)

// nextVersion bumps and returns the counter for (entity, scope) inside tx.
// The upsert takes a row lock on conflict, which serializes concurrent
// allocations for the same scope.
func nextVersion(ctx context.Context, tx pgx.Tx, entity, scope string) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `
		INSERT INTO entity_versions (entity, scope, version)
		VALUES ($1, $2, 1)
		ON CONFLICT (entity, scope)
		DO UPDATE SET version = entity_versions.version + 1
		RETURNING version`,
		entity, scope).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
