// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package synclog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Publisher receives committed change log entries for real-time fan-out.
// Implementations must never block the writer and must never surface
// delivery failures back to it.
type Publisher interface {
	PublishChange(ctx context.Context, entry ChangeLogEntry)
	PublishFieldChange(ctx context.Context, entry FieldChangeLogEntry)
}

// RecordRequest describes one entity-level mutation to record.
type RecordRequest struct {
	Entity   string
	EntityID string
	Action   Action
	// Data is the serialized snapshot of the record after the mutation.
	// It is discarded for deletes.
	Data     json.RawMessage
	ClientID string
	// ExpectedVersion, when non-nil, guards the write against the
	// record's current metadata version. A mismatch is reported as
	// ErrVersionMismatch and consumes no log version.
	ExpectedVersion *int64
}

// Tracker records entity mutations into the change log and answers
// "changes since version V" queries.
type Tracker struct {
	log       *zap.Logger
	db        ChangeLogDB
	publisher Publisher
}

// NewTracker creates a tracker. publisher may be nil when no real-time
// distribution is wired, e.g. in offline tooling.
func NewTracker(log *zap.Logger, db ChangeLogDB, publisher Publisher) *Tracker {
	return &Tracker{
		log:       log,
		db:        db,
		publisher: publisher,
	}
}

// RecordChange persists a new entry with version = latest+1 and publishes
// it to live subscribers after commit.
func (t *Tracker) RecordChange(ctx context.Context, req RecordRequest) (_ ChangeLogEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.Entity == "" {
		return ChangeLogEntry{}, Error.New("entity name is required")
	}
	if req.EntityID == "" {
		return ChangeLogEntry{}, Error.New("entity id is required")
	}
	if !req.Action.Valid() {
		return ChangeLogEntry{}, Error.New("invalid action %q", req.Action)
	}

	data := req.Data
	if req.Action == ActionDelete {
		data = nil
	}

	entry, err := t.db.Insert(ctx, ChangeLogEntry{
		Entity:    req.Entity,
		EntityID:  req.EntityID,
		Action:    req.Action,
		Data:      data,
		ClientID:  req.ClientID,
		CreatedAt: time.Now().UTC(),
	}, req.ExpectedVersion)
	if err != nil {
		return ChangeLogEntry{}, err
	}

	t.log.Debug("change recorded",
		zap.String("entity", entry.Entity),
		zap.String("entity_id", entry.EntityID),
		zap.String("action", string(entry.Action)),
		zap.Int64("version", entry.Version),
	)

	if t.publisher != nil {
		t.publisher.PublishChange(ctx, entry)
	}

	return entry, nil
}

// GetChangesSince returns entries with version > since in ascending order.
func (t *Tracker) GetChangesSince(ctx context.Context, entity string, since int64) (_ []ChangeLogEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	if entity == "" {
		return nil, Error.New("entity name is required")
	}
	if since < 0 {
		return nil, Error.New("cursor must be non-negative, got %d", since)
	}
	return t.db.GetChangesSince(ctx, entity, since)
}

// LatestVersion returns the entity's current high-water mark, 0 when the
// entity has no entries yet.
func (t *Tracker) LatestVersion(ctx context.Context, entity string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if entity == "" {
		return 0, Error.New("entity name is required")
	}
	return t.db.LatestVersion(ctx, entity)
}

// Metadata returns the per-record optimistic concurrency state,
// ErrNotFound when the record has never been written.
func (t *Tracker) Metadata(ctx context.Context, entity, entityID string) (_ SyncMetadata, err error) {
	defer mon.Task()(&ctx)(&err)

	return t.db.GetMetadata(ctx, entity, entityID)
}
