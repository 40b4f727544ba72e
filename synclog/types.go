// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package synclog

import (
	"encoding/json"
	"time"
)

// Action identifies the kind of mutation recorded in the change log.
type Action string

const (
	// ActionCreate records the creation of a record.
	ActionCreate Action = "create"
	// ActionUpdate records a modification of an existing record.
	ActionUpdate Action = "update"
	// ActionDelete records the removal of a record.
	ActionDelete Action = "delete"
)

// Valid reports whether the action is one of the recognized mutations.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ChangeLogEntry is one durable record of an entity-level mutation.
// Entries are append-only and immutable once committed. Version is a
// counter scoped to the entity name, increasing by exactly one per
// accepted change; it is the cursor clients use to pull what they missed.
type ChangeLogEntry struct {
	ID        int64           `json:"id"`
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Version   int64           `json:"version"`
	ClientID  string          `json:"client_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// FieldChangeLogEntry records a mutation of a single field of a record,
// so independent fields can be modified concurrently by different
// clients without one overwriting the other's unrelated field.
// Action is restricted to update and delete.
type FieldChangeLogEntry struct {
	ID        int64           `json:"id"`
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Field     string          `json:"field"`
	Action    Action          `json:"action"`
	Value     json.RawMessage `json:"value,omitempty"`
	Version   int64           `json:"version"`
	ClientID  string          `json:"client_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SyncMetadata carries the per-record optimistic concurrency state.
// Version starts at 1 when the record is created, is bumped on every
// accepted write, and never decreases.
type SyncMetadata struct {
	Entity     string    `json:"entity"`
	EntityID   string    `json:"entity_id"`
	Version    int64     `json:"version"`
	ModifiedAt time.Time `json:"modified_at"`
	ClientID   string    `json:"client_id,omitempty"`
}

// Conflict describes a push that could not be applied as-is. It is an
// ephemeral value returned to the caller, never persisted.
type Conflict struct {
	Entity        string `json:"entity"`
	EntityID      string `json:"entity_id"`
	ServerVersion int64  `json:"server_version"`
	ClientVersion int64  `json:"client_version"`
	Reason        string `json:"reason"`
}
