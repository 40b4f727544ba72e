// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package synclog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockFieldChangeLogDB struct {
	mu       sync.Mutex
	entries  map[string][]FieldChangeLogEntry
	versions map[string]int64
}

func newMockFieldChangeLogDB() *mockFieldChangeLogDB {
	return &mockFieldChangeLogDB{
		entries:  make(map[string][]FieldChangeLogEntry),
		versions: make(map[string]int64),
	}
}

// Insert mirrors the store's contract: the merge check and the append
// run under one lock, against the last committed change.
func (m *mockFieldChangeLogDB) Insert(ctx context.Context, entry FieldChangeLogEntry, merge MergeCheck) (FieldChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if merge != nil {
		if err := merge(m.lastLocked(entry.Entity, entry.EntityID, entry.Field)); err != nil {
			return FieldChangeLogEntry{}, err
		}
	}

	m.versions[entry.Entity]++
	entry.Version = m.versions[entry.Entity]
	entry.ID = int64(len(m.entries[entry.Entity]) + 1)
	m.entries[entry.Entity] = append(m.entries[entry.Entity], entry)
	return entry, nil
}

func (m *mockFieldChangeLogDB) GetChangesSince(ctx context.Context, entity string, since int64) ([]FieldChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []FieldChangeLogEntry
	for _, entry := range m.entries[entity] {
		if entry.Version > since {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *mockFieldChangeLogDB) LatestVersion(ctx context.Context, entity string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[entity], nil
}

func (m *mockFieldChangeLogDB) lastLocked(entity, entityID, field string) *FieldChangeLogEntry {
	for i := len(m.entries[entity]) - 1; i >= 0; i-- {
		entry := m.entries[entity][i]
		if entry.EntityID == entityID && entry.Field == field {
			return &entry
		}
	}
	return nil
}

func TestRecordFieldChangeLastWriteWins(t *testing.T) {
	ctx := context.Background()
	tracker := NewFieldTracker(zaptest.NewLogger(t), newMockFieldChangeLogDB(), FieldMergeLastWriteWins, nil)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := tracker.RecordFieldChange(ctx, FieldRecordRequest{
		Entity:    "orders",
		EntityID:  "o1",
		Field:     "status",
		Action:    ActionUpdate,
		Value:     json.RawMessage(`"shipped"`),
		Timestamp: base,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	// A strictly older write loses.
	_, err = tracker.RecordFieldChange(ctx, FieldRecordRequest{
		Entity:    "orders",
		EntityID:  "o1",
		Field:     "status",
		Action:    ActionUpdate,
		Value:     json.RawMessage(`"pending"`),
		Timestamp: base.Add(-time.Second),
	})
	require.Error(t, err)
	assert.True(t, ErrStaleFieldWrite.Has(err))

	// An equal timestamp is accepted, last writer wins the tie.
	second, err := tracker.RecordFieldChange(ctx, FieldRecordRequest{
		Entity:    "orders",
		EntityID:  "o1",
		Field:     "status",
		Action:    ActionUpdate,
		Value:     json.RawMessage(`"delivered"`),
		Timestamp: base,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)
}

func TestRecordFieldChangeRejectIfStale(t *testing.T) {
	ctx := context.Background()
	tracker := NewFieldTracker(zaptest.NewLogger(t), newMockFieldChangeLogDB(), FieldMergeRejectIfStale, nil)

	_, err := tracker.RecordFieldChange(ctx, FieldRecordRequest{
		Entity:   "orders",
		EntityID: "o1",
		Field:    "status",
		Action:   ActionUpdate,
		Value:    json.RawMessage(`"shipped"`),
	})
	require.NoError(t, err)

	stale := int64(0)
	_, err = tracker.RecordFieldChange(ctx, FieldRecordRequest{
		Entity:        "orders",
		EntityID:      "o1",
		Field:         "status",
		Action:        ActionUpdate,
		Value:         json.RawMessage(`"pending"`),
		ClientVersion: &stale,
	})
	require.Error(t, err)
	assert.True(t, ErrStaleFieldWrite.Has(err))

	fresh := int64(1)
	entry, err := tracker.RecordFieldChange(ctx, FieldRecordRequest{
		Entity:        "orders",
		EntityID:      "o1",
		Field:         "status",
		Action:        ActionUpdate,
		Value:         json.RawMessage(`"delivered"`),
		ClientVersion: &fresh,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Version)
}

func TestRecordFieldChangeIndependentFields(t *testing.T) {
	ctx := context.Background()
	tracker := NewFieldTracker(zaptest.NewLogger(t), newMockFieldChangeLogDB(), FieldMergeRejectIfStale, nil)

	_, err := tracker.RecordFieldChange(ctx, FieldRecordRequest{
		Entity:   "orders",
		EntityID: "o1",
		Field:    "status",
		Action:   ActionUpdate,
		Value:    json.RawMessage(`"shipped"`),
	})
	require.NoError(t, err)

	// A different field of the same record is not guarded by the
	// status field's history.
	zero := int64(0)
	_, err = tracker.RecordFieldChange(ctx, FieldRecordRequest{
		Entity:        "orders",
		EntityID:      "o1",
		Field:         "total",
		Action:        ActionUpdate,
		Value:         json.RawMessage(`42`),
		ClientVersion: &zero,
	})
	require.NoError(t, err)
}

func TestRecordFieldChangeValidation(t *testing.T) {
	ctx := context.Background()
	tracker := NewFieldTracker(zaptest.NewLogger(t), newMockFieldChangeLogDB(), FieldMergeLastWriteWins, nil)

	_, err := tracker.RecordFieldChange(ctx, FieldRecordRequest{EntityID: "o1", Field: "status", Action: ActionUpdate})
	require.Error(t, err)

	_, err = tracker.RecordFieldChange(ctx, FieldRecordRequest{Entity: "orders", EntityID: "o1", Action: ActionUpdate})
	require.Error(t, err)

	// Creates do not make sense at field granularity.
	_, err = tracker.RecordFieldChange(ctx, FieldRecordRequest{Entity: "orders", EntityID: "o1", Field: "status", Action: ActionCreate})
	require.Error(t, err)
}

func TestRecordFieldChangeDeleteDropsValue(t *testing.T) {
	ctx := context.Background()
	publisher := &mockPublisher{}
	tracker := NewFieldTracker(zaptest.NewLogger(t), newMockFieldChangeLogDB(), FieldMergeLastWriteWins, publisher)

	entry, err := tracker.RecordFieldChange(ctx, FieldRecordRequest{
		Entity:   "orders",
		EntityID: "o1",
		Field:    "note",
		Action:   ActionDelete,
		Value:    json.RawMessage(`"obsolete"`),
	})
	require.NoError(t, err)
	assert.Nil(t, entry.Value)

	require.Len(t, publisher.fields, 1)
	assert.Equal(t, entry, publisher.fields[0])
}

func TestRecordFieldChangeConcurrentStaleWrites(t *testing.T) {
	ctx := context.Background()
	tracker := NewFieldTracker(zaptest.NewLogger(t), newMockFieldChangeLogDB(), FieldMergeRejectIfStale, nil)

	_, err := tracker.RecordFieldChange(ctx, FieldRecordRequest{
		Entity:   "orders",
		EntityID: "o1",
		Field:    "status",
		Action:   ActionUpdate,
		Value:    json.RawMessage(`"shipped"`),
	})
	require.NoError(t, err)

	// Two writers race with the same view of the field (version 1).
	// Whichever appends first bumps the field past that view, so exactly
	// one write is accepted and the other is rejected as stale.
	seen := int64(1)
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.RecordFieldChange(ctx, FieldRecordRequest{
				Entity:        "orders",
				EntityID:      "o1",
				Field:         "status",
				Action:        ActionUpdate,
				Value:         json.RawMessage(`"delivered"`),
				ClientVersion: &seen,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	accepted, rejected := 0, 0
	for err := range results {
		if err == nil {
			accepted++
			continue
		}
		assert.True(t, ErrStaleFieldWrite.Has(err))
		rejected++
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, rejected)

	latest, err := tracker.LatestVersion(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
}

func TestNewFieldTrackerUnknownStrategyFallsBack(t *testing.T) {
	tracker := NewFieldTracker(zaptest.NewLogger(t), newMockFieldChangeLogDB(), "three_way_merge", nil)
	assert.Equal(t, FieldMergeLastWriteWins, tracker.strategy)
}
