// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package synclog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// mockChangeLogDB implements ChangeLogDB in memory with the same
// atomicity contract as the Postgres store: version allocation and the
// guard check happen under one lock.
type mockChangeLogDB struct {
	mu        sync.Mutex
	entries   map[string][]ChangeLogEntry
	versions  map[string]int64
	metadata  map[string]SyncMetadata
	insertErr error
}

func newMockChangeLogDB() *mockChangeLogDB {
	return &mockChangeLogDB{
		entries:  make(map[string][]ChangeLogEntry),
		versions: make(map[string]int64),
		metadata: make(map[string]SyncMetadata),
	}
}

func metaKey(entity, entityID string) string { return entity + "\x00" + entityID }

func (m *mockChangeLogDB) Insert(ctx context.Context, entry ChangeLogEntry, expected *int64) (ChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertErr != nil {
		return ChangeLogEntry{}, m.insertErr
	}

	key := metaKey(entry.Entity, entry.EntityID)
	current := m.metadata[key].Version
	if expected != nil && current != *expected {
		return ChangeLogEntry{}, ErrVersionMismatch.New("%s/%s at version %d, client expected %d",
			entry.Entity, entry.EntityID, current, *expected)
	}

	m.versions[entry.Entity]++
	entry.Version = m.versions[entry.Entity]
	entry.ID = int64(len(m.entries[entry.Entity]) + 1)
	m.entries[entry.Entity] = append(m.entries[entry.Entity], entry)

	m.metadata[key] = SyncMetadata{
		Entity:     entry.Entity,
		EntityID:   entry.EntityID,
		Version:    current + 1,
		ModifiedAt: entry.CreatedAt,
		ClientID:   entry.ClientID,
	}
	return entry, nil
}

func (m *mockChangeLogDB) GetChangesSince(ctx context.Context, entity string, since int64) ([]ChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ChangeLogEntry
	for _, entry := range m.entries[entity] {
		if entry.Version > since {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *mockChangeLogDB) LatestVersion(ctx context.Context, entity string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[entity], nil
}

func (m *mockChangeLogDB) GetMetadata(ctx context.Context, entity, entityID string) (SyncMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.metadata[metaKey(entity, entityID)]
	if !ok {
		return SyncMetadata{}, ErrNotFound.New("%s/%s", entity, entityID)
	}
	return meta, nil
}

// mockPublisher records published entries.
type mockPublisher struct {
	mu      sync.Mutex
	changes []ChangeLogEntry
	fields  []FieldChangeLogEntry
}

func (p *mockPublisher) PublishChange(ctx context.Context, entry ChangeLogEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, entry)
}

func (p *mockPublisher) PublishFieldChange(ctx context.Context, entry FieldChangeLogEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fields = append(p.fields, entry)
}

func TestRecordChangeAssignsSequentialVersions(t *testing.T) {
	ctx := context.Background()
	db := newMockChangeLogDB()
	tracker := NewTracker(zaptest.NewLogger(t), db, nil)

	for i := 1; i <= 5; i++ {
		entry, err := tracker.RecordChange(ctx, RecordRequest{
			Entity:   "orders",
			EntityID: "o1",
			Action:   ActionUpdate,
			Data:     json.RawMessage(`{"total":1}`),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), entry.Version)
	}

	latest, err := tracker.LatestVersion(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest)
}

func TestRecordChangeValidation(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(zaptest.NewLogger(t), newMockChangeLogDB(), nil)

	_, err := tracker.RecordChange(ctx, RecordRequest{EntityID: "o1", Action: ActionCreate})
	require.Error(t, err)

	_, err = tracker.RecordChange(ctx, RecordRequest{Entity: "orders", Action: ActionCreate})
	require.Error(t, err)

	_, err = tracker.RecordChange(ctx, RecordRequest{Entity: "orders", EntityID: "o1", Action: "truncate"})
	require.Error(t, err)
}

func TestRecordChangeDeleteDropsData(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(zaptest.NewLogger(t), newMockChangeLogDB(), nil)

	entry, err := tracker.RecordChange(ctx, RecordRequest{
		Entity:   "orders",
		EntityID: "o1",
		Action:   ActionDelete,
		Data:     json.RawMessage(`{"total":1}`),
	})
	require.NoError(t, err)
	assert.Nil(t, entry.Data)
}

func TestRecordChangePublishesCommittedEntry(t *testing.T) {
	ctx := context.Background()
	publisher := &mockPublisher{}
	tracker := NewTracker(zaptest.NewLogger(t), newMockChangeLogDB(), publisher)

	entry, err := tracker.RecordChange(ctx, RecordRequest{
		Entity:   "orders",
		EntityID: "o1",
		Action:   ActionCreate,
		Data:     json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	require.Len(t, publisher.changes, 1)
	assert.Equal(t, entry, publisher.changes[0])
}

func TestRecordChangeVersionGuard(t *testing.T) {
	ctx := context.Background()
	db := newMockChangeLogDB()
	publisher := &mockPublisher{}
	tracker := NewTracker(zaptest.NewLogger(t), db, publisher)

	_, err := tracker.RecordChange(ctx, RecordRequest{
		Entity:   "orders",
		EntityID: "o1",
		Action:   ActionCreate,
		Data:     json.RawMessage(`{"total":1}`),
	})
	require.NoError(t, err)

	// A stale writer expecting the pre-create state must be rejected
	// without consuming a version or publishing anything.
	stale := int64(0)
	_, err = tracker.RecordChange(ctx, RecordRequest{
		Entity:          "orders",
		EntityID:        "o1",
		Action:          ActionUpdate,
		Data:            json.RawMessage(`{"total":2}`),
		ExpectedVersion: &stale,
	})
	require.Error(t, err)
	assert.True(t, ErrVersionMismatch.Has(err))

	latest, err := tracker.LatestVersion(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
	assert.Len(t, publisher.changes, 1)

	// The writer that saw the current state succeeds.
	fresh := int64(1)
	entry, err := tracker.RecordChange(ctx, RecordRequest{
		Entity:          "orders",
		EntityID:        "o1",
		Action:          ActionUpdate,
		Data:            json.RawMessage(`{"total":2}`),
		ExpectedVersion: &fresh,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Version)
}

func TestGetChangesSinceOrderingAndIdempotence(t *testing.T) {
	ctx := context.Background()
	db := newMockChangeLogDB()
	tracker := NewTracker(zaptest.NewLogger(t), db, nil)

	for i := 0; i < 4; i++ {
		_, err := tracker.RecordChange(ctx, RecordRequest{
			Entity:   "orders",
			EntityID: "o1",
			Action:   ActionUpdate,
			Data:     json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}

	changes, err := tracker.GetChangesSince(ctx, "orders", 2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, int64(3), changes[0].Version)
	assert.Equal(t, int64(4), changes[1].Version)

	latest, err := tracker.LatestVersion(ctx, "orders")
	require.NoError(t, err)

	// Pulling at the head returns nothing.
	head, err := tracker.GetChangesSince(ctx, "orders", latest)
	require.NoError(t, err)
	assert.Empty(t, head)

	_, err = tracker.GetChangesSince(ctx, "orders", -1)
	require.Error(t, err)
}

func TestConcurrentRecordChangeAllocatesDenseVersions(t *testing.T) {
	ctx := context.Background()
	db := newMockChangeLogDB()
	tracker := NewTracker(zaptest.NewLogger(t), db, nil)

	const writers = 32
	versions := make(chan int64, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := tracker.RecordChange(ctx, RecordRequest{
				Entity:   "orders",
				EntityID: "o1",
				Action:   ActionUpdate,
				Data:     json.RawMessage(`{}`),
			})
			assert.NoError(t, err)
			versions <- entry.Version
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d allocated twice", v)
		seen[v] = true
	}
	for v := int64(1); v <= writers; v++ {
		assert.True(t, seen[v], "version %d missing", v)
	}

	latest, err := tracker.LatestVersion(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), latest)
}

func TestConcurrentCreatesConflict(t *testing.T) {
	ctx := context.Background()
	db := newMockChangeLogDB()
	tracker := NewTracker(zaptest.NewLogger(t), db, nil)

	// Two clients create the same record at once; both assert it does
	// not exist yet. The guard runs at the append's serialization point,
	// so exactly one create lands and the other conflicts.
	zero := int64(0)
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.RecordChange(ctx, RecordRequest{
				Entity:          "orders",
				EntityID:        "o1",
				Action:          ActionCreate,
				Data:            json.RawMessage(`{}`),
				ExpectedVersion: &zero,
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
		assert.True(t, ErrVersionMismatch.Has(err))
		rejected++
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, rejected)

	latest, err := tracker.LatestVersion(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
}

func TestMetadataTracksAcceptedWrites(t *testing.T) {
	ctx := context.Background()
	db := newMockChangeLogDB()
	tracker := NewTracker(zaptest.NewLogger(t), db, nil)

	_, err := tracker.Metadata(ctx, "orders", "o1")
	require.Error(t, err)
	assert.True(t, ErrNotFound.Has(err))

	_, err = tracker.RecordChange(ctx, RecordRequest{
		Entity:   "orders",
		EntityID: "o1",
		Action:   ActionCreate,
		Data:     json.RawMessage(`{}`),
		ClientID: "client-a",
	})
	require.NoError(t, err)

	meta, err := tracker.Metadata(ctx, "orders", "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.Version)
	assert.Equal(t, "client-a", meta.ClientID)
}
