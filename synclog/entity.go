// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package synclog

// Syncable is implemented by record types that carry their own sync
// identity: the entity name, the record identifier, and the optimistic
// concurrency counter.
type Syncable interface {
	SyncEntity() string
	SyncID() string
	SyncVersion() int64
}

// Descriptor maps a record type to its sync identity without reflection.
// Types that cannot implement Syncable directly register a descriptor
// with explicit accessors instead.
type Descriptor struct {
	// Name is the logical entity (table/collection) name.
	Name string
	// ID extracts the record identifier.
	ID func(record interface{}) string
	// Version extracts the record's optimistic concurrency counter.
	Version func(record interface{}) int64
}

// DescriptorFor builds a descriptor from a Syncable implementation.
func DescriptorFor(record Syncable) Descriptor {
	return Descriptor{
		Name: record.SyncEntity(),
		ID: func(r interface{}) string {
			return r.(Syncable).SyncID()
		},
		Version: func(r interface{}) int64 {
			return r.(Syncable).SyncVersion()
		},
	}
}

// Registry is an explicitly constructed set of entity descriptors keyed
// by entity name. It is built once at wire-up time and is read-only
// afterwards, so it needs no locking.
type Registry struct {
	byName map[string]Descriptor
}

// NewRegistry builds a registry from the given descriptors. Duplicate or
// empty entity names are rejected.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	byName := make(map[string]Descriptor, len(descriptors))
	for _, desc := range descriptors {
		if desc.Name == "" {
			return nil, Error.New("descriptor with empty entity name")
		}
		if _, ok := byName[desc.Name]; ok {
			return nil, Error.New("duplicate descriptor for entity %q", desc.Name)
		}
		byName[desc.Name] = desc
	}
	return &Registry{byName: byName}, nil
}

// Lookup returns the descriptor registered for the entity name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	desc, ok := r.byName[name]
	return desc, ok
}

// Entities returns the registered entity names. Order is unspecified.
func (r *Registry) Entities() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
