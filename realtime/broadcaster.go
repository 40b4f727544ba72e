// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

// Package realtime fans committed change log entries out to live
// subscribers. Delivery is at-most-once: a subscriber that falls behind
// its buffer observes a gap and must reconcile via the pull API using
// its last-known version. Producers are never blocked.
package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the realtime package.
	Error = errs.Class("realtime")
)

// Event is one serialized change ready for delivery. Payload is the
// JSON-encoded log entry, possibly compressed (see Compressor).
type Event struct {
	Entity     string
	Payload    []byte
	Compressed bool
}

// Config holds configuration for the broadcaster.
type Config struct {
	SubscriberBuffer int `help:"events buffered per subscriber before drops" default:"64"`

	Compression CompressionConfig
}

// Broadcaster is the in-process fan-out point: the tracker publishes
// through the notification bridge, transports subscribe. A single
// instance is shared by reference across all handlers.
type Broadcaster struct {
	log        *zap.Logger
	compressor *Compressor
	bufferSize int

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(log *zap.Logger, config Config) *Broadcaster {
	bufferSize := config.SubscriberBuffer
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Broadcaster{
		log:        log,
		compressor: NewCompressor(config.Compression),
		bufferSize: bufferSize,
		subs:       make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription drains events for one entity independently of all other
// subscribers.
type Subscription struct {
	broadcaster *Broadcaster
	entity      string
	events      chan Event
	dropped     atomic.Int64
	once        sync.Once
}

// Events returns the subscriber's channel. It is closed when the
// subscription or the broadcaster is closed.
func (s *Subscription) Events() <-chan Event { return s.events }

// Dropped reports how many events were lost to backpressure since
// subscribing. A non-zero value means the subscriber has a gap and
// should catch up through the pull API.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broadcaster.remove(s)
		close(s.events)
	})
}

// Subscribe registers a new subscriber for the entity.
func (b *Broadcaster) Subscribe(entity string) *Subscription {
	sub := &Subscription{
		broadcaster: b,
		entity:      entity,
		events:      make(chan Event, b.bufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Deliver an already-closed subscription so callers need no
		// special case; its channel never yields events.
		close(sub.events)
		sub.once.Do(func() {})
		return sub
	}
	if b.subs[entity] == nil {
		b.subs[entity] = make(map[*Subscription]struct{})
	}
	b.subs[entity][sub] = struct{}{}
	return sub
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.entity]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.entity)
		}
	}
}

// Publish fans the payload out to every live subscriber of the entity.
// Publishing with zero subscribers is a no-op. A subscriber whose buffer
// is full loses this event and has its dropped counter bumped; the
// producer never waits.
func (b *Broadcaster) Publish(entity string, payload []byte) {
	payload, compressed := b.compressor.Compress(payload)
	event := Event{Entity: entity, Payload: payload, Compressed: compressed}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs[entity] {
		select {
		case sub.events <- event:
		default:
			sub.dropped.Add(1)
			mon.Counter("realtime_events_dropped").Inc(1)
			b.log.Warn("subscriber buffer full, dropping event",
				zap.String("entity", entity),
				zap.Int64("dropped", sub.dropped.Load()),
			)
		}
	}
}

// SubscriberCount reports the live subscribers for the entity.
func (b *Broadcaster) SubscriberCount(entity string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[entity])
}

// Close shuts the broadcaster down and closes every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.events) })
	}
}
