// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

// Package pgbridge propagates committed changes between server replicas
// over Postgres LISTEN/NOTIFY, so every replica's broadcaster emits the
// same events regardless of which replica handled the write.
package pgbridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/syncwave/syncwave/synclog"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the pgbridge package.
	Error = errs.Class("pgbridge")
)

// Broadcast is the local fan-out half of the bridge. Local and remote
// origins are indistinguishable to its subscribers.
type Broadcast interface {
	Publish(entity string, payload []byte)
}

// Config holds configuration for the bridge.
type Config struct {
	ReconnectBaseDelay time.Duration `help:"initial delay before reconnecting the listener" default:"1s"`
	ReconnectMaxDelay  time.Duration `help:"cap on the reconnect backoff" default:"1m"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ReconnectBaseDelay <= 0 {
		return Error.New("ReconnectBaseDelay must be positive")
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return Error.New("ReconnectMaxDelay must be at least ReconnectBaseDelay")
	}
	return nil
}

// envelope is the wire format carried in the notification payload. The
// origin lets the sending process drop its own notification on the way
// back in, since the local leg already delivered it.
type envelope struct {
	Origin string          `json:"origin"`
	Kind   string          `json:"kind"`
	Entity string          `json:"entity"`
	Entry  json.RawMessage `json:"entry"`
}

const (
	kindChange      = "change"
	kindFieldChange = "field_change"
)

// Bridge publishes committed changes to local subscribers synchronously
// and to peer processes via pg_notify. Delivery failures are
// observational only; they never propagate back to writers.
type Bridge struct {
	log       *zap.Logger
	pool      *pgxpool.Pool
	broadcast Broadcast
	origin    string
}

// ensures that Bridge implements synclog.Publisher.
var _ synclog.Publisher = (*Bridge)(nil)

// New creates a bridge with a fresh origin identifier.
func New(log *zap.Logger, pool *pgxpool.Pool, broadcast Broadcast) *Bridge {
	return &Bridge{
		log:       log,
		pool:      pool,
		broadcast: broadcast,
		origin:    uuid.NewString(),
	}
}

// Origin identifies this process in outbound envelopes.
func (b *Bridge) Origin() string { return b.origin }

// PublishChange delivers a committed entity-level entry locally and
// notifies peer processes.
func (b *Bridge) PublishChange(ctx context.Context, entry synclog.ChangeLogEntry) {
	b.publish(ctx, kindChange, entry.Entity, ChangeChannel(entry.Entity), entry)
}

// PublishFieldChange delivers a committed field-level entry locally and
// notifies peer processes.
func (b *Bridge) PublishFieldChange(ctx context.Context, entry synclog.FieldChangeLogEntry) {
	b.publish(ctx, kindFieldChange, entry.Entity, FieldChannel(entry.Entity), entry)
}

func (b *Bridge) publish(ctx context.Context, kind, entity, channel string, entry interface{}) {
	payload, err := json.Marshal(entry)
	if err != nil {
		b.log.Error("failed to encode change for distribution", zap.Error(err))
		return
	}

	// Local subscribers first; zero subscribers is not an error.
	b.broadcast.Publish(entity, payload)

	env, err := json.Marshal(envelope{
		Origin: b.origin,
		Kind:   kind,
		Entity: entity,
		Entry:  payload,
	})
	if err != nil {
		b.log.Error("failed to encode notification envelope", zap.Error(err))
		return
	}

	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(env)); err != nil {
		mon.Counter("pgbridge_notify_failed").Inc(1)
		b.log.Warn("cross-process notify failed, peers rely on pull catch-up",
			zap.String("channel", channel),
			zap.Error(err),
		)
	}
}
