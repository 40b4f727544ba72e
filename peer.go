// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

// Package syncwave wires the change trackers, the conflict resolver, the
// real-time distributor and the cross-process bridge into one explicitly
// constructed peer. Handlers receive their collaborators through this
// object; there are no ambient registries.
package syncwave

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syncwave/syncwave/pgbridge"
	"github.com/syncwave/syncwave/realtime"
	"github.com/syncwave/syncwave/syncapi"
	"github.com/syncwave/syncwave/syncdb"
	"github.com/syncwave/syncwave/synclog"
	"github.com/syncwave/syncwave/synclog/conflict"
)

var (
	mon = monkit.Package()

	// Error is the default error class for peer construction.
	Error = errs.Class("syncwave")
)

// Config holds configuration for a sync peer.
type Config struct {
	Database string `help:"postgres connection string"`

	Entities EntityList `help:"comma-separated entity names served by this replica"`

	ConflictStrategy string `help:"conflict resolution strategy: last_write_wins, client_wins or server_wins" default:"last_write_wins"`

	FieldMergeStrategy string `help:"field merge policy: last_write_wins or reject_if_stale" default:"last_write_wins"`

	API syncapi.Config

	Realtime realtime.Config

	Bridge pgbridge.Config
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database == "" {
		return Error.New("Database is required")
	}
	if len(c.Entities) == 0 {
		return Error.New("at least one entity is required")
	}
	if !conflict.Strategy(c.ConflictStrategy).Valid() {
		return Error.New("unknown conflict strategy %q", c.ConflictStrategy)
	}
	if !synclog.FieldMergeStrategy(c.FieldMergeStrategy).Valid() {
		return Error.New("unknown field merge strategy %q", c.FieldMergeStrategy)
	}
	return c.Bridge.Validate()
}

// Peer holds every component of one sync replica.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  *syncdb.DB

	Registry     *synclog.Registry
	Tracker      *synclog.Tracker
	FieldTracker *synclog.FieldTracker
	Resolver     conflict.Resolver

	Broadcaster *realtime.Broadcaster
	Bridge      *pgbridge.Bridge
	Listener    *pgbridge.Listener

	API *syncapi.Sync
}

// New constructs a peer from an opened database and validated config.
func New(log *zap.Logger, db *syncdb.DB, config Config) (*Peer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	peer := &Peer{
		Log: log,
		DB:  db,
	}

	{ // entity registry
		descriptors := make([]synclog.Descriptor, 0, len(config.Entities))
		for _, entity := range config.Entities {
			descriptors = append(descriptors, synclog.Descriptor{Name: entity})
		}
		registry, err := synclog.NewRegistry(descriptors...)
		if err != nil {
			return nil, err
		}
		peer.Registry = registry
	}

	{ // real-time distribution
		peer.Broadcaster = realtime.NewBroadcaster(log.Named("realtime"), config.Realtime)
		peer.Bridge = pgbridge.New(log.Named("bridge"), db.Pool(), peer.Broadcaster)

		channels := make([]string, 0, len(config.Entities)*2)
		for _, entity := range config.Entities {
			channels = append(channels, pgbridge.ChangeChannel(entity), pgbridge.FieldChannel(entity))
		}
		peer.Listener = pgbridge.NewListener(
			log.Named("listener"),
			config.Database,
			peer.Bridge.Origin(),
			channels,
			peer.Broadcaster,
			config.Bridge,
		)
	}

	{ // change tracking
		peer.Tracker = synclog.NewTracker(log.Named("tracker"), db.ChangeLog(), peer.Bridge)
		peer.FieldTracker = synclog.NewFieldTracker(
			log.Named("fieldtracker"),
			db.FieldChangeLog(),
			synclog.FieldMergeStrategy(config.FieldMergeStrategy),
			peer.Bridge,
		)
	}

	{ // conflict resolution
		resolver, err := conflict.NewResolver(conflict.Strategy(config.ConflictStrategy))
		if err != nil {
			return nil, err
		}
		peer.Resolver = resolver
	}

	{ // protocol surface
		peer.API = syncapi.NewSync(
			log.Named("api"),
			peer.Tracker,
			peer.FieldTracker,
			peer.Registry,
			peer.Broadcaster,
			peer.Resolver,
			config.API,
		)
	}

	return peer, nil
}

// Run runs the peer's background services until ctx is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return peer.Listener.Run(ctx)
	})
	return group.Wait()
}

// Close releases the peer's resources.
func (peer *Peer) Close() error {
	peer.Broadcaster.Close()
	peer.DB.Close()
	return nil
}
