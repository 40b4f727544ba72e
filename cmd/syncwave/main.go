// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/syncwave/syncwave"
	"github.com/syncwave/syncwave/syncdb"
)

var (
	rootCmd = &cobra.Command{
		Use:   "syncwave",
		Short: "Version-aware change tracking and real-time sync service",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the sync service",
		RunE:  cmdRun,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE:  cmdMigrate,
	}

	confPath string
	address  string
	runCfg   syncwave.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&confPath, "config", "", "path to a yaml config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)

	for _, cmd := range []*cobra.Command{runCmd, migrateCmd} {
		flags := cmd.Flags()
		flags.StringVar(&runCfg.Database, "database", "", "postgres connection string")
		flags.Var(&runCfg.Entities, "entities", "comma-separated entity names served by this replica")
		flags.StringVar(&runCfg.ConflictStrategy, "conflict-strategy", "last_write_wins", "conflict resolution strategy: last_write_wins, client_wins or server_wins")
		flags.StringVar(&runCfg.FieldMergeStrategy, "field-merge-strategy", "last_write_wins", "field merge policy: last_write_wins or reject_if_stale")
		flags.StringVar(&address, "address", ":10080", "address the sync API listens on")
		flags.IntVar(&runCfg.API.PushBatchLimit, "api.push-batch-limit", 500, "maximum number of changes accepted in one push")
		flags.DurationVar(&runCfg.API.KeepAliveInterval, "api.keep-alive-interval", 30*time.Second, "interval between keep-alive messages on live transports")
		flags.IntVar(&runCfg.Realtime.SubscriberBuffer, "realtime.subscriber-buffer", 64, "events buffered per subscriber before drops")
		flags.BoolVar(&runCfg.Realtime.Compression.Enabled, "realtime.compression.enabled", true, "compress realtime payloads before fan-out")
		flags.IntVar(&runCfg.Realtime.Compression.ThresholdBytes, "realtime.compression.threshold-bytes", 1024, "minimum payload size in bytes eligible for compression")
		flags.IntVar(&runCfg.Realtime.Compression.Level, "realtime.compression.level", 6, "gzip compression level, clamped to [0,9]")
		flags.DurationVar(&runCfg.Bridge.ReconnectBaseDelay, "bridge.reconnect-base-delay", time.Second, "initial delay before reconnecting the listener")
		flags.DurationVar(&runCfg.Bridge.ReconnectMaxDelay, "bridge.reconnect-max-delay", time.Minute, "cap on the reconnect backoff")
	}
}

// fileConfig mirrors the yaml config file; flags set on the command line
// take precedence over file values.
type fileConfig struct {
	Database           string   `yaml:"database"`
	Address            string   `yaml:"address"`
	Entities           []string `yaml:"entities"`
	ConflictStrategy   string   `yaml:"conflict_strategy"`
	FieldMergeStrategy string   `yaml:"field_merge_strategy"`
}

func loadConfigFile(cmd *cobra.Command) error {
	if confPath == "" {
		return nil
	}
	data, err := os.ReadFile(confPath)
	if err != nil {
		return errs.Wrap(err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return errs.Wrap(err)
	}

	flags := cmd.Flags()
	if !flags.Changed("database") && file.Database != "" {
		runCfg.Database = file.Database
	}
	if !flags.Changed("address") && file.Address != "" {
		address = file.Address
	}
	if !flags.Changed("entities") && len(file.Entities) > 0 {
		runCfg.Entities = file.Entities
	}
	if !flags.Changed("conflict-strategy") && file.ConflictStrategy != "" {
		runCfg.ConflictStrategy = file.ConflictStrategy
	}
	if !flags.Changed("field-merge-strategy") && file.FieldMergeStrategy != "" {
		runCfg.FieldMergeStrategy = file.FieldMergeStrategy
	}
	return nil
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	log, err := zap.NewProduction()
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	if err := loadConfigFile(cmd); err != nil {
		return err
	}
	if err := runCfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := syncdb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return err
	}
	if err := db.MigrateToLatest(ctx); err != nil {
		db.Close()
		return err
	}

	peer, err := syncwave.New(log, db, runCfg)
	if err != nil {
		db.Close()
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	router := mux.NewRouter()
	peer.API.RegisterRoutes(router)
	server := &http.Server{
		Addr:    address,
		Handler: router,
	}

	log.Info("sync service starting",
		zap.String("address", address),
		zap.Strings("entities", runCfg.Entities),
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return peer.Run(ctx)
	})
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	log, err := zap.NewProduction()
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	if err := loadConfigFile(cmd); err != nil {
		return err
	}
	if runCfg.Database == "" {
		return errs.New("database connection string is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := syncdb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.MigrateToLatest(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
