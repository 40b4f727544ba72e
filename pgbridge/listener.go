// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package pgbridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Listener owns the dedicated long-lived connection that forwards inbound
// cross-process notifications into the local broadcaster. A broken
// connection is retried with exponential backoff; until reconnected this
// replica's subscribers only see locally-originated changes, which the
// pull API papers over.
type Listener struct {
	log       *zap.Logger
	connStr   string
	channels  []string
	broadcast Broadcast
	origin    string
	config    Config
}

// NewListener creates a listener for the given channels. origin must be
// the owning bridge's origin so the listener can suppress loopback.
func NewListener(log *zap.Logger, connStr string, origin string, channels []string, broadcast Broadcast, config Config) *Listener {
	return &Listener{
		log:       log,
		connStr:   connStr,
		channels:  channels,
		broadcast: broadcast,
		origin:    origin,
		config:    config,
	}
}

// Run listens until ctx is canceled, reconnecting on failure.
func (l *Listener) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(l.channels) == 0 {
		l.log.Info("no channels configured, cross-process listener idle")
		<-ctx.Done()
		return ctx.Err()
	}

	attempt := 0
	for {
		started := time.Now()
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that survived past the backoff cap was healthy;
		// start the backoff over.
		if time.Since(started) > l.config.ReconnectMaxDelay {
			attempt = 0
		}
		attempt++
		delay := backoff(l.config.ReconnectBaseDelay, l.config.ReconnectMaxDelay, attempt)
		mon.Counter("pgbridge_reconnect_total").Inc(1)
		l.log.Warn("listener connection lost, reconnecting",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// listen opens the dedicated connection, subscribes to every channel and
// forwards notifications until the connection breaks.
func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connStr)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	for _, channel := range l.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			return Error.Wrap(err)
		}
	}

	l.log.Info("cross-process listener connected",
		zap.Int("channels", len(l.channels)),
	)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return Error.Wrap(err)
		}
		l.handle(notification)
	}
}

// handle forwards one inbound notification into the local broadcaster,
// dropping envelopes this process originated.
func (l *Listener) handle(notification *pgconn.Notification) {
	var env envelope
	if err := json.Unmarshal([]byte(notification.Payload), &env); err != nil {
		mon.Counter("pgbridge_malformed_notification").Inc(1)
		l.log.Warn("dropping malformed notification",
			zap.String("channel", notification.Channel),
			zap.Error(err),
		)
		return
	}
	if env.Origin == l.origin {
		return
	}
	if env.Entity == "" || len(env.Entry) == 0 {
		mon.Counter("pgbridge_malformed_notification").Inc(1)
		l.log.Warn("dropping notification without entity or entry",
			zap.String("channel", notification.Channel),
		)
		return
	}
	l.broadcast.Publish(env.Entity, env.Entry)
}

// backoff doubles the base delay per attempt, capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
