// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

package syncapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/syncwave/syncwave/realtime"
)

// upgrader configuration mirrors the write path: origin checks belong to
// the routing layer that mounts these handlers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Events serves GET /sync/{entity}/events as Server-Sent Events: one
// event named "sync" per change log entry, data = the entry JSON.
// Delivery is at-most-once; a gapped subscriber catches up via GetChanges.
func (s *Sync) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	entity, ok := s.entity(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.serveJSONError(w, http.StatusInternalServerError, Error.New("streaming unsupported"))
		return
	}

	sub := s.broadcaster.Subscribe(entity)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(s.config.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			data := event.Payload
			if event.Compressed {
				// SSE is a text protocol; send the entry uncompressed.
				data, err = realtime.Decompress(event.Payload)
				if err != nil {
					s.log.Error("failed to decompress event for sse", zap.Error(err))
					continue
				}
			}
			if _, err = fmt.Fprintf(w, "event: sync\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()

		case <-keepAlive.C:
			if _, err = fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// EventsWS serves GET /sync/{entity}/ws over WebSocket. Compressed
// payloads go out as binary frames (gzip is self-describing), plain JSON
// as text frames.
func (s *Sync) EventsWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	entity, ok := s.entity(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.broadcaster.Subscribe(entity)
	defer sub.Close()

	// Drain the client side solely to detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepAlive := time.NewTicker(s.config.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return

		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			messageType := websocket.TextMessage
			if event.Compressed {
				messageType = websocket.BinaryMessage
			}
			if err = conn.WriteMessage(messageType, event.Payload); err != nil {
				return
			}

		case <-keepAlive.C:
			deadline := time.Now().Add(s.config.KeepAliveInterval / 2)
			if err = conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
