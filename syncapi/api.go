// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

// Package syncapi exposes the pull/push synchronization protocol and the
// live-update transports over HTTP. Path and method binding belong to
// the caller's router; handlers are mounted via RegisterRoutes.
package syncapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/syncwave/syncwave/realtime"
	"github.com/syncwave/syncwave/synclog"
	"github.com/syncwave/syncwave/synclog/conflict"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the syncapi package.
	Error = errs.Class("syncapi")
)

// ChangeTracker is the entity-level tracker surface the API consumes.
type ChangeTracker interface {
	RecordChange(ctx context.Context, req synclog.RecordRequest) (synclog.ChangeLogEntry, error)
	GetChangesSince(ctx context.Context, entity string, since int64) ([]synclog.ChangeLogEntry, error)
	LatestVersion(ctx context.Context, entity string) (int64, error)
	Metadata(ctx context.Context, entity, entityID string) (synclog.SyncMetadata, error)
}

// FieldChangeTracker is the field-level tracker surface the API consumes.
type FieldChangeTracker interface {
	RecordFieldChange(ctx context.Context, req synclog.FieldRecordRequest) (synclog.FieldChangeLogEntry, error)
	LatestVersion(ctx context.Context, entity string) (int64, error)
}

// Config holds configuration for the sync API.
type Config struct {
	PushBatchLimit    int           `help:"maximum number of changes accepted in one push" default:"500"`
	KeepAliveInterval time.Duration `help:"interval between keep-alive messages on live transports" default:"30s"`
}

// Sync handles the pull/push protocol and the live-update transports.
type Sync struct {
	log         *zap.Logger
	tracker     ChangeTracker
	fields      FieldChangeTracker
	registry    *synclog.Registry
	broadcaster *realtime.Broadcaster
	resolver    conflict.Resolver
	config      Config
}

// NewSync creates the sync API. registry bounds the entities this
// replica serves; a nil registry serves any entity name. resolver
// decides whether a push that failed its version guard still gets
// applied (e.g. client-wins).
func NewSync(log *zap.Logger, tracker ChangeTracker, fields FieldChangeTracker, registry *synclog.Registry, broadcaster *realtime.Broadcaster, resolver conflict.Resolver, config Config) *Sync {
	if config.PushBatchLimit < 1 {
		config.PushBatchLimit = 500
	}
	if config.KeepAliveInterval <= 0 {
		config.KeepAliveInterval = 30 * time.Second
	}
	return &Sync{
		log:         log,
		tracker:     tracker,
		fields:      fields,
		registry:    registry,
		broadcaster: broadcaster,
		resolver:    resolver,
		config:      config,
	}
}

// RegisterRoutes mounts the sync endpoints on the router.
func (s *Sync) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/sync/{entity}", s.GetChanges).Methods(http.MethodGet)
	router.HandleFunc("/sync/{entity}", s.PostChanges).Methods(http.MethodPost)
	router.HandleFunc("/sync/{entity}/fields", s.PostFieldChanges).Methods(http.MethodPost)
	router.HandleFunc("/sync/{entity}/events", s.Events).Methods(http.MethodGet)
	router.HandleFunc("/sync/{entity}/ws", s.EventsWS).Methods(http.MethodGet)
}

// ClientChange is one mutation pushed by a client.
type ClientChange struct {
	ID     string          `json:"id"`
	Action synclog.Action  `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
	// ClientVersion is the record version the client last saw; it arms
	// the optimistic concurrency guard.
	ClientVersion *int64 `json:"client_version,omitempty"`
	// Timestamp is the client-side modification time, consulted by
	// timestamp-based conflict resolution. Absent means unknown, which
	// last-write-wins treats as older than any server write.
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ClientFieldChange is one field-level mutation pushed by a client.
type ClientFieldChange struct {
	ID            string          `json:"id"`
	Field         string          `json:"field"`
	Action        synclog.Action  `json:"action"`
	Value         json.RawMessage `json:"value,omitempty"`
	ClientVersion *int64          `json:"client_version,omitempty"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
}

// PushRequest is the push protocol body.
type PushRequest struct {
	ClientID string         `json:"client_id,omitempty"`
	Changes  []ClientChange `json:"changes"`
}

// FieldPushRequest is the field-level push protocol body.
type FieldPushRequest struct {
	ClientID string              `json:"client_id,omitempty"`
	Changes  []ClientFieldChange `json:"changes"`
}

// PullResponse is the pull protocol body.
type PullResponse struct {
	Entity  string                   `json:"entity"`
	Version int64                    `json:"version"`
	Changes []synclog.ChangeLogEntry `json:"changes"`
}

// PushResponse reports per-item outcomes: a batch of N changes can
// partially succeed, and the caller retries only the conflicting subset.
type PushResponse struct {
	Version   int64    `json:"version"`
	Conflicts []string `json:"conflicts"`
	Applied   []string `json:"applied"`
}

// GetChanges serves GET /sync/{entity}?since={version}.
func (s *Sync) GetChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	entity, ok := s.entity(w, r)
	if !ok {
		return
	}

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || since < 0 {
			s.serveJSONError(w, http.StatusBadRequest, Error.New("since must be a non-negative integer"))
			return
		}
	}

	changes, err := s.tracker.GetChangesSince(ctx, entity, since)
	if err != nil {
		s.serveJSONError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}
	latest, err := s.tracker.LatestVersion(ctx, entity)
	if err != nil {
		s.serveJSONError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}

	if changes == nil {
		changes = []synclog.ChangeLogEntry{}
	}
	s.serveJSON(w, http.StatusOK, PullResponse{
		Entity:  entity,
		Version: latest,
		Changes: changes,
	})
}

// PostChanges serves POST /sync/{entity}. Items are processed
// independently; a failed item never aborts the rest of the batch.
func (s *Sync) PostChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	entity, ok := s.entity(w, r)
	if !ok {
		return
	}

	var req PushRequest
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.serveJSONError(w, http.StatusBadRequest, Error.New("malformed request body"))
		return
	}
	if len(req.Changes) > s.config.PushBatchLimit {
		s.serveJSONError(w, http.StatusBadRequest,
			Error.New("batch of %d changes exceeds limit %d", len(req.Changes), s.config.PushBatchLimit))
		return
	}

	applied := []string{}
	conflicts := []string{}
	for _, change := range req.Changes {
		if err := s.applyChange(ctx, entity, req.ClientID, change); err != nil {
			conflicts = append(conflicts, fmt.Sprintf("%s: %s", change.ID, err.Error()))
			continue
		}
		applied = append(applied, change.ID)
	}

	latest, err := s.tracker.LatestVersion(ctx, entity)
	if err != nil {
		s.serveJSONError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}

	s.serveJSON(w, http.StatusOK, PushResponse{
		Version:   latest,
		Conflicts: conflicts,
		Applied:   applied,
	})
}

// applyChange records one pushed change. A guarded write that loses its
// version check is handed to the conflict resolver; only a client-wins
// decision retries without the guard, otherwise the conflict stands and
// resolution is the caller's responsibility on a later push.
func (s *Sync) applyChange(ctx context.Context, entity, clientID string, change ClientChange) error {
	if change.ID == "" {
		return Error.New("missing id")
	}
	if !change.Action.Valid() {
		return Error.New("invalid action %q", change.Action)
	}
	if len(change.Data) > 0 && !json.Valid(change.Data) {
		return Error.New("malformed data payload")
	}

	expected := change.ClientVersion
	if expected == nil && change.Action == synclog.ActionCreate {
		// A create asserts the record does not exist yet.
		zero := int64(0)
		expected = &zero
	}

	req := synclog.RecordRequest{
		Entity:          entity,
		EntityID:        change.ID,
		Action:          change.Action,
		Data:            change.Data,
		ClientID:        clientID,
		ExpectedVersion: expected,
	}

	_, err := s.tracker.RecordChange(ctx, req)
	if err == nil || !synclog.ErrVersionMismatch.Has(err) {
		return err
	}
	conflictErr := err

	if s.resolver == nil {
		return conflictErr
	}

	meta, metaErr := s.tracker.Metadata(ctx, entity, change.ID)
	if metaErr != nil {
		return conflictErr
	}

	var clientVersion int64
	if change.ClientVersion != nil {
		clientVersion = *change.ClientVersion
	}
	var clientTime time.Time
	if change.Timestamp != nil {
		clientTime = *change.Timestamp
	}

	winner, resolveErr := s.resolver.Resolve(
		conflict.Candidate{
			Source:    conflict.SourceServer,
			Version:   meta.Version,
			Timestamp: meta.ModifiedAt,
		},
		conflict.Candidate{
			Source:    conflict.SourceClient,
			Value:     change.Data,
			Version:   clientVersion,
			Timestamp: clientTime,
		},
	)
	if resolveErr != nil || winner.Source != conflict.SourceClient {
		return conflictErr
	}

	req.ExpectedVersion = nil
	req.Data = winner.Value
	if _, err := s.tracker.RecordChange(ctx, req); err != nil {
		return err
	}

	s.log.Debug("conflicting push applied by resolver decision",
		zap.String("entity", entity),
		zap.String("entity_id", change.ID),
		zap.Int64("server_version", meta.Version),
		zap.Int64("client_version", clientVersion),
	)
	return nil
}

// PostFieldChanges serves POST /sync/{entity}/fields, the field-level
// mirror of PostChanges.
func (s *Sync) PostFieldChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	entity, ok := s.entity(w, r)
	if !ok {
		return
	}

	var req FieldPushRequest
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.serveJSONError(w, http.StatusBadRequest, Error.New("malformed request body"))
		return
	}
	if len(req.Changes) > s.config.PushBatchLimit {
		s.serveJSONError(w, http.StatusBadRequest,
			Error.New("batch of %d changes exceeds limit %d", len(req.Changes), s.config.PushBatchLimit))
		return
	}

	applied := []string{}
	conflicts := []string{}
	for _, change := range req.Changes {
		if err := s.applyFieldChange(ctx, entity, req.ClientID, change); err != nil {
			conflicts = append(conflicts, fmt.Sprintf("%s.%s: %s", change.ID, change.Field, err.Error()))
			continue
		}
		applied = append(applied, change.ID)
	}

	latest, err := s.fields.LatestVersion(ctx, entity)
	if err != nil {
		s.serveJSONError(w, http.StatusInternalServerError, Error.Wrap(err))
		return
	}

	s.serveJSON(w, http.StatusOK, PushResponse{
		Version:   latest,
		Conflicts: conflicts,
		Applied:   applied,
	})
}

func (s *Sync) applyFieldChange(ctx context.Context, entity, clientID string, change ClientFieldChange) error {
	if change.ID == "" {
		return Error.New("missing id")
	}
	if change.Field == "" {
		return Error.New("missing field")
	}
	if len(change.Value) > 0 && !json.Valid(change.Value) {
		return Error.New("malformed value payload")
	}

	var timestamp time.Time
	if change.Timestamp != nil {
		timestamp = *change.Timestamp
	}

	_, err := s.fields.RecordFieldChange(ctx, synclog.FieldRecordRequest{
		Entity:        entity,
		EntityID:      change.ID,
		Field:         change.Field,
		Action:        change.Action,
		Value:         change.Value,
		ClientID:      clientID,
		Timestamp:     timestamp,
		ClientVersion: change.ClientVersion,
	})
	return err
}

// entity resolves the entity path variable against the registry.
// Requests for entities this replica does not serve get a 404.
func (s *Sync) entity(w http.ResponseWriter, r *http.Request) (string, bool) {
	entity := mux.Vars(r)["entity"]
	if s.registry != nil {
		if _, ok := s.registry.Lookup(entity); !ok {
			s.serveJSONError(w, http.StatusNotFound, Error.New("unknown entity %q", entity))
			return "", false
		}
	}
	return entity, true
}

// serveJSON writes a JSON response body.
func (s *Sync) serveJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to encode response", zap.Error(err))
	}
}

// serveJSONError writes a JSON error to the response output stream.
func (s *Sync) serveJSONError(w http.ResponseWriter, status int, err error) {
	if status == http.StatusInternalServerError {
		s.log.Error("sync api error", zap.Error(err))
	} else {
		s.log.Debug("sync api rejected request", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}); encodeErr != nil {
		s.log.Error("failed to write json error response", zap.Error(encodeErr))
	}
}
