// Package httpapi exposes the demo/admin HTTP surface: append/read a
// stream, tag lookup, and triggering a live migration. It is the one
// component in this codebase allowed to depend on every other internal
// package, mirroring the teacher's handlers package shape.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eventkeep/storeruntime/internal/eventstore"
	"github.com/eventkeep/storeruntime/internal/keys"
	"github.com/eventkeep/storeruntime/internal/migration"
	"github.com/eventkeep/storeruntime/internal/objectstore"
	"github.com/eventkeep/storeruntime/internal/registry"
	"github.com/eventkeep/storeruntime/internal/signer"
	"github.com/eventkeep/storeruntime/internal/snapshot"
	"github.com/eventkeep/storeruntime/internal/streamdoc"
)

// Deps bundles the components the demo surface drives.
type Deps struct {
	Objects   objectstore.Store
	Events    *eventstore.Store
	Registry  *registry.Registry
	Snapshots *snapshot.Store
	Migration *migration.Engine

	// Signer, when non-nil, attests every migration triggered through this
	// surface with a signature over its closure marker.
	Signer signer.Signer

	// SignerKeys, when non-nil, publishes signer public keys under /signers
	// and backs closure-signature verification over HTTP.
	SignerKeys *keys.Registry
}

// RegisterRoutes mounts the demo routes onto r.
func RegisterRoutes(deps *Deps, r chi.Router) {
	r.Get("/healthz", handleHealth(deps))
	r.Post("/objects/{objectName}/{objectId}/append", handleAppend(deps))
	r.Get("/objects/{objectName}/{objectId}/events", handleReadEvents(deps))
	r.Get("/objects/{objectName}/{objectId}", handleGetDocument(deps))
	r.Post("/objects/{objectName}/{objectId}/tags", handleSetTag(deps))
	r.Delete("/objects/{objectName}/{objectId}/tags/{tag}", handleRemoveTag(deps))
	r.Get("/objects/{objectName}/by-tag/{tag}", handleByTag(deps))
	r.Post("/migrations", handleTriggerMigration(deps))
	if deps.SignerKeys != nil {
		r.Get("/signers", deps.SignerKeys.StatusHandler())
	}
	r.Post("/migrations/closure/verify", handleVerifyClosure(deps))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleHealth classifies the backend healthy/unhealthy via a lightweight
// LIST against a well-known bucket, per the health-check contract.
func handleHealth(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := deps.Objects.List(r.Context(), "objects", "", ""); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "reason": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

type appendRequest struct {
	StreamID           string            `json:"streamId"`
	PriorHash          string            `json:"priorHash"`
	Events             []streamdoc.Event `json:"events"`
	PreserveTimestamps bool              `json:"preserveTimestamps"`
}

func handleAppend(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		objectName := chi.URLParam(r, "objectName")
		objectID := chi.URLParam(r, "objectId")

		var req appendRequest
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if len(req.Events) == 0 {
			writeError(w, http.StatusBadRequest, eventstore.ErrInvalidArgument)
			return
		}

		doc, err := deps.Registry.GetOrCreate(r.Context(), objectName, objectID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if req.StreamID != "" {
			doc.Active.StreamIdentifier = req.StreamID
		}
		if doc.Active.StreamIdentifier == "" {
			writeError(w, http.StatusBadRequest, eventstore.ErrInvalidArgument)
			return
		}

		result, err := deps.Events.Append(r.Context(), doc, req.PriorHash, req.Events, req.PreserveTimestamps)
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}

		doc.Active.CurrentStreamVersion = int64(result.LastEventVersion)
		if err := deps.Registry.Set(r.Context(), doc); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}

		writeJSON(w, http.StatusAccepted, result)
	}
}

func handleReadEvents(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		objectName := chi.URLParam(r, "objectName")
		objectID := chi.URLParam(r, "objectId")

		doc, ok, err := deps.Registry.Get(r.Context(), objectName, objectID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}

		from := parseUintParam(r, "from", 0)
		until := parseUintParam(r, "until", ^uint32(0))

		events, ok, err := deps.Events.Read(r.Context(), doc, from, until, nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func parseUintParam(r *http.Request, name string, def uint32) uint32 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return def
	}
	return uint32(n)
}

func handleGetDocument(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		objectName := chi.URLParam(r, "objectName")
		objectID := chi.URLParam(r, "objectId")

		doc, ok, err := deps.Registry.Get(r.Context(), objectName, objectID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

type tagRequest struct {
	Tag string `json:"tag"`
}

func handleSetTag(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		objectName := chi.URLParam(r, "objectName")
		objectID := chi.URLParam(r, "objectId")

		doc, ok, err := deps.Registry.Get(r.Context(), objectName, objectID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}

		var req tagRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if err := deps.Registry.SetTag(r.Context(), objectName, doc.Active.StreamIdentifier, req.Tag); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRemoveTag(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		objectName := chi.URLParam(r, "objectName")
		objectID := chi.URLParam(r, "objectId")
		tag := chi.URLParam(r, "tag")

		doc, ok, err := deps.Registry.Get(r.Context(), objectName, objectID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}

		if err := deps.Registry.RemoveTag(r.Context(), objectName, doc.Active.StreamIdentifier, tag); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleByTag(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		objectName := chi.URLParam(r, "objectName")
		tag := chi.URLParam(r, "tag")

		ids, err := deps.Registry.ByTag(r.Context(), objectName, tag)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"streamIds": ids})
	}
}

// migrationRequest intentionally omits migration.Options: most of its
// fields are function-typed callbacks with no JSON representation. The
// handler builds Options itself, wiring only deps.Signer through.
type migrationRequest struct {
	MigrationID     string `json:"migrationId"`
	ObjectName      string `json:"objectName"`
	ObjectID        string `json:"objectId"`
	TargetStreamID  string `json:"targetStreamId"`
	TargetDataStore string `json:"targetDataStore"`
}

func handleTriggerMigration(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req migrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		objDoc, ok, err := deps.Registry.Get(r.Context(), req.ObjectName, req.ObjectID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}

		source := &registry.ObjectDocument{
			ObjectID:   objDoc.ObjectID,
			ObjectName: objDoc.ObjectName,
			Active:     objDoc.Active,
		}
		target := &registry.ObjectDocument{
			ObjectID:   objDoc.ObjectID,
			ObjectName: objDoc.ObjectName,
			Active: registry.StreamInfo{
				StreamIdentifier: req.TargetStreamID,
				DataStore:        req.TargetDataStore,
			},
		}

		result := deps.Migration.Run(r.Context(), migration.LiveMigrationContext{
			MigrationID:    req.MigrationID,
			SourceDocument: source,
			TargetDocument: target,
			Options:        migration.Options{Signer: deps.Signer},
		})

		status := http.StatusOK
		if !result.Success {
			status = http.StatusConflict
		}
		writeJSON(w, status, result)
	}
}

// verifyClosureRequest carries a closure event (as read back from a stream,
// e.g. via handleReadEvents) that the caller wants verified against its
// signer's registered public key.
type verifyClosureRequest struct {
	SignerID string          `json:"signerId"`
	Closure  streamdoc.Event `json:"closure"`
}

// handleVerifyClosure resolves signerId against the signer-key registry and
// checks the closure event's signature against it. It exists so a
// verifier has no reason to keep its own copy of a signer's public key:
// it can always fetch one from /signers instead.
func handleVerifyClosure(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.SignerKeys == nil {
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("signer key registry not configured"))
			return
		}

		var req verifyClosureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		pubKey, ok, err := deps.SignerKeys.PublicKeyBytes(req.SignerID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown signerId %q", req.SignerID))
			return
		}

		verified, err := migration.VerifyMigrationClosure(pubKey, req.Closure)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"verified": verified})
	}
}
