// Package registry implements the object-document registry: the per-object
// descriptor pointing at a stream's active storage and remembering its
// terminated predecessors, plus tag-based lookup.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/eventkeep/storeruntime/internal/objectstore"
	"github.com/eventkeep/storeruntime/internal/tagstore"
)

// ErrConcurrentDocumentUpdate is returned when a conditional Set loses a race.
var ErrConcurrentDocumentUpdate = errors.New("registry: concurrent document update")

// ChunkInfo describes one chunk of a chunked stream.
type ChunkInfo struct {
	ChunkIndex int    `json:"chunkIndex"`
	Key        string `json:"key"`
}

// StreamInfo describes the currently active stream for an object.
type StreamInfo struct {
	StreamIdentifier     string      `json:"streamIdentifier"`
	StreamType            string      `json:"streamType"`
	CurrentStreamVersion  int64       `json:"currentStreamVersion"`
	DataStore             string      `json:"dataStore"`
	DocumentStore         string      `json:"documentStore"`
	SnapShotStore         string      `json:"snapShotStore"`
	Chunks                []ChunkInfo `json:"chunks,omitempty"`
}

// TerminatedStream records a stream that has been sealed and superseded.
type TerminatedStream struct {
	StreamIdentifier     string `json:"streamIdentifier"`
	StreamType           string `json:"streamType"`
	Reason               string `json:"reason"`
	ContinuationStreamID string `json:"continuationStreamId,omitempty"`
}

// ObjectDocument is the per-logical-object descriptor.
type ObjectDocument struct {
	ObjectID          string              `json:"objectId"`
	ObjectName        string              `json:"objectName"`
	Active            StreamInfo          `json:"active"`
	TerminatedStreams []TerminatedStream  `json:"terminatedStreams,omitempty"`
	DocumentTags      []string            `json:"documentTags,omitempty"`

	// etag carries the backend's opaque version token for the document this
	// was read from. Being unexported, it is never serialized; Set uses it
	// for the conditional write and Registry repopulates it on every round trip.
	etag string
}

// Registry persists ObjectDocuments in a bucket dedicated to object
// descriptors, one object key per (objectName, objectId) pair. Tag-based
// lookup is built on top of the tag store component (§6 contract).
type Registry struct {
	store  objectstore.Store
	bucket string
	tags   *tagstore.Store
}

// New creates a Registry backed by store, persisting documents in bucket.
// Tag indexes share the same bucket.
func New(store objectstore.Store, bucket string) *Registry {
	return &Registry{store: store, bucket: bucket, tags: tagstore.New(store, bucket)}
}

func documentKey(objectName, objectID string) string {
	return fmt.Sprintf("%s/%s.json", strings.ToLower(objectName), objectID)
}

// Get loads the document for (objectName, objectId), or ok=false if absent.
func (r *Registry) Get(ctx context.Context, objectName, objectID string) (*ObjectDocument, bool, error) {
	key := documentKey(objectName, objectID)
	obj, ok, err := r.store.Get(ctx, r.bucket, key, "")
	if err != nil {
		return nil, false, fmt.Errorf("registry: get %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var doc ObjectDocument
	if err := json.Unmarshal(obj.Body, &doc); err != nil {
		return nil, false, fmt.Errorf("registry: decode %s: %w", key, err)
	}
	doc.etag = obj.ETag
	return &doc, true, nil
}

// GetOrCreate loads the document for (objectName, objectId), creating a
// fresh one (with no active stream set) on first reference. Concurrent
// creators of the same pair converge to a single document: the winner is
// whichever conditional create succeeds; losers simply re-read.
func (r *Registry) GetOrCreate(ctx context.Context, objectName, objectID string) (*ObjectDocument, error) {
	if doc, ok, err := r.Get(ctx, objectName, objectID); err != nil {
		return nil, err
	} else if ok {
		return doc, nil
	}

	if err := r.store.EnsureContainer(ctx, r.bucket); err != nil {
		return nil, fmt.Errorf("registry: ensure container: %w", err)
	}

	fresh := &ObjectDocument{ObjectID: objectID, ObjectName: objectName}
	key := documentKey(objectName, objectID)
	body, err := json.Marshal(fresh)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal new document: %w", err)
	}

	etag, _, err := r.store.Put(ctx, r.bucket, key, body, "", "*")
	if err == nil {
		fresh.etag = etag
		return fresh, nil
	}
	if !errors.Is(err, objectstore.ErrPreconditionFailed) {
		return nil, fmt.Errorf("registry: create %s: %w", key, err)
	}

	// Lost the race: the winner's document is now authoritative.
	doc, ok, err := r.Get(ctx, objectName, objectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("registry: document vanished after concurrent create race: %s", key)
	}
	return doc, nil
}

// Set persists the entire document with a conditional write against the
// ETag it was last read with (or ifNoneMatch="*" for a document that has
// never been persisted). A lost race returns ErrConcurrentDocumentUpdate.
func (r *Registry) Set(ctx context.Context, doc *ObjectDocument) error {
	key := documentKey(doc.ObjectName, doc.ObjectID)
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("registry: marshal %s: %w", key, err)
	}

	ifMatch, ifNoneMatch := doc.etag, ""
	if ifMatch == "" {
		ifNoneMatch = "*"
	}

	etag, _, err := r.store.Put(ctx, r.bucket, key, body, ifMatch, ifNoneMatch)
	if err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return fmt.Errorf("registry: set %s: %w", key, ErrConcurrentDocumentUpdate)
		}
		return fmt.Errorf("registry: set %s: %w", key, err)
	}
	doc.etag = etag
	return nil
}

// FirstByTag returns the first stream identifier associated with tag under
// objectName, or ok=false if none exists.
func (r *Registry) FirstByTag(ctx context.Context, objectName, tag string) (string, bool, error) {
	ids, err := r.ByTag(ctx, objectName, tag)
	if err != nil || len(ids) == 0 {
		return "", false, err
	}
	return ids[0], true, nil
}

// ByTag returns every stream identifier associated with tag under
// objectName, via the tag store.
func (r *Registry) ByTag(ctx context.Context, objectName, tag string) ([]string, error) {
	return r.tags.Get(ctx, objectName, tag)
}

// SetTag associates streamID with tag under objectName, via the tag store.
func (r *Registry) SetTag(ctx context.Context, objectName, streamID, tag string) error {
	return r.tags.Set(ctx, objectName, streamID, tag)
}

// RemoveTag disassociates streamID from tag under objectName, via the tag store.
func (r *Registry) RemoveTag(ctx context.Context, objectName, streamID, tag string) error {
	return r.tags.Remove(ctx, objectName, streamID, tag)
}
