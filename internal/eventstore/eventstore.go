// Package eventstore implements durable append, materialized and streaming
// read, and failed-commit compensation over a stream document persisted in
// an object store. It is the hardest component in the runtime: the only
// critical section anywhere in this codebase is (GET document, CAS PUT
// document); a loser of that race always retries or surfaces a typed error,
// never corrupts state.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/eventkeep/storeruntime/internal/objectstore"
	"github.com/eventkeep/storeruntime/internal/registry"
	"github.com/eventkeep/storeruntime/internal/streamdoc"
)

// Failure taxonomy for this component. Callers use errors.Is against these.
var (
	ErrInvalidArgument          = errors.New("eventstore: invalid argument")
	ErrStreamClosed             = errors.New("eventstore: stream closed")
	ErrOptimisticConcurrency    = errors.New("eventstore: optimistic concurrency")
	ErrConcurrentStreamCreation = errors.New("eventstore: concurrent stream creation")
)

// ClosedStreams is a process-wide, monotonic cache of stream identifiers
// known to be sealed. It is never authoritative — a closure marker
// persisted in storage is — but it lets Append fail immediately, without
// any I/O, on a stream everyone already knows is done.
var ClosedStreams = newStreamSet()

type streamSet struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

func newStreamSet() *streamSet {
	return &streamSet{seen: make(map[string]struct{})}
}

func (s *streamSet) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[id]
	return ok
}

func (s *streamSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = struct{}{}
}

// Publisher forwards freshly appended events downstream after a successful
// Append. It is invoked best-effort: a Publisher error is logged, never
// propagated, and never blocks or retries the append itself. Implementations
// must not assume any delivery guarantee stronger than at-least-once.
type Publisher interface {
	OnAppended(ctx context.Context, doc *registry.ObjectDocument, appended []streamdoc.Event) error
}

// Store reads and writes event streams through an object-store backend.
type Store struct {
	objects   objectstore.Store
	clock     func() time.Time
	publisher Publisher
}

// New creates a Store over the given object-store backend.
func New(objects objectstore.Store) *Store {
	return &Store{objects: objects, clock: time.Now}
}

// SetPublisher attaches a best-effort downstream notification hook. A nil
// publisher (the default) disables notification entirely.
func (s *Store) SetPublisher(p Publisher) {
	s.publisher = p
}

func (s *Store) publish(ctx context.Context, doc *registry.ObjectDocument, appended []streamdoc.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.OnAppended(ctx, doc, appended); err != nil {
		log.Printf("[eventstore] publish for stream %s failed: %v", doc.Active.StreamIdentifier, err)
	}
}

// AppendResult describes the outcome of a successful Append.
type AppendResult struct {
	FirstEventVersion uint32
	LastEventVersion  uint32
	NewPriorHash      string
}

func bucketFor(doc *registry.ObjectDocument) string {
	return strings.ToLower(doc.ObjectName)
}

// appendKey resolves the key Append writes to: the last chunk if the
// stream is chunked, else the unchunked per-stream key.
func appendKey(doc *registry.ObjectDocument) string {
	chunks := doc.Active.Chunks
	if len(chunks) == 0 {
		return fmt.Sprintf("%s.json", doc.Active.StreamIdentifier)
	}
	return chunks[len(chunks)-1].Key
}

// readKey resolves the key for a Read/ReadAsStream call against a specific
// chunk, or the unchunked key when chunk is nil.
func readKey(streamID string, chunk *int) string {
	if chunk == nil {
		return fmt.Sprintf("%s.json", streamID)
	}
	return fmt.Sprintf("%s-%010d.json", streamID, *chunk)
}

// Read returns the materialized sequence of events in [startVersion,
// untilVersion] for the given stream, or ok=false if the document does not
// exist at all.
func (s *Store) Read(ctx context.Context, doc *registry.ObjectDocument, startVersion, untilVersion uint32, chunk *int) ([]streamdoc.Event, bool, error) {
	bucket := bucketFor(doc)
	key := readKey(doc.Active.StreamIdentifier, chunk)

	obj, ok, err := s.objects.Get(ctx, bucket, key, "")
	if err != nil {
		return nil, false, fmt.Errorf("eventstore: read %s/%s: %w", bucket, key, err)
	}
	if !ok {
		return nil, false, nil
	}
	sdoc, err := streamdoc.Unmarshal(obj.Body)
	if err != nil {
		return nil, false, fmt.Errorf("eventstore: decode %s/%s: %w", bucket, key, err)
	}

	var out []streamdoc.Event
	for _, e := range sdoc.Events {
		if e.EventVersion >= startVersion && e.EventVersion <= untilVersion {
			out = append(out, e)
		}
	}
	return out, true, nil
}

// EventIterator yields events from a single GET, one at a time. It is
// finite, single-pass, and not restartable: a second pass requires a new
// call to ReadAsStream.
type EventIterator struct {
	events []streamdoc.Event
	pos    int
}

// Next returns the next event in the window, or ok=false once exhausted.
// ctx is checked before each yield so a cancelled caller stops promptly.
func (it *EventIterator) Next(ctx context.Context) (streamdoc.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return streamdoc.Event{}, false, fmt.Errorf("eventstore: read cancelled: %w", err)
	}
	if it.pos >= len(it.events) {
		return streamdoc.Event{}, false, nil
	}
	e := it.events[it.pos]
	it.pos++
	return e, true, nil
}

// ReadAsStream obtains the document in a single GET (object stores are
// object-grained; there is no cheaper partial read) and returns an iterator
// over the requested version window.
func (s *Store) ReadAsStream(ctx context.Context, doc *registry.ObjectDocument, startVersion, untilVersion uint32, chunk *int) (*EventIterator, bool, error) {
	events, ok, err := s.Read(ctx, doc, startVersion, untilVersion, chunk)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &EventIterator{events: events}, true, nil
}

// Append writes events (at least one) to the stream named by doc.Active,
// respecting priorHash as the caller's last-known optimistic-concurrency
// token ("" or streamdoc.AnyPriorHash for "any / first write"). It assigns
// eventVersion contiguously, preserving the caller's timestamps only when
// preserveTimestamps is set.
func (s *Store) Append(ctx context.Context, doc *registry.ObjectDocument, priorHash string, events []streamdoc.Event, preserveTimestamps bool) (*AppendResult, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: events must be non-empty", ErrInvalidArgument)
	}
	streamID := doc.Active.StreamIdentifier
	if streamID == "" {
		return nil, fmt.Errorf("%w: active stream identifier must be set", ErrInvalidArgument)
	}

	if ClosedStreams.Has(streamID) {
		return nil, fmt.Errorf("%w: stream %s", ErrStreamClosed, streamID)
	}

	bucket := bucketFor(doc)
	key := appendKey(doc)

	if err := s.objects.EnsureContainer(ctx, bucket); err != nil {
		return nil, fmt.Errorf("eventstore: ensure container %s: %w", bucket, err)
	}

	obj, exists, err := s.objects.Get(ctx, bucket, key, "")
	if err != nil {
		return nil, fmt.Errorf("eventstore: read %s/%s: %w", bucket, key, err)
	}

	now := s.clock().UTC()

	if !exists {
		stamped := stampVersions(events, 0, preserveTimestamps, now)
		sdoc := &streamdoc.Document{
			ObjectID:   doc.ObjectID,
			ObjectName: doc.ObjectName,
			Events:     stamped,
		}
		hash, err := streamdoc.ComputeHash(sdoc)
		if err != nil {
			return nil, fmt.Errorf("eventstore: hash new document: %w", err)
		}
		sdoc.LastObjectDocumentHash = hash

		body, err := streamdoc.Marshal(sdoc)
		if err != nil {
			return nil, fmt.Errorf("eventstore: marshal new document: %w", err)
		}

		_, _, err = s.objects.Put(ctx, bucket, key, body, "", "*")
		if err != nil {
			if errors.Is(err, objectstore.ErrPreconditionFailed) {
				return nil, fmt.Errorf("%w: stream %s", ErrConcurrentStreamCreation, streamID)
			}
			return nil, fmt.Errorf("eventstore: create %s/%s: %w", bucket, key, err)
		}

		s.publish(ctx, doc, stamped)
		return &AppendResult{
			FirstEventVersion: stamped[0].EventVersion,
			LastEventVersion:  stamped[len(stamped)-1].EventVersion,
			NewPriorHash:      hash,
		}, nil
	}

	sdoc, err := streamdoc.Unmarshal(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("eventstore: decode %s/%s: %w", bucket, key, err)
	}

	if sdoc.IsSealed() {
		ClosedStreams.Add(streamID)
		return nil, fmt.Errorf("%w: stream %s", ErrStreamClosed, streamID)
	}

	if priorHash != "" && priorHash != streamdoc.AnyPriorHash && sdoc.LastObjectDocumentHash != priorHash {
		return nil, fmt.Errorf("%w: stream %s", ErrOptimisticConcurrency, streamID)
	}

	nextVersion := uint32(0)
	if last, ok := sdoc.LastEvent(); ok {
		nextVersion = last.EventVersion + 1
	}
	stamped := stampVersions(events, nextVersion, preserveTimestamps, now)
	sdoc.Events = append(sdoc.Events, stamped...)

	hash, err := streamdoc.ComputeHash(sdoc)
	if err != nil {
		return nil, fmt.Errorf("eventstore: hash updated document: %w", err)
	}
	sdoc.LastObjectDocumentHash = hash

	body, err := streamdoc.Marshal(sdoc)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal updated document: %w", err)
	}

	_, _, err = s.objects.Put(ctx, bucket, key, body, obj.ETag, "")
	if err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return nil, fmt.Errorf("%w: stream %s", ErrOptimisticConcurrency, streamID)
		}
		return nil, fmt.Errorf("eventstore: update %s/%s: %w", bucket, key, err)
	}

	s.publish(ctx, doc, stamped)
	return &AppendResult{
		FirstEventVersion: stamped[0].EventVersion,
		LastEventVersion:  stamped[len(stamped)-1].EventVersion,
		NewPriorHash:      hash,
	}, nil
}

func stampVersions(events []streamdoc.Event, startVersion uint32, preserveTimestamps bool, now time.Time) []streamdoc.Event {
	out := make([]streamdoc.Event, len(events))
	for i, e := range events {
		e.EventVersion = startVersion + uint32(i)
		if !preserveTimestamps {
			e.Timestamp = now
		}
		out[i] = e
	}
	return out
}

// RemoveEventsForFailedCommit truncates the contiguous version range
// [fromVersion, toVersion] that a caller just wrote and failed to commit
// downstream. It is idempotent: reissuing after a crash either finds
// nothing in range (returns 0) or re-removes the same window.
func (s *Store) RemoveEventsForFailedCommit(ctx context.Context, doc *registry.ObjectDocument, fromVersion, toVersion uint32) (int, error) {
	bucket := bucketFor(doc)
	key := appendKey(doc)

	etag, exists, err := s.objects.Head(ctx, bucket, key)
	if err != nil {
		return 0, fmt.Errorf("eventstore: head %s/%s: %w", bucket, key, err)
	}
	if !exists {
		return 0, nil
	}

	obj, ok, err := s.objects.Get(ctx, bucket, key, etag)
	if err != nil {
		return 0, fmt.Errorf("eventstore: get %s/%s: %w", bucket, key, err)
	}
	if !ok {
		return 0, nil
	}

	sdoc, err := streamdoc.Unmarshal(obj.Body)
	if err != nil {
		return 0, fmt.Errorf("eventstore: decode %s/%s: %w", bucket, key, err)
	}

	originalCount := len(sdoc.Events)
	kept := sdoc.Events[:0:0]
	for _, e := range sdoc.Events {
		if e.EventVersion < fromVersion || e.EventVersion > toVersion {
			kept = append(kept, e)
		}
	}
	removed := originalCount - len(kept)
	if removed == 0 {
		return 0, nil
	}
	sdoc.Events = kept

	hash, err := streamdoc.ComputeHash(sdoc)
	if err != nil {
		return 0, fmt.Errorf("eventstore: hash truncated document: %w", err)
	}
	sdoc.LastObjectDocumentHash = hash

	body, err := streamdoc.Marshal(sdoc)
	if err != nil {
		return 0, fmt.Errorf("eventstore: marshal truncated document: %w", err)
	}

	_, _, err = s.objects.Put(ctx, bucket, key, body, obj.ETag, "")
	if err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return 0, fmt.Errorf("%w: stream %s", ErrOptimisticConcurrency, doc.Active.StreamIdentifier)
		}
		return 0, fmt.Errorf("eventstore: put truncated document %s/%s: %w", bucket, key, err)
	}
	return removed, nil
}
