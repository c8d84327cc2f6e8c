package eventstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/eventkeep/storeruntime/internal/eventstore"
	"github.com/eventkeep/storeruntime/internal/objectstore"
	"github.com/eventkeep/storeruntime/internal/registry"
	"github.com/eventkeep/storeruntime/internal/streamdoc"
)

func newTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	bolt, err := objectstore.NewBoltStore(t.TempDir() + "/events.bolt")
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { bolt.Close() })
	return eventstore.New(bolt)
}

func docFor(streamID string) *registry.ObjectDocument {
	return &registry.ObjectDocument{
		ObjectID:   "obj-1",
		ObjectName: "proj",
		Active:     registry.StreamInfo{StreamIdentifier: streamID},
	}
}

func evt(eventType string) streamdoc.Event {
	return streamdoc.Event{EventType: eventType, Payload: json.RawMessage(`{}`)}
}

func TestFirstWriteRaceExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := docFor("s1")

	const workers = 2
	var wg sync.WaitGroup
	results := make([]*eventstore.AppendResult, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Append(ctx, doc, "", []streamdoc.Event{evt("E0")}, false)
		}(i)
	}
	wg.Wait()

	successes, failures := 0, 0
	for i := range results {
		switch {
		case errs[i] == nil:
			successes++
			if results[i].FirstEventVersion != 0 {
				t.Fatalf("winner's first event should be version 0, got %d", results[i].FirstEventVersion)
			}
		case errors.Is(errs[i], eventstore.ErrConcurrentStreamCreation), errors.Is(errs[i], eventstore.ErrOptimisticConcurrency):
			failures++
		default:
			t.Fatalf("unexpected error: %v", errs[i])
		}
	}
	if successes != 1 || failures != 1 {
		t.Fatalf("expected exactly one success and one typed failure, got %d successes, %d failures", successes, failures)
	}

	events, ok, err := s.Read(ctx, doc, 0, ^uint32(0), nil)
	if err != nil || !ok {
		t.Fatalf("Read after race: ok=%v err=%v", ok, err)
	}
	if len(events) != 1 || events[0].EventVersion != 0 {
		t.Fatalf("expected exactly one E0, got %+v", events)
	}
}

func TestAppendAfterCloseFailsFast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// ClosedStreams is process-wide, so this test seals a stream id that no
	// other test in the package appends to.
	doc := docFor("s1-closed")

	if _, err := s.Append(ctx, doc, "", []streamdoc.Event{evt("E0"), evt("E1")}, false); err != nil {
		t.Fatalf("initial append: %v", err)
	}
	closure := streamdoc.Event{
		EventType: streamdoc.ClosedEventType,
		Payload:   json.RawMessage(`{"continuationStreamId":"s2"}`),
	}
	if _, err := s.Append(ctx, doc, "", []streamdoc.Event{closure}, false); err != nil {
		t.Fatalf("closure append: %v", err)
	}

	_, err := s.Append(ctx, doc, "", []streamdoc.Event{evt("E2")}, false)
	if !errors.Is(err, eventstore.ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	if !eventstore.ClosedStreams.Has("s1-closed") {
		t.Fatalf("expected ClosedStreams to contain s1-closed after detecting closure")
	}

	// Second attempt must fail without any further I/O; it should still
	// report the same typed error purely from the cache.
	_, err = s.Append(ctx, doc, "", []streamdoc.Event{evt("E3")}, false)
	if !errors.Is(err, eventstore.ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed on second attempt, got %v", err)
	}
}

func TestRemoveEventsForFailedCommitIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := docFor("s1")

	events := make([]streamdoc.Event, 10)
	for i := range events {
		events[i] = evt("E")
	}
	if _, err := s.Append(ctx, doc, "", events, false); err != nil {
		t.Fatalf("append: %v", err)
	}

	removed, err := s.RemoveEventsForFailedCommit(ctx, doc, 5, 7)
	if err != nil {
		t.Fatalf("RemoveEventsForFailedCommit: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}

	remaining, ok, err := s.Read(ctx, doc, 0, ^uint32(0), nil)
	if err != nil || !ok {
		t.Fatalf("Read after removal: ok=%v err=%v", ok, err)
	}
	if len(remaining) != 7 {
		t.Fatalf("expected 7 remaining events, got %d", len(remaining))
	}
	for _, e := range remaining {
		if e.EventVersion >= 5 && e.EventVersion <= 7 {
			t.Fatalf("found event in removed range: %+v", e)
		}
	}

	removedAgain, err := s.RemoveEventsForFailedCommit(ctx, doc, 5, 7)
	if err != nil {
		t.Fatalf("second RemoveEventsForFailedCommit: %v", err)
	}
	if removedAgain != 0 {
		t.Fatalf("expected idempotent second call to remove 0, got %d", removedAgain)
	}
}

func TestReadAsStreamYieldsInOrderAndIsSinglePass(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := docFor("s1")

	if _, err := s.Append(ctx, doc, "", []streamdoc.Event{evt("E0"), evt("E1"), evt("E2")}, false); err != nil {
		t.Fatalf("append: %v", err)
	}

	it, ok, err := s.ReadAsStream(ctx, doc, 0, ^uint32(0), nil)
	if err != nil || !ok {
		t.Fatalf("ReadAsStream: ok=%v err=%v", ok, err)
	}

	var versions []uint32
	for {
		e, ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		versions = append(versions, e.EventVersion)
	}
	if len(versions) != 3 || versions[0] != 0 || versions[2] != 2 {
		t.Fatalf("expected versions [0 1 2], got %v", versions)
	}

	_, ok, err = it.Next(ctx)
	if err != nil {
		t.Fatalf("Next past exhaustion: %v", err)
	}
	if ok {
		t.Fatalf("expected iterator to stay exhausted")
	}
}

type fakePublisher struct {
	mu    sync.Mutex
	calls int
	last  []streamdoc.Event
}

func (f *fakePublisher) OnAppended(ctx context.Context, doc *registry.ObjectDocument, appended []streamdoc.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = appended
	return nil
}

func TestPublisherNotifiedOnlyOnSuccessfulAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := docFor("s1")
	pub := &fakePublisher{}
	s.SetPublisher(pub)

	if _, err := s.Append(ctx, doc, "", []streamdoc.Event{evt("E0"), evt("E1")}, false); err != nil {
		t.Fatalf("append: %v", err)
	}
	if pub.calls != 1 {
		t.Fatalf("expected publisher to be called once, got %d", pub.calls)
	}
	if len(pub.last) != 2 {
		t.Fatalf("expected 2 appended events passed to publisher, got %d", len(pub.last))
	}

	if _, err := s.Append(ctx, doc, "stale-hash-value", []streamdoc.Event{evt("E2")}, false); err == nil {
		t.Fatalf("expected failing append")
	}
	if pub.calls != 1 {
		t.Fatalf("expected publisher not to be called on a failed append, got %d calls", pub.calls)
	}
}

func TestOptimisticConcurrencyOnStaleHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := docFor("s1")

	if _, err := s.Append(ctx, doc, "", []streamdoc.Event{evt("E0")}, false); err != nil {
		t.Fatalf("first append: %v", err)
	}

	_, err := s.Append(ctx, doc, "stale-hash-value", []streamdoc.Event{evt("E1")}, false)
	if !errors.Is(err, eventstore.ErrOptimisticConcurrency) {
		t.Fatalf("expected ErrOptimisticConcurrency, got %v", err)
	}
}
