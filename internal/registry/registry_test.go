package registry_test

import (
	"context"
	"sync"
	"testing"

	"github.com/eventkeep/storeruntime/internal/objectstore"
	"github.com/eventkeep/storeruntime/internal/registry"
	"github.com/eventkeep/storeruntime/internal/tagstore"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	st, err := objectstore.NewBoltStore(t.TempDir() + "/registry.bolt")
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return registry.New(st, "objects")
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	doc1, err := r.GetOrCreate(ctx, "proj", "obj-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	doc2, err := r.GetOrCreate(ctx, "proj", "obj-1")
	if err != nil {
		t.Fatalf("GetOrCreate second call: %v", err)
	}
	if doc1.ObjectID != doc2.ObjectID {
		t.Fatalf("expected same object id across calls")
	}
}

func TestGetOrCreateConcurrentCallersConverge(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	docs := make([]*registry.ObjectDocument, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			docs[i], errs[i] = r.GetOrCreate(ctx, "proj", "shared-object")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: GetOrCreate: %v", i, err)
		}
	}
	for i := 1; i < workers; i++ {
		if docs[i].ObjectID != docs[0].ObjectID || docs[i].ObjectName != docs[0].ObjectName {
			t.Fatalf("worker %d converged to a different document: %+v vs %+v", i, docs[i], docs[0])
		}
	}
}

func TestSetConditionalWriteDetectsConflict(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	doc, err := r.GetOrCreate(ctx, "proj", "obj-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	stale, ok, err := r.Get(ctx, "proj", "obj-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}

	doc.Active.StreamIdentifier = "stream-1"
	if err := r.Set(ctx, doc); err != nil {
		t.Fatalf("first Set: %v", err)
	}

	stale.Active.StreamIdentifier = "stream-conflicting"
	err = r.Set(ctx, stale)
	if err == nil {
		t.Fatalf("expected conflicting Set to fail")
	}
}

func TestTagLookupRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.SetTag(ctx, "proj", "stream-1", "Important"); err != nil {
		t.Fatalf("SetTag: %v", err)
	}
	if err := r.SetTag(ctx, "proj", "stream-1", "Important"); err != nil {
		t.Fatalf("SetTag (repeat, should be idempotent): %v", err)
	}

	ids, err := r.ByTag(ctx, "proj", "important")
	if err != nil {
		t.Fatalf("ByTag: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stream-1" {
		t.Fatalf("expected [stream-1], got %v", ids)
	}

	if err := r.RemoveTag(ctx, "proj", "stream-1", "Important"); err != nil {
		t.Fatalf("RemoveTag: %v", err)
	}
	ids, err = r.ByTag(ctx, "proj", "important")
	if err != nil {
		t.Fatalf("ByTag after remove: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty tag set after remove, got %v", ids)
	}
}

func TestSanitizeTagStripsUnsafeCharactersAndLowercases(t *testing.T) {
	got := tagstore.Sanitize(`A/B\C*D?E<F>G|H"I` + "\r\n")
	if got != "abcdefghi" {
		t.Fatalf("expected 'abcdefghi', got %q", got)
	}
}
