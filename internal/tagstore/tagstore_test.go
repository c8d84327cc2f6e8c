package tagstore_test

import (
	"context"
	"testing"

	"github.com/eventkeep/storeruntime/internal/objectstore"
	"github.com/eventkeep/storeruntime/internal/tagstore"
)

func newTestTagStore(t *testing.T) *tagstore.Store {
	t.Helper()
	st, err := objectstore.NewBoltStore(t.TempDir() + "/tags.bolt")
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return tagstore.New(st, "objects")
}

func TestSetGetRemoveRoundTrip(t *testing.T) {
	ts := newTestTagStore(t)
	ctx := context.Background()

	if err := ts.Set(ctx, "proj", "s1", "urgent"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := ts.Set(ctx, "proj", "s2", "urgent"); err != nil {
		t.Fatalf("Set second stream: %v", err)
	}

	ids, err := ts.Get(ctx, "proj", "urgent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 streams tagged urgent, got %v", ids)
	}

	if err := ts.Remove(ctx, "proj", "s1", "urgent"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ids, err = ts.Get(ctx, "proj", "urgent")
	if err != nil {
		t.Fatalf("Get after remove: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s2" {
		t.Fatalf("expected only s2 remaining, got %v", ids)
	}
}

func TestGetUnknownTagReturnsEmpty(t *testing.T) {
	ts := newTestTagStore(t)
	ids, err := ts.Get(context.Background(), "proj", "never-used")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no results, got %v", ids)
	}
}

func TestSetIsIdempotent(t *testing.T) {
	ts := newTestTagStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := ts.Set(ctx, "proj", "s1", "repeat"); err != nil {
			t.Fatalf("Set call %d: %v", i, err)
		}
	}
	ids, err := ts.Get(ctx, "proj", "repeat")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected exactly one entry after repeated Set, got %v", ids)
	}
}

func TestGetScopesByObjectName(t *testing.T) {
	ts := newTestTagStore(t)
	ctx := context.Background()

	if err := ts.Set(ctx, "proj-a", "s1", "shared"); err != nil {
		t.Fatalf("Set proj-a: %v", err)
	}
	if err := ts.Set(ctx, "proj-b", "s1", "shared"); err != nil {
		t.Fatalf("Set proj-b: %v", err)
	}

	idsA, err := ts.Get(ctx, "proj-a", "shared")
	if err != nil {
		t.Fatalf("Get proj-a: %v", err)
	}
	idsB, err := ts.Get(ctx, "proj-b", "shared")
	if err != nil {
		t.Fatalf("Get proj-b: %v", err)
	}
	if len(idsA) != 1 || len(idsB) != 1 {
		t.Fatalf("expected one stream per object scope, got %v / %v", idsA, idsB)
	}
}
