package objectstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/eventkeep/storeruntime/internal/objectstore"
)

func openTestBoltStore(t *testing.T) *objectstore.BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.bolt")
	st, err := objectstore.NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestBoltStorePutGetRoundTrip(t *testing.T) {
	st := openTestBoltStore(t)
	ctx := context.Background()

	etag, hash, err := st.Put(ctx, "b1", "k1", []byte("hello"), "", "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if etag == "" || hash == "" {
		t.Fatalf("expected non-empty etag/hash, got %q/%q", etag, hash)
	}

	obj, ok, err := st.Get(ctx, "b1", "k1", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected object to exist")
	}
	if string(obj.Body) != "hello" {
		t.Fatalf("expected body 'hello', got %q", obj.Body)
	}
	if obj.ETag != etag {
		t.Fatalf("expected etag %q, got %q", etag, obj.ETag)
	}
}

func TestBoltStoreIfNoneMatchRejectsExisting(t *testing.T) {
	st := openTestBoltStore(t)
	ctx := context.Background()

	if _, _, err := st.Put(ctx, "b1", "k1", []byte("v1"), "", "*"); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	_, _, err := st.Put(ctx, "b1", "k1", []byte("v2"), "", "*")
	if !errors.Is(err, objectstore.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestBoltStoreIfMatchRequiresCurrentETag(t *testing.T) {
	st := openTestBoltStore(t)
	ctx := context.Background()

	etag, _, err := st.Put(ctx, "b1", "k1", []byte("v1"), "", "*")
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}

	if _, _, err := st.Put(ctx, "b1", "k1", []byte("v2"), "not-the-etag", ""); !errors.Is(err, objectstore.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed for stale etag, got %v", err)
	}

	if _, _, err := st.Put(ctx, "b1", "k1", []byte("v2"), etag, ""); err != nil {
		t.Fatalf("Put with correct etag: %v", err)
	}
}

func TestBoltStoreHeadAndDeleteAbsentKey(t *testing.T) {
	st := openTestBoltStore(t)
	ctx := context.Background()

	_, ok, err := st.Head(ctx, "b1", "missing")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if ok {
		t.Fatalf("expected Head to report absent key")
	}

	if err := st.Delete(ctx, "b1", "missing"); err != nil {
		t.Fatalf("Delete on absent key should not error: %v", err)
	}
}

func TestBoltStoreListByPrefix(t *testing.T) {
	st := openTestBoltStore(t)
	ctx := context.Background()

	for _, k := range []string{"stream/a-1", "stream/a-2", "stream/b-1", "other/c-1"} {
		if _, _, err := st.Put(ctx, "b1", k, []byte("x"), "", ""); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	res, err := st.List(ctx, "b1", "stream/", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(res.Keys) != 3 {
		t.Fatalf("expected 3 keys under stream/, got %d: %v", len(res.Keys), res.Keys)
	}
}

func TestBoltStoreEnsureContainerIdempotent(t *testing.T) {
	st := openTestBoltStore(t)
	ctx := context.Background()

	if err := st.EnsureContainer(ctx, "fresh-bucket"); err != nil {
		t.Fatalf("EnsureContainer: %v", err)
	}
	if err := st.EnsureContainer(ctx, "fresh-bucket"); err != nil {
		t.Fatalf("EnsureContainer (second call): %v", err)
	}
}
