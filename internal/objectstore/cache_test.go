package objectstore_test

import (
	"testing"

	"github.com/eventkeep/storeruntime/internal/objectstore"
)

func TestVerifiedBucketsAddIsIdempotent(t *testing.T) {
	bucket := "cache-test-bucket-unique"
	if objectstore.VerifiedBuckets.Has(bucket) {
		t.Fatalf("did not expect %q to be cached yet", bucket)
	}
	objectstore.VerifiedBuckets.Add(bucket)
	objectstore.VerifiedBuckets.Add(bucket)
	if !objectstore.VerifiedBuckets.Has(bucket) {
		t.Fatalf("expected %q to be cached after Add", bucket)
	}
}
