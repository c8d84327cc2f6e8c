// Package objectstore defines the capability set the rest of the runtime
// uses to talk to blob storage, plus the backends that implement it.
package objectstore

import (
	"context"
	"errors"
)

// Common errors. Callers use errors.Is against these sentinels.
var (
	// ErrPreconditionFailed is returned when an ifMatch/ifNoneMatch precondition
	// does not hold at write time.
	ErrPreconditionFailed = errors.New("objectstore: precondition failed")

	// ErrContainerMissing is returned when the target bucket/container does not
	// exist and auto-create is disabled.
	ErrContainerMissing = errors.New("objectstore: container missing")

	// ErrIntegrity is returned when a content-hash check fails on write.
	ErrIntegrity = errors.New("objectstore: integrity check failed")

	// ErrTransport wraps network/backend errors that are safe to retry with backoff.
	ErrTransport = errors.New("objectstore: transport error")
)

// Object is the result of a successful Get: the exact bytes last written,
// the backend's opaque version token (ETag or equivalent), and the
// SHA-256 hash of those bytes.
type Object struct {
	Body []byte
	ETag string
	Hash string
}

// ListResult is one page of a List call.
type ListResult struct {
	Keys       []string
	NextToken  string
}

// Store is the capability set every backend (S3, Postgres, Bolt) implements.
// A 404-equivalent (missing key, missing bucket) is reported as
// (nil, false, nil) — absence is not an error.
type Store interface {
	// Get returns the object at bucket/key, or ok=false if it does not exist.
	// If expectedETag is non-empty, implementations MAY use it to short-circuit
	// a transfer, but correctness never depends on that optimization.
	Get(ctx context.Context, bucket, key string, expectedETag string) (obj *Object, ok bool, err error)

	// Put writes body to bucket/key. ifMatch, if non-empty, requires the
	// current ETag to equal it (ErrPreconditionFailed otherwise). ifNoneMatch,
	// if "*", requires the key to not currently exist (ErrPreconditionFailed
	// otherwise). At most one of ifMatch/ifNoneMatch should be set.
	Put(ctx context.Context, bucket, key string, body []byte, ifMatch, ifNoneMatch string) (etag string, hash string, err error)

	// Head returns the current ETag for bucket/key, or ok=false if absent.
	Head(ctx context.Context, bucket, key string) (etag string, ok bool, err error)

	// List returns keys under prefix, paginated via continuationToken.
	List(ctx context.Context, bucket, prefix, continuationToken string) (ListResult, error)

	// Delete removes bucket/key. Deleting an absent key is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// EnsureContainer creates bucket if the backend requires it and it does
	// not already exist. Verification is cached per process (see VerifiedBuckets).
	EnsureContainer(ctx context.Context, bucket string) error
}
