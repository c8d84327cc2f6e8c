// Package snapshot stores point-in-time projections keyed by stream,
// version, and an optional label, so rehydration can skip replaying the
// full event history.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/eventkeep/storeruntime/internal/objectstore"
)

// Snapshot is a stored projection at a given stream version.
type Snapshot struct {
	StreamIdentifier string
	Version          uint32
	Label            string
	ContentType      string
	Body             []byte
	LastModified     time.Time
}

// Store persists and retrieves snapshots through an object-store backend.
type Store struct {
	objects objectstore.Store
	bucket  string
}

// New creates a snapshot Store in the given bucket.
func New(objects objectstore.Store, bucket string) *Store {
	return &Store{objects: objects, bucket: bucket}
}

func key(streamID string, version uint32, label string) string {
	if label == "" {
		return fmt.Sprintf("snapshot/%s-%020d.json", streamID, version)
	}
	return fmt.Sprintf("snapshot/%s-%020d_%s.json", streamID, version, label)
}

// Put writes a snapshot for streamID at version, optionally labeled.
func (s *Store) Put(ctx context.Context, streamID string, version uint32, label string, body []byte) error {
	if err := s.objects.EnsureContainer(ctx, s.bucket); err != nil {
		return fmt.Errorf("snapshot: ensure container: %w", err)
	}
	k := key(streamID, version, label)
	if _, _, err := s.objects.Put(ctx, s.bucket, k, body, "", ""); err != nil {
		return fmt.Errorf("snapshot: put %s: %w", k, err)
	}
	return nil
}

// Get returns the snapshot for streamID at version and label, or ok=false
// if it does not exist.
func (s *Store) Get(ctx context.Context, streamID string, version uint32, label string) (*Snapshot, bool, error) {
	k := key(streamID, version, label)
	obj, ok, err := s.objects.Get(ctx, s.bucket, k, "")
	if err != nil {
		return nil, false, fmt.Errorf("snapshot: get %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Snapshot{
		StreamIdentifier: streamID,
		Version:          version,
		Label:            label,
		ContentType:      "application/json",
		Body:             obj.Body,
	}, true, nil
}

// List returns the keys of every snapshot stored for streamID.
func (s *Store) List(ctx context.Context, streamID string) ([]string, error) {
	prefix := fmt.Sprintf("snapshot/%s-", streamID)
	res, err := s.objects.List(ctx, s.bucket, prefix, "")
	if err != nil {
		return nil, fmt.Errorf("snapshot: list %s: %w", prefix, err)
	}
	keys := res.Keys
	for res.NextToken != "" {
		res, err = s.objects.List(ctx, s.bucket, prefix, res.NextToken)
		if err != nil {
			return nil, fmt.Errorf("snapshot: list %s (paginated): %w", prefix, err)
		}
		keys = append(keys, res.Keys...)
	}
	return keys, nil
}

// Delete removes the snapshot for streamID at version and label.
func (s *Store) Delete(ctx context.Context, streamID string, version uint32, label string) error {
	k := key(streamID, version, label)
	if err := s.objects.Delete(ctx, s.bucket, k); err != nil {
		return fmt.Errorf("snapshot: delete %s: %w", k, err)
	}
	return nil
}
