// Package tagstore implements the tag store: the small, self-contained
// interface the core consumes to associate stream identifiers with
// user-supplied tags and look them back up. It owns the tag index object's
// key scheme and sanitization rule; the registry builds its tag-based
// lookups on top of it.
package tagstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/eventkeep/storeruntime/internal/objectstore"
)

// ErrConcurrentIndexUpdate is returned when a tag index write loses a race
// after exhausting its retries.
var ErrConcurrentIndexUpdate = errors.New("tagstore: concurrent index update")

// Store persists tag indexes in a bucket dedicated to tag documents.
type Store struct {
	objects objectstore.Store
	bucket  string
}

// New creates a tagstore Store backed by objects, persisting indexes in bucket.
func New(objects objectstore.Store, bucket string) *Store {
	return &Store{objects: objects, bucket: bucket}
}

func indexKey(tag string) string {
	return fmt.Sprintf("tags/stream-by-tag/%s.json", Sanitize(tag))
}

// Sanitize strips characters unsafe in an object-store key and lower-cases
// the result, so two tags that differ only by case or by one of the
// stripped characters resolve to the same index object.
func Sanitize(tag string) string {
	const unsafe = "\\/*?<>|\"\r\n"
	var b strings.Builder
	for _, r := range tag {
		if strings.ContainsRune(unsafe, r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

func qualify(objectName, streamID string) string {
	return strings.ToLower(objectName) + "/" + streamID
}

type index struct {
	Entries []string `json:"entries"`
}

// Set associates streamID (scoped to objectName) with tag. Idempotent.
func (s *Store) Set(ctx context.Context, objectName, streamID, tag string) error {
	return s.mutate(ctx, tag, func(idx *index) bool {
		entry := qualify(objectName, streamID)
		for _, e := range idx.Entries {
			if e == entry {
				return false
			}
		}
		idx.Entries = append(idx.Entries, entry)
		return true
	})
}

// Remove disassociates streamID (scoped to objectName) from tag.
func (s *Store) Remove(ctx context.Context, objectName, streamID, tag string) error {
	return s.mutate(ctx, tag, func(idx *index) bool {
		entry := qualify(objectName, streamID)
		for i, e := range idx.Entries {
			if e == entry {
				idx.Entries = append(idx.Entries[:i], idx.Entries[i+1:]...)
				return true
			}
		}
		return false
	})
}

// Get returns every stream identifier tagged with tag under objectName.
// The index is eventually consistent with the writer.
func (s *Store) Get(ctx context.Context, objectName, tag string) ([]string, error) {
	key := indexKey(tag)
	obj, ok, err := s.objects.Get(ctx, s.bucket, key, "")
	if err != nil {
		return nil, fmt.Errorf("tagstore: get %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	var idx index
	if err := json.Unmarshal(obj.Body, &idx); err != nil {
		return nil, fmt.Errorf("tagstore: decode %s: %w", key, err)
	}
	prefix := qualify(objectName, "")
	var matched []string
	for _, entry := range idx.Entries {
		if streamID, ok := strings.CutPrefix(entry, prefix); ok {
			matched = append(matched, streamID)
		}
	}
	sort.Strings(matched)
	return matched, nil
}

// mutate applies fn to the current index for tag and writes it back
// conditionally, retrying on a lost race since the index is state shared
// across every stream carrying the same tag.
func (s *Store) mutate(ctx context.Context, tag string, fn func(*index) bool) error {
	key := indexKey(tag)
	const maxAttempts = 5

	if err := s.objects.EnsureContainer(ctx, s.bucket); err != nil {
		return fmt.Errorf("tagstore: ensure container: %w", err)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		var idx index
		etag := ""
		obj, ok, err := s.objects.Get(ctx, s.bucket, key, "")
		if err != nil {
			return fmt.Errorf("tagstore: read %s: %w", key, err)
		}
		if ok {
			if err := json.Unmarshal(obj.Body, &idx); err != nil {
				return fmt.Errorf("tagstore: decode %s: %w", key, err)
			}
			etag = obj.ETag
		}

		if !fn(&idx) {
			return nil
		}

		body, err := json.Marshal(idx)
		if err != nil {
			return fmt.Errorf("tagstore: marshal %s: %w", key, err)
		}

		ifMatch, ifNoneMatch := etag, ""
		if ifMatch == "" {
			ifNoneMatch = "*"
		}
		_, _, err = s.objects.Put(ctx, s.bucket, key, body, ifMatch, ifNoneMatch)
		if err == nil {
			return nil
		}
		if !errors.Is(err, objectstore.ErrPreconditionFailed) {
			return fmt.Errorf("tagstore: write %s: %w", key, err)
		}
		// Lost the race; loop re-reads and retries.
	}
	return fmt.Errorf("tagstore: mutate %s: %w", key, ErrConcurrentIndexUpdate)
}
