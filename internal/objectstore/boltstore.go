package objectstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const boltETagKeyPrefix = "\x00etag\x00"

// BoltStore is the embedded/dev backend: one bbolt file, one top-level
// bucket per object-store bucket. Each object's etag is stored alongside
// its body under a reserved key, and conditional writes compare the two
// inside a single read-write transaction — a true compare-and-swap, same
// guarantee as PostgresStore, without needing a database server.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt db %s: %v", ErrTransport, path, err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

func etagKey(key string) []byte {
	return []byte(boltETagKeyPrefix + key)
}

func (b *BoltStore) Get(ctx context.Context, bucket, key, expectedETag string) (*Object, bool, error) {
	var obj *Object
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(bucket))
		if bk == nil {
			return nil
		}
		body := bk.Get([]byte(key))
		if body == nil {
			return nil
		}
		etag := string(bk.Get(etagKey(key)))
		bodyCopy := append([]byte(nil), body...)
		obj = &Object{Body: bodyCopy, ETag: etag, Hash: hashHex(bodyCopy)}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: bolt get %s/%s: %v", ErrTransport, bucket, key, err)
	}
	if obj == nil {
		return nil, false, nil
	}
	return obj, true, nil
}

func (b *BoltStore) Put(ctx context.Context, bucket, key string, body []byte, ifMatch, ifNoneMatch string) (string, string, error) {
	newETag := uuid.NewString()
	var result error

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		existing := bk.Get([]byte(key))
		currentETag := string(bk.Get(etagKey(key)))

		if ifNoneMatch == "*" && existing != nil {
			result = ErrPreconditionFailed
			return nil
		}
		if ifMatch != "" && (existing == nil || currentETag != ifMatch) {
			result = ErrPreconditionFailed
			return nil
		}

		if err := bk.Put([]byte(key), body); err != nil {
			return err
		}
		return bk.Put(etagKey(key), []byte(newETag))
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: bolt put %s/%s: %v", ErrTransport, bucket, key, err)
	}
	if result != nil {
		return "", "", result
	}
	return newETag, hashHex(body), nil
}

func (b *BoltStore) Head(ctx context.Context, bucket, key string) (string, bool, error) {
	var etag string
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(bucket))
		if bk == nil {
			return nil
		}
		if bk.Get([]byte(key)) == nil {
			return nil
		}
		etag = string(bk.Get(etagKey(key)))
		ok = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: bolt head %s/%s: %v", ErrTransport, bucket, key, err)
	}
	return etag, ok, nil
}

func (b *BoltStore) List(ctx context.Context, bucket, prefix, continuationToken string) (ListResult, error) {
	const pageSize = 1000
	var keys []string
	next := ""

	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(bucket))
		if bk == nil {
			return nil
		}
		c := bk.Cursor()
		var k, v []byte
		if continuationToken != "" {
			k, v = c.Seek([]byte(continuationToken))
			if string(k) == continuationToken {
				k, v = c.Next()
			}
		} else {
			k, v = c.Seek([]byte(prefix))
		}
		for ; k != nil; k, v = c.Next() {
			_ = v
			sk := string(k)
			if len(sk) >= len(boltETagKeyPrefix) && sk[:len(boltETagKeyPrefix)] == boltETagKeyPrefix {
				continue
			}
			if !hasPrefix(sk, prefix) {
				break
			}
			if len(keys) == pageSize {
				next = keys[len(keys)-1]
				break
			}
			keys = append(keys, sk)
		}
		return nil
	})
	if err != nil {
		return ListResult{}, fmt.Errorf("%w: bolt list %s/%s: %v", ErrTransport, bucket, prefix, err)
	}
	return ListResult{Keys: keys, NextToken: next}, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (b *BoltStore) Delete(ctx context.Context, bucket, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(bucket))
		if bk == nil {
			return nil
		}
		if err := bk.Delete([]byte(key)); err != nil {
			return err
		}
		return bk.Delete(etagKey(key))
	})
	if err != nil {
		return fmt.Errorf("%w: bolt delete %s/%s: %v", ErrTransport, bucket, key, err)
	}
	return nil
}

// EnsureContainer creates the top-level bucket if absent.
func (b *BoltStore) EnsureContainer(ctx context.Context, bucket string) error {
	if VerifiedBuckets.Has(bucket) {
		return nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: bolt create bucket %s: %v", ErrTransport, bucket, err)
	}
	VerifiedBuckets.Add(bucket)
	return nil
}
