package objectstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore is the tabular backend: objects live as rows in a single
// table, one row per (bucket, key), with a true compare-and-swap via
// UPDATE ... WHERE etag = $n. This exercises the "table" backend family
// named alongside blob/cosmos in the design notes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB and ensures the backing table exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	p := &PostgresStore{db: db}
	if err := p.ensureTable(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PostgresStore) ensureTable() error {
	const q = `
CREATE TABLE IF NOT EXISTS objectstore_objects (
  bucket text NOT NULL,
  key text NOT NULL,
  body bytea NOT NULL,
  etag text NOT NULL,
  PRIMARY KEY (bucket, key)
);
`
	_, err := p.db.Exec(q)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, bucket, key, expectedETag string) (*Object, bool, error) {
	var body []byte
	var etag string
	err := p.db.QueryRowContext(ctx,
		`SELECT body, etag FROM objectstore_objects WHERE bucket=$1 AND key=$2`,
		bucket, key,
	).Scan(&body, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: pg get %s/%s: %v", ErrTransport, bucket, key, err)
	}
	return &Object{Body: body, ETag: etag, Hash: hashHex(body)}, true, nil
}

func (p *PostgresStore) Put(ctx context.Context, bucket, key string, body []byte, ifMatch, ifNoneMatch string) (string, string, error) {
	newETag := uuid.NewString()

	if ifNoneMatch == "*" {
		res, err := p.db.ExecContext(ctx,
			`INSERT INTO objectstore_objects (bucket, key, body, etag)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (bucket, key) DO NOTHING`,
			bucket, key, body, newETag,
		)
		if err != nil {
			return "", "", fmt.Errorf("%w: pg insert %s/%s: %v", ErrTransport, bucket, key, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return "", "", ErrPreconditionFailed
		}
		return newETag, hashHex(body), nil
	}

	if ifMatch != "" {
		res, err := p.db.ExecContext(ctx,
			`UPDATE objectstore_objects SET body=$1, etag=$2 WHERE bucket=$3 AND key=$4 AND etag=$5`,
			body, newETag, bucket, key, ifMatch,
		)
		if err != nil {
			return "", "", fmt.Errorf("%w: pg update %s/%s: %v", ErrTransport, bucket, key, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return "", "", ErrPreconditionFailed
		}
		return newETag, hashHex(body), nil
	}

	// Unconditional upsert.
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO objectstore_objects (bucket, key, body, etag) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (bucket, key) DO UPDATE SET body=EXCLUDED.body, etag=EXCLUDED.etag`,
		bucket, key, body, newETag,
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: pg upsert %s/%s: %v", ErrTransport, bucket, key, err)
	}
	return newETag, hashHex(body), nil
}

func (p *PostgresStore) Head(ctx context.Context, bucket, key string) (string, bool, error) {
	var etag string
	err := p.db.QueryRowContext(ctx,
		`SELECT etag FROM objectstore_objects WHERE bucket=$1 AND key=$2`,
		bucket, key,
	).Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: pg head %s/%s: %v", ErrTransport, bucket, key, err)
	}
	return etag, true, nil
}

func (p *PostgresStore) List(ctx context.Context, bucket, prefix, continuationToken string) (ListResult, error) {
	// continuationToken carries the last key returned (keyset pagination).
	var rows *sql.Rows
	var err error
	const pageSize = 1000
	if continuationToken == "" {
		rows, err = p.db.QueryContext(ctx,
			`SELECT key FROM objectstore_objects WHERE bucket=$1 AND key LIKE $2 ORDER BY key LIMIT $3`,
			bucket, prefix+"%", pageSize+1,
		)
	} else {
		rows, err = p.db.QueryContext(ctx,
			`SELECT key FROM objectstore_objects WHERE bucket=$1 AND key LIKE $2 AND key > $3 ORDER BY key LIMIT $4`,
			bucket, prefix+"%", continuationToken, pageSize+1,
		)
	}
	if err != nil {
		return ListResult{}, fmt.Errorf("%w: pg list %s/%s: %v", ErrTransport, bucket, prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return ListResult{}, fmt.Errorf("%w: pg list scan: %v", ErrTransport, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("%w: pg list rows: %v", ErrTransport, err)
	}

	next := ""
	if len(keys) > pageSize {
		next = keys[pageSize-1]
		keys = keys[:pageSize]
	}
	return ListResult{Keys: keys, NextToken: next}, nil
}

func (p *PostgresStore) Delete(ctx context.Context, bucket, key string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM objectstore_objects WHERE bucket=$1 AND key=$2`,
		bucket, key,
	)
	if err != nil {
		return fmt.Errorf("%w: pg delete %s/%s: %v", ErrTransport, bucket, key, err)
	}
	return nil
}

// EnsureContainer is a no-op beyond the verified-bucket cache: every bucket
// shares the same underlying table, namespaced by the bucket column.
func (p *PostgresStore) EnsureContainer(ctx context.Context, bucket string) error {
	VerifiedBuckets.Add(bucket)
	return nil
}
