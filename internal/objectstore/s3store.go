package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Store is the production blob backend: AWS S3 (or an S3-compatible
// endpoint reachable via the standard AWS SDK config resolution).
//
// S3 has no native If-Match precondition on PutObject, so conditional writes
// are emulated: Put re-reads the current ETag and compares it against
// ifMatch/ifNoneMatch before uploading. This narrows, but does not close,
// the race window between the check and the upload — the Stream Document
// Codec's content-hash chaining is what ultimately makes the optimistic
// concurrency check authoritative, not this emulation.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Store creates an S3Store using the AWS SDK's default config chain
// (environment, shared config file, IAM role, etc).
func NewS3Store(ctx context.Context, optFns ...func(*awsConfig.LoadOptions) error) (*S3Store, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (s *S3Store) Get(ctx context.Context, bucket, key, expectedETag string) (*Object, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) || isNotFoundBucket(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: s3 get %s/%s: %v", ErrTransport, bucket, key, err)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, false, fmt.Errorf("%w: s3 read body: %v", ErrTransport, err)
	}
	body := buf.Bytes()
	etag := ""
	if out.ETag != nil {
		etag = *out.ETag
	}
	return &Object{Body: body, ETag: etag, Hash: hashHex(body)}, true, nil
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, body []byte, ifMatch, ifNoneMatch string) (string, string, error) {
	if ifMatch != "" || ifNoneMatch == "*" {
		currentETag, exists, err := s.Head(ctx, bucket, key)
		if err != nil {
			return "", "", err
		}
		if ifNoneMatch == "*" && exists {
			return "", "", ErrPreconditionFailed
		}
		if ifMatch != "" && (!exists || currentETag != ifMatch) {
			return "", "", ErrPreconditionFailed
		}
	}

	sum := md5.Sum(body)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ContentMD5:           aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		if isChecksumMismatch(err) {
			return "", "", fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		return "", "", fmt.Errorf("%w: s3 put %s/%s: %v", ErrTransport, bucket, key, err)
	}

	etag, _, err := s.Head(ctx, bucket, key)
	if err != nil {
		return "", "", err
	}
	return etag, hashHex(body), nil
}

func (s *S3Store) Head(ctx context.Context, bucket, key string) (string, bool, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: s3 head %s/%s: %v", ErrTransport, bucket, key, err)
	}
	etag := ""
	if out.ETag != nil {
		etag = *out.ETag
	}
	return etag, true, nil
}

func (s *S3Store) List(ctx context.Context, bucket, prefix, continuationToken string) (ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if continuationToken != "" {
		input.ContinuationToken = aws.String(continuationToken)
	}
	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		if isNotFoundBucket(err) {
			return ListResult{}, fmt.Errorf("%w: bucket %s", ErrContainerMissing, bucket)
		}
		return ListResult{}, fmt.Errorf("%w: s3 list %s/%s: %v", ErrTransport, bucket, prefix, err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key != nil {
			keys = append(keys, *obj.Key)
		}
	}
	next := ""
	if out.NextContinuationToken != nil {
		next = *out.NextContinuationToken
	}
	return ListResult{Keys: keys, NextToken: next}, nil
}

func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: s3 delete %s/%s: %v", ErrTransport, bucket, key, err)
	}
	return nil
}

// EnsureContainer creates the bucket if absent. Verification is cached
// process-wide so repeated appends don't re-check on every call.
func (s *S3Store) EnsureContainer(ctx context.Context, bucket string) error {
	if VerifiedBuckets.Has(bucket) {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		VerifiedBuckets.Add(bucket)
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("%w: head bucket %s: %v", ErrTransport, bucket, err)
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil && !isBucketOwnedByYou(err) {
		return fmt.Errorf("%w: create bucket %s: %v", ErrTransport, bucket, err)
	}
	VerifiedBuckets.Add(bucket)
	return nil
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}

func isNotFoundBucket(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchBucket"
	}
	return false
}

func isBucketOwnedByYou(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "BucketAlreadyOwnedByYou"
	}
	return false
}

func isChecksumMismatch(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "BadDigest"
	}
	return false
}
