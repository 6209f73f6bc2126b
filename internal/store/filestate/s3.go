package filestate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fpang/album-poster/internal/store"
)

// S3API is the subset of the S3 client used by S3Tree.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// commitMessageKey is the user metadata key holding the write's message.
const commitMessageKey = "commit-message"

// S3Tree stores documents as objects under {prefix}/{branch}/ in a bucket.
// Revisions are ETags and writes use conditional PUTs. Enable bucket
// versioning to keep the history of each document.
type S3Tree struct {
	client S3API
	bucket string
	prefix string
	branch string
}

// NewS3Tree creates a tree in bucket. prefix may be empty.
func NewS3Tree(client S3API, bucket, prefix, branch string) *S3Tree {
	if branch == "" {
		branch = DefaultBranch
	}
	return &S3Tree{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), branch: branch}
}

// Name returns "s3:bucket/prefix@branch".
func (t *S3Tree) Name() string {
	return fmt.Sprintf("s3:%s@%s", path.Join(t.bucket, t.prefix), t.branch)
}

func (t *S3Tree) objectKey(p string) string {
	return path.Join(t.prefix, t.branch, p)
}

// EnsureBranch is a no-op; key prefixes need no creation.
func (t *S3Tree) EnsureBranch(ctx context.Context) error {
	return nil
}

// Get reads one object.
func (t *S3Tree) Get(ctx context.Context, p string) (Document, bool, error) {
	key := t.objectKey(p)
	result, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return Document{}, false, nil
		}
		classified := store.ClassifyAWSError(err)
		if errors.Is(classified, store.ErrNotFound) {
			return Document{}, false, nil
		}
		return Document{}, false, fmt.Errorf("get s3://%s/%s: %w", t.bucket, key, classified)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return Document{}, false, fmt.Errorf("read s3://%s/%s: %w: %w", t.bucket, key, store.ErrUnavailable, err)
	}
	return Document{Content: data, Revision: aws.ToString(result.ETag)}, true, nil
}

// Put writes one object conditioned on its ETag, or on its absence when
// revision is empty.
func (t *S3Tree) Put(ctx context.Context, p string, content []byte, revision, message string) (string, error) {
	key := t.objectKey(p)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{commitMessageKey: asciiMetadata(message)},
	}
	if revision == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(revision)
	}

	result, err := t.client.PutObject(ctx, input)
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", t.bucket, key, store.ClassifyAWSError(err))
	}
	return aws.ToString(result.ETag), nil
}

// CheckAccess checks that the bucket exists and is reachable.
func (t *S3Tree) CheckAccess(ctx context.Context) error {
	if _, err := t.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(t.bucket)}); err != nil {
		return fmt.Errorf("head bucket %s: %w", t.bucket, store.ClassifyAWSError(err))
	}
	return nil
}

// asciiMetadata replaces characters S3 user metadata cannot carry.
func asciiMetadata(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return '?'
		}
		return r
	}, s)
}

var _ Tree = (*S3Tree)(nil)
