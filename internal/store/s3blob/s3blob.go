// Package s3blob provides a BlobStorage implementation backed by an S3
// compatible object store such as AWS S3 or MinIO. Payloads are stored as
// single objects keyed <prefix><id>.blob.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/haukened/burnbox/internal/app"
	"github.com/haukened/burnbox/internal/domain"
	"github.com/haukened/burnbox/internal/store"
)

var _ store.BlobStorage = (*BlobStore)(nil)

// API is the subset of *s3.Client used by BlobStore.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config describes the bucket and how to reach it.
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string // custom endpoint for MinIO and friends
	AccessKey    string
	SecretKey    string
	Prefix       string
	UsePathStyle bool
}

// NewClient builds an S3 client from cfg. Static credentials are used when
// AccessKey is set; otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// BlobStore implements store.BlobStorage on an S3 bucket.
type BlobStore struct {
	api    API
	bucket string
	prefix string
	// MinAge hides objects younger than this from List.
	MinAge time.Duration
	now    func() time.Time
}

// New returns a BlobStore over api.
func New(api API, bucket, prefix string) (*BlobStore, error) {
	if api == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	return &BlobStore{api: api, bucket: bucket, prefix: prefix, MinAge: time.Second, now: time.Now}, nil
}

const blobExt = ".blob"

func (b *BlobStore) key(id string) string { return b.prefix + id + blobExt }

// Write uploads exactly size bytes from r. The conditional put refuses to
// overwrite an existing object, which surfaces as app.ErrConflict.
func (b *BlobStore) Write(ctx context.Context, id string, r io.Reader, size int64) error {
	if _, err := domain.ParseID(id); err != nil {
		return fmt.Errorf("invalid blob id: %w", err)
	}
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(id)),
		Body:          io.LimitReader(r, size),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("text/plain"),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		if apiCode(err) == "PreconditionFailed" {
			return fmt.Errorf("%w: blob %s exists", app.ErrConflict, id)
		}
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Open streams the object body.
func (b *BlobStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if _, err := domain.ParseID(id); err != nil {
		return nil, fmt.Errorf("invalid blob id: %w", err)
	}
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, store.ErrBlobNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

// Consume opens the object; closing the returned reader deletes it.
func (b *BlobStore) Consume(ctx context.Context, id string) (io.ReadCloser, error) {
	body, err := b.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	return &deletingBody{ReadCloser: body, del: func() error {
		// the request context may already be done once the caller closes
		return b.Delete(context.WithoutCancel(ctx), id)
	}}, nil
}

type deletingBody struct {
	io.ReadCloser
	del func() error
}

func (d *deletingBody) Close() error {
	cErr := d.ReadCloser.Close()
	dErr := d.del()
	if cErr != nil {
		return cErr
	}
	return dErr
}

// Delete removes the object. S3 deletes are idempotent, so a missing object
// is not reported.
func (b *BlobStore) Delete(ctx context.Context, id string) error {
	if _, err := domain.ParseID(id); err != nil {
		return fmt.Errorf("invalid blob id: %w", err)
	}
	_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// List pages through the prefix and returns IDs of objects older than MinAge.
func (b *BlobStore) List(ctx context.Context) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})
	cutoff := b.now().Add(-b.MinAge)
	var ids []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
			id, ok := strings.CutSuffix(name, blobExt)
			if !ok || !domain.RecordID(id).Valid() {
				continue
			}
			if obj.LastModified != nil && obj.LastModified.After(cutoff) {
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	return apiCode(err) == "NoSuchKey"
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
