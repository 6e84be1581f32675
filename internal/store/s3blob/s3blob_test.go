package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/burnbox/internal/app"
	"github.com/haukened/burnbox/internal/domain"
	"github.com/haukened/burnbox/internal/store"
)

type object struct {
	data     []byte
	modified time.Time
}

// fakeS3 is an in-memory API with S3 semantics for the calls BlobStore makes.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]object
	pageSize int
	now      time.Time
	putErr   error
	lists    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]object{}, pageSize: 2, now: time.Unix(1_700_000_000, 0)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, ok := f.objects[key]; ok {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "exists"}
		}
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = object{data: b, modified: f.now}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(o.data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	var keys []string
	for k := range f.objects {
		if len(k) >= len(aws.ToString(in.Prefix)) && k[:len(aws.ToString(in.Prefix))] == aws.ToString(in.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start, _ = strconv.Atoi(tok)
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		o := f.objects[k]
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), LastModified: aws.Time(o.modified)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func newID(t *testing.T) string {
	t.Helper()
	id, err := domain.NewID()
	require.NoError(t, err)
	return id.String()
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, "b", "")
	assert.Error(t, err)
	_, err = New(newFakeS3(), "", "")
	assert.Error(t, err)
}

func TestWriteOpenDelete(t *testing.T) {
	api := newFakeS3()
	bs, err := New(api, "bucket", "records/")
	require.NoError(t, err)
	ctx := context.Background()
	id := newID(t)

	require.NoError(t, bs.Write(ctx, id, bytes.NewReader([]byte("payload-and-more")), 7))
	assert.Contains(t, api.objects, "records/"+id+".blob")

	rc, err := bs.Open(ctx, id)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "payload", string(got))

	require.NoError(t, bs.Delete(ctx, id))
	_, err = bs.Open(ctx, id)
	assert.ErrorIs(t, err, store.ErrBlobNotFound)
	assert.NoError(t, bs.Delete(ctx, id), "deletes are idempotent")
}

func TestConsumeDeletesOnClose(t *testing.T) {
	api := newFakeS3()
	bs, _ := New(api, "bucket", "")
	ctx, cancel := context.WithCancel(context.Background())
	id := newID(t)
	require.NoError(t, bs.Write(ctx, id, bytes.NewReader([]byte("once")), 4))

	rc, err := bs.Consume(ctx, id)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "once", string(got))
	cancel()
	require.NoError(t, rc.Close())
	assert.NotContains(t, api.objects, id+".blob")

	_, err = bs.Consume(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrBlobNotFound)
}

func TestWriteExistingIsConflict(t *testing.T) {
	bs, _ := New(newFakeS3(), "bucket", "")
	ctx := context.Background()
	id := newID(t)
	require.NoError(t, bs.Write(ctx, id, bytes.NewReader([]byte("a")), 1))
	err := bs.Write(ctx, id, bytes.NewReader([]byte("b")), 1)
	assert.ErrorIs(t, err, app.ErrConflict)
}

func TestWriteWrapsTransportError(t *testing.T) {
	api := newFakeS3()
	api.putErr = errors.New("connection reset")
	bs, _ := New(api, "bucket", "")
	err := bs.Write(context.Background(), newID(t), bytes.NewReader([]byte("a")), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, app.ErrConflict)
	assert.Contains(t, err.Error(), "put object")
}

func TestInvalidIDRejected(t *testing.T) {
	bs, _ := New(newFakeS3(), "bucket", "")
	ctx := context.Background()
	assert.ErrorIs(t, bs.Write(ctx, "../x", bytes.NewReader(nil), 0), domain.ErrInvalidID)
	_, err := bs.Open(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidID)
	assert.ErrorIs(t, bs.Delete(ctx, ""), domain.ErrInvalidID)
}

func TestListPaginatesAndFilters(t *testing.T) {
	api := newFakeS3()
	bs, _ := New(api, "bucket", "p/")
	bs.now = func() time.Time { return api.now.Add(2 * time.Minute) }
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		id := newID(t)
		require.NoError(t, bs.Write(ctx, id, bytes.NewReader([]byte("x")), 1))
		want = append(want, id)
	}
	api.objects["p/not-a-record.blob"] = object{data: []byte("x"), modified: api.now}
	api.objects["p/"+newID(t)] = object{data: []byte("x"), modified: api.now}
	fresh := newID(t)
	api.objects["p/"+fresh+".blob"] = object{data: []byte("x"), modified: api.now.Add(2*time.Minute - 500*time.Millisecond)}
	api.objects["other/"+newID(t)+".blob"] = object{data: []byte("x"), modified: api.now}

	ids, err := bs.List(ctx)
	require.NoError(t, err)
	sort.Strings(ids)
	sort.Strings(want)
	assert.Equal(t, want, ids)
	assert.Greater(t, api.lists, 1, "expected more than one page")
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.False(t, isNotFound(errors.New("other")))
}
