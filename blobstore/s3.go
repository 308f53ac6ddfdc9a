package blobstore

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// S3 stores objects in a bucket of an S3-compatible store.
type S3 struct {
	log    *zap.Logger
	client *minio.Client
	bucket string
}

var _ Gateway = (*S3)(nil)

// NewS3 creates an S3-compatible gateway from a parsed
// s3://<access>:<secret>@<endpoint>/<bucket>?secure=<bool> URL, creating the
// bucket when it does not exist yet.
func NewS3(ctx context.Context, log *zap.Logger, address *url.URL) (*S3, error) {
	if address.User == nil {
		return nil, Error.New("missing s3 credentials")
	}
	secret, _ := address.User.Password()
	bucket := strings.Trim(address.Path, "/")
	if bucket == "" {
		return nil, Error.New("missing s3 bucket")
	}

	client, err := minio.New(address.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(address.User.Username(), secret, ""),
		Secure: address.Query().Get("secure") == "true",
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	return &S3{log: log, client: client, bucket: bucket}, nil
}

// Put stores data under path, replacing any existing object.
func (store *S3) Put(ctx context.Context, path string, data []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = store.client.PutObject(ctx, store.bucket, path,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return Error.Wrap(err)
}

// PutStream stores the contents of r under path.
func (store *S3) PutStream(ctx context.Context, path string, r io.Reader, size int64) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = store.client.PutObject(ctx, store.bucket, path, r, size, minio.PutObjectOptions{})
	return Error.Wrap(err)
}

// Get opens the object stored under path for reading.
func (store *S3) Get(ctx context.Context, path string) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)
	object, err := store.client.GetObject(ctx, store.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// GetObject defers the request until the first read, so probe here to
	// surface missing objects as errors.
	if _, err := object.Stat(); err != nil {
		_ = object.Close()
		return nil, Error.Wrap(err)
	}
	return object, nil
}

// Delete removes the object stored under path.
func (store *S3) Delete(ctx context.Context, path string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(store.client.RemoveObject(ctx, store.bucket, path, minio.RemoveObjectOptions{}))
}

// DeletePrefix removes all objects stored under prefix.
func (store *S3) DeletePrefix(ctx context.Context, prefix string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var group errs.Group
	for object := range store.client.ListObjects(ctx, store.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			group.Add(object.Err)
			continue
		}
		group.Add(store.client.RemoveObject(ctx, store.bucket, object.Key, minio.RemoveObjectOptions{}))
	}
	return Error.Wrap(group.Err())
}

// Copy duplicates the object at srcPath to dstPath server-side.
func (store *S3) Copy(ctx context.Context, srcPath, dstPath string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = store.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: store.bucket, Object: dstPath},
		minio.CopySrcOptions{Bucket: store.bucket, Object: srcPath})
	return Error.Wrap(err)
}
