// Package blobstore provides object storage access for chunk placement and
// final-object assembly. The backend, either a local directory or an
// S3-compatible store, is selected once at startup from configuration.
package blobstore

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default blobstore error class.
	Error = errs.Class("blobstore")

	mon = monkit.Package()
)

// Config contains configurable values for the blobstore.
type Config struct {
	Backend string `help:"where to store objects: local:<directory> or s3://<access>:<secret>@<endpoint>/<bucket>" default:"local:$CONFDIR/blobs"`
}

// Gateway is the narrow object-store contract used by the upload engine.
//
// Paths use forward slashes regardless of backend. DeletePrefix removes every
// object stored under the given prefix.
type Gateway interface {
	// Put stores data under path, replacing any existing object.
	Put(ctx context.Context, path string, data []byte) error
	// PutStream stores the contents of r under path. Size may be -1 when
	// unknown.
	PutStream(ctx context.Context, path string, r io.Reader, size int64) error
	// Get opens the object stored under path for reading.
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete removes the object stored under path.
	Delete(ctx context.Context, path string) error
	// DeletePrefix removes all objects stored under prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// Copy duplicates the object at srcPath to dstPath without the bytes
	// passing through the caller.
	Copy(ctx context.Context, srcPath, dstPath string) error
}

// New creates a Gateway of the backend specified in the provided config.
func New(ctx context.Context, log *zap.Logger, config Config) (Gateway, error) {
	switch {
	case strings.HasPrefix(config.Backend, "local:"):
		return NewLocal(log, strings.TrimPrefix(config.Backend, "local:"))
	case strings.HasPrefix(config.Backend, "s3://"):
		parsed, err := url.Parse(config.Backend)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		return NewS3(ctx, log, parsed)
	default:
		return nil, Error.New("unrecognized storage backend specifier %q", config.Backend)
	}
}
