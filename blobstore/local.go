package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Local stores objects as files under a root directory.
type Local struct {
	log  *zap.Logger
	root string
}

var _ Gateway = (*Local)(nil)

// NewLocal creates a local-filesystem gateway rooted at the given directory.
func NewLocal(log *zap.Logger, root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Local{log: log, root: abs}, nil
}

// resolve maps a slash-separated object path into the root directory,
// rejecting anything that would escape it.
func (store *Local) resolve(path string) (string, error) {
	if path == "" || strings.HasPrefix(path, "/") {
		return "", Error.New("invalid path %q", path)
	}
	resolved := filepath.Join(store.root, filepath.FromSlash(path))
	if !strings.HasPrefix(resolved, store.root+string(filepath.Separator)) {
		return "", Error.New("invalid path %q", path)
	}
	return resolved, nil
}

// Put stores data under path, replacing any existing object.
func (store *Local) Put(ctx context.Context, path string, data []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	return store.writeTo(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// PutStream stores the contents of r under path.
func (store *Local) PutStream(ctx context.Context, path string, r io.Reader, size int64) (err error) {
	defer mon.Task()(&ctx)(&err)
	return store.writeTo(path, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// writeTo writes an object through a temporary file so a failed write never
// leaves a partial object at the final path.
func (store *Local) writeTo(path string, write func(io.Writer) error) error {
	resolved, err := store.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0700); err != nil {
		return Error.Wrap(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(resolved), "blob-*.partial")
	if err != nil {
		return Error.Wrap(err)
	}

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return Error.Wrap(err)
	}

	if err := os.Rename(tmp.Name(), resolved); err != nil {
		_ = os.Remove(tmp.Name())
		return Error.Wrap(err)
	}
	return nil
}

// Get opens the object stored under path for reading.
func (store *Local) Get(ctx context.Context, path string) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)
	resolved, err := store.resolve(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(resolved)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return file, nil
}

// Delete removes the object stored under path. Deleting an absent object is
// not an error.
func (store *Local) Delete(ctx context.Context, path string) (err error) {
	defer mon.Task()(&ctx)(&err)
	resolved, err := store.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(resolved); err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	return nil
}

// DeletePrefix removes all objects stored under prefix.
func (store *Local) DeletePrefix(ctx context.Context, prefix string) (err error) {
	defer mon.Task()(&ctx)(&err)
	resolved, err := store.resolve(prefix)
	if err != nil {
		return err
	}
	return Error.Wrap(os.RemoveAll(resolved))
}

// Copy duplicates the object at srcPath to dstPath.
func (store *Local) Copy(ctx context.Context, srcPath, dstPath string) (err error) {
	defer mon.Task()(&ctx)(&err)
	src, err := store.Get(ctx, srcPath)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	return store.PutStream(ctx, dstPath, src, -1)
}
