// Package localfs reads blobs from a local directory, one file per blob.
// Used when the image layer has already been mirrored to local storage.
package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chunkfs/chunkfs/pkg/errors"
)

// Config configures the local filesystem backend.
type Config struct {
	// RootPath is the directory containing blob files named by blob ID.
	RootPath string `yaml:"root_path"`
}

// Backend serves ranges out of local blob files. Open file handles are
// kept per blob and shared by concurrent readers via ReadAt.
type Backend struct {
	root string

	mu    sync.Mutex
	files map[string]*os.File
}

// New creates a local filesystem backend rooted at cfg.RootPath.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "localfs backend requires root_path")
	}
	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "localfs root_path not accessible", err)
	}
	if !info.IsDir() {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "localfs root_path %q is not a directory", cfg.RootPath)
	}
	return &Backend{
		root:  cfg.RootPath,
		files: make(map[string]*os.File),
	}, nil
}

func (b *Backend) Kind() string { return "localfs" }

// ReadRange reads exactly length bytes at offset from the blob's file.
func (b *Backend) ReadRange(ctx context.Context, blobID string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeBackendTimeout, "read canceled", err).WithBlob(blobID)
	}

	f, err := b.open(blobID)
	if err != nil {
		return nil, err
	}

	data := make([]byte, length)
	n, err := f.ReadAt(data, offset)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(errors.ErrCodeBackendPermanent, "blob file read failed", err).
			WithBlob(blobID).WithBackend(b.Kind())
	}
	if int64(n) != length {
		return nil, errors.Newf(errors.ErrCodeBackendPermanent,
			"range %d+%d past end of blob file", offset, length).
			WithBlob(blobID).WithBackend(b.Kind())
	}
	return data, nil
}

func (b *Backend) open(blobID string) (*os.File, error) {
	// Blob IDs are digests or opaque names, never paths.
	if strings.ContainsAny(blobID, "/\\") || blobID == "" || blobID == ".." {
		return nil, errors.Newf(errors.ErrCodeBackendPermanent, "invalid blob id %q", blobID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.files[blobID]; ok {
		return f, nil
	}
	f, err := os.Open(filepath.Join(b.root, blobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrCodeBlobNotFound, "blob %s not found under %s", blobID, b.root).
				WithBlob(blobID).WithBackend(b.Kind())
		}
		return nil, errors.Wrap(errors.ErrCodeBackendPermanent, "blob file open failed", err).
			WithBlob(blobID).WithBackend(b.Kind())
	}
	b.files[blobID] = f
	return f, nil
}

// Close closes all open blob files.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var first error
	for id, f := range b.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.files, id)
	}
	return first
}
