// Package objstore uploads raw documents to durable blob storage.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gamma-omg/docqa/fsutil"
)

// ErrInvalidKey is returned for keys that are empty or escape the store root.
var ErrInvalidKey = errors.New("invalid object key")

// Store writes a local file under remoteKey. Writing an existing key replaces it.
type Store interface {
	Put(ctx context.Context, localPath, remoteKey string) error
}

// LocalStore uses a directory as the bucket.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory %s: %w", root, err)
	}

	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Put(ctx context.Context, localPath, remoteKey string) error {
	key, err := CleanKey(remoteKey)
	if err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	dst := filepath.Join(s.root, filepath.FromSlash(key))
	err = fsutil.WriteAtomic(dst, 0o644, func(w io.Writer) error {
		_, err := io.Copy(w, readerWithContext(ctx, src))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to %s: %w", localPath, key, err)
	}

	return nil
}

// CleanKey normalizes a slash separated object key and rejects keys that
// leave the bucket root.
func CleanKey(key string) (string, error) {
	key = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(key, "\\", "/")), "/")
	if key == "" || key == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return key, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	return r.r.Read(p)
}
