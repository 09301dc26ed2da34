package objstore

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
)

type GCSConfig struct {
	Bucket string
	// Prefix is prepended to every key, e.g. "data/".
	Prefix string
	// CredentialsFile is a service account key. Empty means application
	// default credentials.
	CredentialsFile string
	// Endpoint overrides the API endpoint (emulators, tests).
	Endpoint string
}

// GCSStore uploads objects to a Google Cloud Storage bucket, gzip encoded in
// transit.
type GCSStore struct {
	bucket  string
	prefix  string
	objects *storage.ObjectsService
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage service: %w", err)
	}

	return &GCSStore{
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		objects: svc.Objects,
	}, nil
}

func (s *GCSStore) Put(ctx context.Context, localPath, remoteKey string) error {
	key, err := CleanKey(s.prefix + remoteKey)
	if err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	contentType := mime.TypeByExtension(filepath.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	obj := &storage.Object{
		Name:            key,
		ContentType:     contentType,
		ContentEncoding: "gzip",
	}

	body := gzipped(src)
	defer body.Close()

	_, err = s.objects.Insert(s.bucket, obj).
		Media(body, googleapi.ContentType(contentType)).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to upload %s to gs://%s/%s: %w", localPath, s.bucket, key, err)
	}

	return nil
}

// gzipped compresses r on the fly. Closing the returned reader stops the
// compressor.
func gzipped(r io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		zw := gzip.NewWriter(pw)
		_, err := io.Copy(zw, r)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	return pr
}
