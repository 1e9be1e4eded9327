// Package gcs archives accepted content in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket and key layout.
type Config struct {
	Bucket string
	// Prefix is joined in front of every object name.
	Prefix string
}

// objectWriter is the slice of the storage client the store uses.
type objectWriter interface {
	NewWriter(ctx context.Context, bucket, name string) io.WriteCloser
}

type clientWriter struct {
	client *storage.Client
}

// archiveCacheControl applies to every object; names are content hashes so
// an object never changes once written.
const archiveCacheControl = "public, max-age=31536000, immutable"

func (c clientWriter) NewWriter(ctx context.Context, bucket, name string) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.CacheControl = archiveCacheControl
	return w
}

// BlobStore writes archived markdown to a bucket.
type BlobStore struct {
	writer objectWriter
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	return newStore(clientWriter{client: client}, cfg)
}

func newStore(w objectWriter, cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		writer: w,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName maps an archive path onto the bucket key.
func (s *BlobStore) ObjectName(p string) string {
	p = strings.TrimLeft(path.Clean("/"+p), "/")
	if s.prefix == "" {
		return p
	}
	return s.prefix + "/" + p
}

// PutObject uploads data and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, p string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path is required")
	}
	name := s.ObjectName(p)
	w := s.writer.NewWriter(ctx, s.bucket, name)
	if sw, ok := w.(*storage.Writer); ok && contentType != "" {
		sw.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return "", fmt.Errorf("copy object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}
