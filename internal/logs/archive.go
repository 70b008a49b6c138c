package logs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
)

// ArchiveStore is the object-storage abstraction the log archiver writes
// gzip-framed artifacts through and Stream reads them back from, mirrored
// on the buffer provider's cloud/local split (spec.md §4.7 "archived to
// object storage").
type ArchiveStore interface {
	Put(ctx context.Context, key string, size int64, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// archiveKey is the artifact name for one run's archived log stream.
func archiveKey(runID int64) string {
	return fmt.Sprintf("runs/%d/logs.gz", runID)
}

// MinioArchiveStore is the cloud variant, reusing the same minio client
// library as bufferprovider/cloud against a dedicated log-archive bucket.
type MinioArchiveStore struct {
	Client *minio.Client
	Bucket string
}

var _ ArchiveStore = (*MinioArchiveStore)(nil)

func (s *MinioArchiveStore) Put(ctx context.Context, key string, size int64, r io.Reader) error {
	_, err := s.Client.PutObject(ctx, s.Bucket, key, r, size, minio.PutObjectOptions{ContentType: "application/gzip"})
	if err != nil {
		return fmt.Errorf("logs: uploading archive %q: %w", key, err)
	}
	return nil
}

func (s *MinioArchiveStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.Client.GetObject(ctx, s.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("logs: fetching archive %q: %w", key, err)
	}
	return obj, nil
}

// FilesystemArchiveStore is the single-host variant: one gzip file per
// run under Root, grounded on the local buffer provider's one-directory-
// per-buffer filesystem layout.
type FilesystemArchiveStore struct {
	Root string
}

var _ ArchiveStore = (*FilesystemArchiveStore)(nil)

func (s *FilesystemArchiveStore) Put(ctx context.Context, key string, size int64, r io.Reader) error {
	path := filepath.Join(s.Root, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("logs: creating archive directory for %q: %w", key, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("logs: creating archive file %q: %w", key, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("logs: writing archive file %q: %w", key, err)
	}
	return nil
}

func (s *FilesystemArchiveStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.Root, key))
	if err != nil {
		return nil, fmt.Errorf("logs: opening archive file %q: %w", key, err)
	}
	return f, nil
}
