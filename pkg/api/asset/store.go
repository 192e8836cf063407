// Package asset implements the byte-blob store addressed by
// identifier path, with a local directory backend and an S3 backend.
package asset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/apphub-dev/apphub/pkg/identifier"
)

// ErrNotFound reports an absent asset.
var ErrNotFound = errors.New("asset: not found")

// Store persists byte blobs keyed by identifier.
type Store interface {
	Put(ctx context.Context, id identifier.ID, data []byte) error
	Get(ctx context.Context, id identifier.ID) ([]byte, error)
	Delete(ctx context.Context, id identifier.ID) error
}

// DirStore keeps assets as files under a root directory, using the
// identifier's sanitized path for placement.
type DirStore struct {
	root string
}

// NewDirStore creates the root directory if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("asset: creating store root: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (d *DirStore) path(id identifier.ID) string {
	return filepath.Join(d.root, filepath.FromSlash(id.SanitizedPath()))
}

func (d *DirStore) Put(_ context.Context, id identifier.ID, data []byte) error {
	path := d.path(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("asset: creating parent dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("asset: writing %s: %w", id.Key(), err)
	}
	return os.Rename(tmp, path)
}

func (d *DirStore) Get(_ context.Context, id identifier.ID) ([]byte, error) {
	data, err := os.ReadFile(d.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (d *DirStore) Delete(_ context.Context, id identifier.ID) error {
	err := os.Remove(d.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// S3API is the slice of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps assets as objects under a key prefix in one bucket.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store wraps an S3 client for the given bucket and key prefix.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(id identifier.ID) string {
	if s.prefix == "" {
		return id.SanitizedPath()
	}
	return s.prefix + "/" + id.SanitizedPath()
}

func (s *S3Store) Put(ctx context.Context, id identifier.ID, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("asset: putting %s: %w", id.Key(), err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, id identifier.ID) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("asset: getting %s: %w", id.Key(), err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) Delete(ctx context.Context, id identifier.ID) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return fmt.Errorf("asset: deleting %s: %w", id.Key(), err)
	}
	return nil
}
