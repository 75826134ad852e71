// Package gcs is a Google Cloud Storage-backed artifacts.Store.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Store persists artifacts as objects in a GCS bucket, named by ref.
type Store struct {
	client *storage.Client
	bucket string
}

// NewStore creates a new GCS-backed artifact store, authenticating via
// GOOGLE_APPLICATION_CREDENTIALS unless credentialsFile is non-empty.
func NewStore(ctx context.Context, bucketName, credentialsFile string) (*Store, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Store{client: client, bucket: bucketName}, nil
}

func (s *Store) objectName(ref string) string {
	return fmt.Sprintf("%s.bin", ref)
}

// Put writes data to the ref's backing object, overwriting any prior content.
func (s *Store) Put(ctx context.Context, ref string, data []byte) error {
	obj := s.client.Bucket(s.bucket).Object(s.objectName(ref))
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write artifact %s: %w", ref, err)
	}
	return w.Close()
}

// Get reads the ref's backing object.
func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectName(ref))
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("artifact not found: %s", ref)
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", ref, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact body %s: %w", ref, err)
	}
	return data, nil
}
