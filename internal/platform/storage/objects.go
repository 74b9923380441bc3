package storage

import (
	"context"
	"errors"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// ObjectStore performs object operations against Cloud Storage.
type ObjectStore struct {
	client *gcs.Client
}

// NewObjectStore constructs an ObjectStore backed by the provided Cloud Storage client.
func NewObjectStore(client *gcs.Client) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.New("storage objects: client is required")
	}
	return &ObjectStore{client: client}, nil
}

// DeleteObject removes the object. A missing object is treated as already deleted.
func (s *ObjectStore) DeleteObject(ctx context.Context, bucket, object string) error {
	if s == nil || s.client == nil {
		return errors.New("storage objects: client is not initialised")
	}
	bucket = strings.TrimSpace(bucket)
	object = strings.TrimSpace(object)
	if bucket == "" || object == "" {
		return errors.New("storage objects: bucket and object must be provided")
	}
	err := s.client.Bucket(bucket).Object(object).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return err
}

// Ping checks that the bucket is reachable with the configured credentials.
func (s *ObjectStore) Ping(ctx context.Context, bucket string) error {
	if s == nil || s.client == nil {
		return errors.New("storage objects: client is not initialised")
	}
	_, err := s.client.Bucket(strings.TrimSpace(bucket)).Attrs(ctx)
	return err
}
