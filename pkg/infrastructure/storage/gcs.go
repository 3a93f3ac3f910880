// Package storage adapts Google Cloud Storage to the BlobStore port. Its
// only production caller is the raw-page archiver, which writes small JSON
// objects once and never reads them back through this service.
package storage

import (
	"context"

	"cloud.google.com/go/storage"
)

type StorageAdapter struct {
	Client *storage.Client
}

// Write creates or replaces the object. GCS commits the upload on Close, so
// a close failure is a failed write.
func (a *StorageAdapter) Write(ctx context.Context, bucketName, objectName string, data []byte) error {
	wc := a.Client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = "application/json"
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return err
	}
	return wc.Close()
}
