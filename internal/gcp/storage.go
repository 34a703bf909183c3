package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/researchboard/internal/ports"
	"google.golang.org/api/googleapi"
)

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/json"

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "object", objectName)
			return nil
		}
		slog.Error("Failed to copy content to GCS object", "object", objectName, "error", err)
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		// The precondition is usually only evaluated when the upload is finalized.
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "object", objectName)
			return nil
		}
		slog.Error("Failed to close GCS writer", "object", objectName, "error", err)
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// BucketWriter writes board archives into a single GCS bucket.
type BucketWriter struct {
	bucket *storage.BucketHandle
}

var _ ports.ObjectWriter = (*BucketWriter)(nil)

// NewBucketWriter returns a writer for bucketName.
func NewBucketWriter(client *storage.Client, bucketName string) (*BucketWriter, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("bucket name must be provided")
	}
	return &BucketWriter{bucket: client.Bucket(bucketName)}, nil
}

// WriteIfAbsent implements ports.ObjectWriter.
func (w *BucketWriter) WriteIfAbsent(ctx context.Context, name string, content []byte) error {
	return SaveToGCSAtomically(ctx, w.bucket, name, content)
}
