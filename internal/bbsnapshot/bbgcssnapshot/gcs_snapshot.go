// Package bbgcssnapshot implements bbsnapshot's `Backend` interface on GCP's
// storage service. The snapshot lives in a single object which is replaced
// wholesale on every save. The bucket should be created out-of-band.
package bbgcssnapshot

import (
	"context"
	"errors"
	"io"
	"time"

	"cloud.google.com/go/storage"
	gax "github.com/googleapis/gax-go/v2"
	"golang.org/x/xerrors"
	"google.golang.org/api/option"

	"github.com/brandur/blackboard/internal/bbsnapshot"
)

type GCSSnapshot struct {
	bucket string
	object string

	// All for purposes of testability.
	storageReader func(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	storageWriter func(ctx context.Context, bucket, object string) io.WriteCloser
}

func NewGCSSnapshot(ctx context.Context, serviceAccountJSON, bucket, object string) (*GCSSnapshot, error) {
	var opts []option.ClientOption
	if serviceAccountJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(serviceAccountJSON)))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, xerrors.Errorf("error creating storage client: %w", err)
	}
	storageClient.SetRetry(
		storage.WithBackoff(gax.Backoff{
			Initial: 1 * time.Second,
			Max:     5 * time.Second,
		}),
		// Snapshot writes replace the whole object, so retrying them is
		// always safe.
		storage.WithPolicy(storage.RetryAlways),
	)

	return &GCSSnapshot{
		bucket: bucket,
		object: object,
		storageReader: func(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
			return storageClient.Bucket(bucket).Object(object).NewReader(ctx) //nolint:wrapcheck
		},
		storageWriter: func(ctx context.Context, bucket, object string) io.WriteCloser {
			writer := storageClient.Bucket(bucket).Object(object).NewWriter(ctx)
			writer.ContentType = "application/json"
			return writer
		},
	}, nil
}

func (s *GCSSnapshot) Load(ctx context.Context) ([]byte, error) {
	reader, err := s.storageReader(ctx, s.bucket, s.object)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, bbsnapshot.ErrSnapshotNotFound
		}

		return nil, xerrors.Errorf("error getting object reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, xerrors.Errorf("error reading object: %w", err)
	}

	return data, nil
}

func (s *GCSSnapshot) Save(ctx context.Context, data []byte) error {
	writer := s.storageWriter(ctx, s.bucket, s.object)

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return xerrors.Errorf("error writing object: %w", err)
	}

	// The object isn't actually committed until the writer is closed, so
	// this is where most errors surface.
	if err := writer.Close(); err != nil {
		return xerrors.Errorf("error closing writer: %w", err)
	}

	return nil
}
