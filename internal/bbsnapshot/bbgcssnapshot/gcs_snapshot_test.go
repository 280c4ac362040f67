package bbgcssnapshot

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/brandur/blackboard/internal/bbsnapshot"
)

const (
	testBucket = "blackboard_snapshots"
	testObject = "boards.json"
)

func TestGCSSnapshotLoad(t *testing.T) {
	ctx := context.Background()
	snapshot := &GCSSnapshot{bucket: testBucket, object: testObject}

	snapshot.storageReader = func(_ context.Context, bucket, object string) (io.ReadCloser, error) {
		require.Equal(t, testBucket, bucket)
		require.Equal(t, testObject, object)
		return nil, storage.ErrObjectNotExist
	}

	{
		_, err := snapshot.Load(ctx)
		require.ErrorIs(t, err, bbsnapshot.ErrSnapshotNotFound)
	}

	snapshot.storageReader = func(_ context.Context, bucket, object string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte(`{"A": {}}`))), nil
	}

	{
		data, err := snapshot.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, `{"A": {}}`, string(data))
	}

	snapshot.storageReader = func(_ context.Context, bucket, object string) (io.ReadCloser, error) {
		return nil, xerrors.New("service unavailable")
	}

	{
		_, err := snapshot.Load(ctx)
		require.Error(t, err)
		require.NotErrorIs(t, err, bbsnapshot.ErrSnapshotNotFound)
	}
}

func TestGCSSnapshotSave(t *testing.T) {
	var b bytes.Buffer
	ctx := context.Background()
	snapshot := &GCSSnapshot{bucket: testBucket, object: testObject}

	snapshot.storageWriter = func(ctx context.Context, bucket, object string) io.WriteCloser {
		require.Equal(t, testBucket, bucket)
		require.Equal(t, testObject, object)

		return &writeCloser{bufio.NewWriter(&b), nil}
	}

	err := snapshot.Save(ctx, []byte(`{"A": {}}`))
	require.NoError(t, err)
	require.Equal(t, `{"A": {}}`, b.String())
}

func TestGCSSnapshotSaveCloseError(t *testing.T) {
	var b bytes.Buffer
	ctx := context.Background()
	snapshot := &GCSSnapshot{bucket: testBucket, object: testObject}

	snapshot.storageWriter = func(ctx context.Context, bucket, object string) io.WriteCloser {
		return &writeCloser{bufio.NewWriter(&b), xerrors.New("precondition failed")}
	}

	err := snapshot.Save(ctx, []byte(`{}`))
	require.ErrorContains(t, err, "precondition failed")
}

type writeCloser struct {
	*bufio.Writer
	closeErr error
}

func (wc *writeCloser) Close() error {
	if wc.closeErr != nil {
		return wc.closeErr
	}
	return wc.Flush() //nolint:wrapcheck
}
