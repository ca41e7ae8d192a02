package s3storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibreflow/boq-import/internal/config"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "imports/job-1/boq.xlsx", ObjectKey("job-1", "boq.xlsx"))
	assert.Equal(t, "imports/job-1/boq.csv", ObjectKey("job-1", `C:\Users\site\boq.csv`))
	assert.Equal(t, "imports/job-1/passwd", ObjectKey("job-1", "../../etc/passwd"))
	assert.Equal(t, "imports/job-1/upload", ObjectKey("job-1", ""))
	assert.Equal(t, "imports/job-1/request.json", RequestKey("job-1"))
}

func TestClassify(t *testing.T) {
	notFound := minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey"}
	assert.ErrorIs(t, classify("k", notFound), ErrObjectNotFound)

	denied := minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied"}
	assert.False(t, errors.Is(classify("k", denied), ErrObjectNotFound))
}

func TestStorageIntegration(t *testing.T) {
	endpoint := os.Getenv("BOQ_TEST_S3_ENDPOINT")
	if testing.Short() || endpoint == "" {
		t.Skip("BOQ_TEST_S3_ENDPOINT not set")
	}
	ctx := context.Background()
	store, err := New(config.S3Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("BOQ_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("BOQ_TEST_S3_SECRET_KEY"),
		Bucket:    "boq-test",
		Region:    "us-east-1",
	})
	require.NoError(t, err)
	require.NoError(t, store.EnsureBucket(ctx))

	key := ObjectKey("it-job", "boq.csv")
	body := "Description,UOM,Qty\nPole,each,1\n"
	require.NoError(t, store.Upload(ctx, key, strings.NewReader(body), int64(len(body)), "text/csv"))

	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := store.Open(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Open(ctx, key)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
