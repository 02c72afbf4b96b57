package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"rillcall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "room-1/rec_1.webm", objectKey("", "room-1/rec_1.webm"))
	assert.Equal(t, "recordings/room-1/rec_1.webm", objectKey("recordings", "room-1/rec_1.webm"))
	assert.Equal(t, "a/b/rec.webm", objectKey("/a/b/", "/rec.webm"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "video/webm", contentType("x/rec_1.WEBM"))
	assert.Equal(t, "video/x-matroska", contentType("rec.mkv"))
	assert.Equal(t, "application/octet-stream", contentType("rec"))
}

func TestMinIOConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Recording.Archive.Bucket = "calls"
	cfg.Recording.Archive.UseSSL = true
	cfg.Recording.Archive.RemoveLocal = true

	out := MinIOConfigFrom(cfg)
	assert.Equal(t, "localhost:9000", out.Endpoint)
	assert.Equal(t, "calls", out.Bucket)
	assert.Equal(t, "recordings", out.Prefix)
	assert.True(t, out.UseSSL)
	assert.True(t, out.RemoveLocal)
}

// Needs a reachable MinIO; run with MINIO_ENDPOINT=localhost:9000 and the
// usual MINIO_ROOT_USER/MINIO_ROOT_PASSWORD.
func TestMinIOArchive_Live(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_ENDPOINT not set")
	}

	archive, err := NewMinIOArchive(MinIOConfig{
		Endpoint:        endpoint,
		AccessKeyID:     os.Getenv("MINIO_ROOT_USER"),
		SecretAccessKey: os.Getenv("MINIO_ROOT_PASSWORD"),
		Bucket:          "rillcall-test",
		Prefix:          "it",
		RemoveLocal:     true,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, archive.HealthCheck(context.Background()))

	local := filepath.Join(t.TempDir(), "rec_test.webm")
	require.NoError(t, os.WriteFile(local, []byte("webm"), 0o644))

	require.NoError(t, archive.Archive(context.Background(), "room-1/rec_test.webm", local))
	_, err = os.Stat(local)
	assert.True(t, os.IsNotExist(err))

	err = archive.Archive(context.Background(), "room-1/missing.webm", local)
	assert.Error(t, err)
}
