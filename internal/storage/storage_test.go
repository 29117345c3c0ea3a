package storage

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/suberase/internal/config"
)

func TestGetContentType(t *testing.T) {
	tests := []struct {
		filePath string
		wantType string
	}{
		{"video.mp4", "video/mp4"},
		{"VIDEO.MP4", "video/mp4"},
		{"video.mov", "video/quicktime"},
		{"video.avi", "video/x-msvideo"},
		{"u1/masks/1.png", "image/png"},
		{"u1/masks/1.svg", "image/svg+xml"},
		{"unknown.xyz", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.filePath, func(t *testing.T) {
			contentType := getContentType(tt.filePath)
			if contentType != tt.wantType {
				t.Errorf("getContentType(%q) = %q, want %q", tt.filePath, contentType, tt.wantType)
			}
		})
	}
}

func TestPublicURL(t *testing.T) {
	s := &Storage{bucketName: "suberase", publicBaseURL: "https://cdn.example.com"}

	assert.Equal(t, "https://cdn.example.com/suberase/u1/1.mp4", s.PublicURL("u1/1.mp4"))
	assert.Equal(t, "https://cdn.example.com/suberase/u1/a%20b.mp4", s.PublicURL("u1/a b.mp4"))
}

func TestObjectURLPrefersPublicOrigin(t *testing.T) {
	s := &Storage{bucketName: "b", publicBaseURL: "https://cdn.example.com"}

	u, err := s.ObjectURL(context.Background(), "u1/masks/1.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/b/u1/masks/1.png", u)
}

func TestVideoKey(t *testing.T) {
	at := time.UnixMilli(1700000000123)

	assert.Equal(t, "u1/1700000000123.mp4", VideoKey("u1", at, "clip.mp4"))
	assert.Equal(t, "u1/1700000000123.mov", VideoKey("u1", at, "My Clip (1).MOV"))
	assert.Equal(t, "u1/1700000000123.avi", VideoKey("u1", at, `C:\tmp\evil.avi`))
	assert.Equal(t, "u1/1700000000123.mp4", VideoKey("u1", at, "../../etc/passwd"))
	assert.Equal(t, "u1/1700000000123.mp4", VideoKey("u1", at, "weird.m p4"))
	assert.Equal(t, "u1/1700000000123.mp4", VideoKey("u1", at, ""))
}

func TestMaskKey(t *testing.T) {
	at := time.UnixMilli(42)

	assert.Equal(t, "u1/masks/42.png", MaskKey("u1", at, "png"))
	assert.Equal(t, "u1/masks/42.png", MaskKey("u1", at, ".png"))
}

// Integration test - requires MinIO running
func TestStorageIntegration(t *testing.T) {
	endpoint := os.Getenv("SUBERASE_TEST_MINIO")
	if endpoint == "" {
		t.Skip("Skipping integration test - requires MinIO")
	}

	s, err := New(config.StorageConfig{
		Endpoint:        endpoint,
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		BucketName:      "suberase-test",
		PublicBaseURL:   "http://" + endpoint,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	key := MaskKey("it", time.Now(), "png")
	u, err := s.Upload(ctx, key, strings.NewReader("png"), 3, "")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u, key))

	require.NoError(t, s.Delete(ctx, key))
}
