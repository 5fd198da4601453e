package minio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.MinIOConfig
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid configuration",
			cfg: config.MinIOConfig{
				Endpoint:  "https://minio.example.com:9000",
				AccessKey: "test-access-key",
				SecretKey: "test-secret-key",
			},
		},
		{
			name: "missing access key",
			cfg: config.MinIOConfig{
				Endpoint:  "https://minio.example.com:9000",
				SecretKey: "test-secret-key",
			},
			expectError: true,
			errorMsg:    "minio access key is required",
		},
		{
			name: "missing secret key",
			cfg: config.MinIOConfig{
				Endpoint:  "https://minio.example.com:9000",
				AccessKey: "test-access-key",
			},
			expectError: true,
			errorMsg:    "minio secret key is required",
		},
		{
			name: "endpoint without scheme",
			cfg: config.MinIOConfig{
				Endpoint:  "not-a-url",
				AccessKey: "test-access-key",
				SecretKey: "test-secret-key",
			},
			expectError: true,
			errorMsg:    "invalid minio endpoint",
		},
		{
			name: "unsupported scheme",
			cfg: config.MinIOConfig{
				Endpoint:  "ftp://minio.example.com",
				AccessKey: "test-access-key",
				SecretKey: "test-secret-key",
			},
			expectError: true,
			errorMsg:    "must be http or https",
		},
		{
			name: "missing hostname",
			cfg: config.MinIOConfig{
				Endpoint:  "https://",
				AccessKey: "test-access-key",
				SecretKey: "test-secret-key",
			},
			expectError: true,
			errorMsg:    "missing hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.cfg)

			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
				assert.Nil(t, client)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client)
		})
	}
}

func TestParseObjectURL(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		wantBucket string
		wantObject string
		wantErr    bool
	}{
		{"simple", "https://minio.lan/images/base.qcow2", "images", "base.qcow2", false},
		{"nested", "https://minio.lan/images/debian/12/base.qcow2", "images", "debian/12/base.qcow2", false},
		{"bucket only", "https://minio.lan/images", "", "", true},
		{"trailing slash", "https://minio.lan/images/", "", "", true},
		{"no path", "https://minio.lan", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, object, err := parseObjectURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantObject, object)
		})
	}
}

// objectServer answers HEAD and GET for a single object, the subset of the S3
// API a download needs.
func objectServer(t *testing.T, path string, body []byte) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("ETag", `"5d41402abc4b2a76b9719d911017c592"`)
		w.Header().Set("Last-Modified", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Format(http.TimeFormat))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)

		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testClient(t *testing.T, endpoint string, fs afero.Fs) *Client {
	t.Helper()

	client, err := newClient(config.MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: "test-access-key",
		SecretKey: "test-secret-key",
	}, "us-east-1", fs)
	require.NoError(t, err)
	return client
}

func TestDownloadImage(t *testing.T) {
	body := []byte("QFI\xfb seed image contents")
	server := objectServer(t, "/images/seed/base.qcow2", body)
	fs := afero.NewMemMapFs()

	client := testClient(t, server.URL, fs)

	err := client.DownloadImage(context.Background(), server.URL+"/images/seed/base.qcow2", "/var/lib/libvirt/images/target1.qcow2.seed")
	require.NoError(t, err)

	got, err := afero.ReadFile(fs, "/var/lib/libvirt/images/target1.qcow2.seed")
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestDownloadImage_MissingObject(t *testing.T) {
	server := objectServer(t, "/images/seed/base.qcow2", []byte("data"))
	fs := afero.NewMemMapFs()

	client := testClient(t, server.URL, fs)

	err := client.DownloadImage(context.Background(), server.URL+"/images/seed/other.qcow2", "/tmp/out")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stat object")

	exists, _ := afero.Exists(fs, "/tmp/out")
	assert.False(t, exists)
}

func TestDownloadImage_InvalidURL(t *testing.T) {
	client := testClient(t, "http://127.0.0.1:1", afero.NewMemMapFs())

	err := client.DownloadImage(context.Background(), "http://127.0.0.1:1/images", "/tmp/out")

	assert.ErrorContains(t, err, "invalid image URL path")
}
