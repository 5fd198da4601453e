// Package minio downloads seed images from a MinIO object store.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Client handles MinIO operations.
type Client struct {
	minioClient *minio.Client
	fs          afero.Fs
}

// NewClient creates a MinIO client from cfg.
func NewClient(cfg config.MinIOConfig) (*Client, error) {
	return newClient(cfg, "", afero.NewOsFs())
}

func newClient(cfg config.MinIOConfig, region string, fs afero.Fs) (*Client, error) {
	logrus.WithFields(logrus.Fields{
		"endpoint":       cfg.Endpoint,
		"access_key_set": cfg.AccessKey != "",
		"secret_key_set": cfg.SecretKey != "",
	}).Debug("MinIO configuration check")

	if cfg.AccessKey == "" {
		return nil, errors.New("minio access key is required (minio.access_key or MINIO_ACCESS_KEY)")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("minio secret key is required (minio.secret_key or MINIO_SECRET_KEY)")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid minio endpoint '%s': %w (expected format: https://hostname:port)", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid minio endpoint scheme '%s': must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid minio endpoint '%s': missing hostname", cfg.Endpoint)
	}

	minioClient, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: u.Scheme == "https",
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client for %s: %w", u.Host, err)
	}

	return &Client{
		minioClient: minioClient,
		fs:          fs,
	}, nil
}

// parseObjectURL splits http(s)://host/bucket/path/to/object.
func parseObjectURL(imageURL string) (bucket, object string, err error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid image URL: %w", err)
	}

	pathParts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(pathParts) < 2 || pathParts[0] == "" || pathParts[len(pathParts)-1] == "" {
		return "", "", fmt.Errorf("invalid image URL path: %s", u.Path)
	}

	return pathParts[0], strings.Join(pathParts[1:], "/"), nil
}

// DownloadImage writes the object at imageURL to destPath. A partial file is
// removed on failure.
func (c *Client) DownloadImage(ctx context.Context, imageURL, destPath string) (err error) {
	bucketName, objectName, err := parseObjectURL(imageURL)
	if err != nil {
		return err
	}

	objInfo, err := c.minioClient.StatObject(ctx, bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to stat object: %w", err)
	}
	totalSize := objInfo.Size

	object, err := c.minioClient.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to get object: %w", err)
	}
	defer func() {
		_ = object.Close() // Close errors are not critical
	}()

	file, err := c.fs.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", destPath, closeErr)
		}
		if err != nil {
			_ = c.fs.Remove(destPath) // Cleanup errors are not critical
		}
	}()

	buffer := make([]byte, 32*1024*1024) // 32MB buffer
	var downloaded int64

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		n, readErr := object.Read(buffer)
		if n > 0 {
			if _, writeErr := file.Write(buffer[:n]); writeErr != nil {
				return fmt.Errorf("failed to write %s: %w", destPath, writeErr)
			}
			downloaded += int64(n)
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read from MinIO: %w", readErr)
		}
	}

	if downloaded != totalSize {
		return fmt.Errorf("download incomplete: got %d bytes, expected %d", downloaded, totalSize)
	}

	logrus.WithFields(logrus.Fields{
		"bucket": bucketName,
		"object": objectName,
		"bytes":  downloaded,
		"dest":   destPath,
	}).Info("Downloaded seed image")

	return nil
}
