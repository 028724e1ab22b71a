package main

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// FetchTemplate downloads the templated database snapshot to localPath and
// returns its SHA256 checksum. Supported schemes are http(s) and s3. A
// snapshot ending in .gz is decompressed transparently; the checksum covers
// the bytes as fetched.
func FetchTemplate(ctx context.Context, rawURL, localPath string) (string, error) {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"component":  "fetch",
		"url":        rawURL,
		"local_path": localPath,
	})

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse template url: %w", err)
	}

	var body io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		body, err = fetchHTTP(ctx, rawURL)
	case "s3":
		body, err = fetchS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return "", fmt.Errorf("unsupported template url scheme %q", u.Scheme)
	}
	if err != nil {
		return "", err
	}
	defer body.Close()

	logger.Info("starting template snapshot download")

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmpPath := localPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpPath)
	}()

	hasher := sha256.New()
	var reader io.Reader = io.TeeReader(body, hasher)
	if strings.HasSuffix(u.Path, ".gz") {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return "", fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	bytesWritten, err := io.Copy(tmpFile, reader)
	if err != nil {
		return "", fmt.Errorf("failed to download snapshot: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync file: %w", err)
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, localPath); err != nil {
		return "", fmt.Errorf("failed to move file to final location: %w", err)
	}

	checksum := fmt.Sprintf("%x", hasher.Sum(nil))
	logger.WithFields(logrus.Fields{
		"bytes_written": bytesWritten,
		"sha256":        checksum,
	}).Info("download completed")

	return checksum, nil
}

func fetchHTTP(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch snapshot: unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}

func fetchS3(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		// Public snapshot buckets work without credentials.
		cfg = aws.Config{Credentials: aws.AnonymousCredentials{}}
	} else if cfg.Credentials == nil {
		cfg.Credentials = aws.AnonymousCredentials{}
	} else if creds, err := cfg.Credentials.Retrieve(ctx); err != nil || creds.AccessKeyID == "" {
		cfg.Credentials = aws.AnonymousCredentials{}
	}

	client := s3.NewFromConfig(cfg)
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get S3 object: %w", err)
	}
	return resp.Body, nil
}
