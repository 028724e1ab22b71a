package main

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchTemplateHTTP(t *testing.T) {
	payload := []byte("not really a database, but bytes all the same")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "snapshot.sqlite")
	checksum, err := FetchTemplate(context.Background(), server.URL+"/snapshot.sqlite", dest)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256(payload)), checksum)
}

func TestFetchTemplateGzip(t *testing.T) {
	payload := []byte("sqlite bytes that were gzipped in transit")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gz := gzip.NewWriter(w)
		gz.Write(payload)
		gz.Close()
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "snapshot.sqlite")
	_, err := FetchTemplate(context.Background(), server.URL+"/snapshot.sqlite.gz", dest)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "snapshot is decompressed on the way down")
}

func TestFetchTemplateHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := FetchTemplate(context.Background(), server.URL+"/missing.sqlite", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestFetchTemplateUnsupportedScheme(t *testing.T) {
	_, err := FetchTemplate(context.Background(), "ftp://example.org/db.sqlite", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported template url scheme")
}

func TestFetchTemplateLeavesNoPartialFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Claim gzip by extension but send garbage.
		w.Write([]byte("definitely not gzip"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "snapshot.sqlite")
	_, err := FetchTemplate(context.Background(), server.URL+"/snapshot.sqlite.gz", dest)
	require.Error(t, err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "failed download must not leave a file behind")
}
