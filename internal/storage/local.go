package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// localStore writes blobs under one directory and serves file:// URIs. Good
// enough for development and tests; nothing here survives a host change.
type localStore struct {
	dir string
}

func newLocalStore(dir string) (*localStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &localStore{dir: abs}, nil
}

func (l *localStore) Upload(ctx context.Context, key string, data io.Reader, contentType string, contentLength int64) (string, error) {
	path := filepath.Join(l.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create blob file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, data); err != nil {
		return "", fmt.Errorf("write blob %s: %w", key, err)
	}
	return "file://" + path, nil
}

func (l *localStore) Fetch(ctx context.Context, uri string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(uri, "file://"):
		return os.Open(strings.TrimPrefix(uri, "file://"))
	case isHTTP(uri):
		return fetchHTTP(ctx, uri)
	default:
		// Bare paths show up when ffmpeg output is passed straight through.
		return os.Open(uri)
	}
}
