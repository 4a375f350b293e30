// Package storage uploads generated media and hands back stable URIs. Two
// backends: an S3-compatible bucket for deployments, and a plain directory
// for development, selected once at startup.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/story-loom/pipeline/internal/config"
)

// Uploader stores one blob under a key and returns the URI future readers
// should use. Fetch resolves such a URI (or any http/file URI) back to bytes.
type Uploader interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string, contentLength int64) (string, error)
	Fetch(ctx context.Context, uri string) (io.ReadCloser, error)
}

// New picks the backend: S3 when credentials are configured, otherwise the
// local upload directory.
func New(cfg *config.Config) (Uploader, error) {
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" && cfg.S3Bucket != "" {
		return newS3Store(cfg)
	}
	log.Info().Str("dir", cfg.UploadDir).Msg("Blob storage: local directory")
	return newLocalStore(cfg.UploadDir)
}

// Object keys follow one layout so assets of a story stay enumerable under a
// single prefix.

func PageImageKey(storyRef string, pageNumber int) string {
	return fmt.Sprintf("stories/%s/pages/%d/image.png", storyRef, pageNumber)
}

func PageAudioKey(storyRef string, pageNumber int) string {
	return fmt.Sprintf("stories/%s/pages/%d/audio.wav", storyRef, pageNumber)
}

func StoryVideoKey(storyRef string) string {
	return fmt.Sprintf("stories/%s/video.mp4", storyRef)
}

// fetchHTTP downloads a http(s) URI; shared by both backends.
func fetchHTTP(ctx context.Context, uri string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", uri, resp.StatusCode)
	}
	return resp.Body, nil
}

func isHTTP(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}
