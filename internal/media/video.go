package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	defaultPageSeconds = 3.0
	defaultFPS         = 24
	// every segment is normalized to this frame before concatenation
	videoScaleFilter = "scale=1280:720:force_original_aspect_ratio=decrease,pad=1280:720:(ow-iw)/2:(oh-ih)/2"
)

// Fetcher resolves asset URIs to bytes; satisfied by the storage backends.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Composer turns page images (and optionally one narration track) into a
// single story video via ffmpeg.
type Composer struct {
	fetcher Fetcher
	fps     int
	ffmpeg  string
}

func NewComposer(fetcher Fetcher, fps int) *Composer {
	if fps <= 0 {
		fps = defaultFPS
	}
	return &Composer{fetcher: fetcher, fps: fps, ffmpeg: "ffmpeg"}
}

// ComposeInput mirrors the video job payload.
type ComposeInput struct {
	ImageURIs        []string
	AudioURI         string
	PerPageDurations []float64
	FPS              int
}

// Compose builds one looped segment per image, concatenates them, and muxes
// the audio track when present. It returns the path of the finished file
// inside a scratch directory; the caller uploads it and removes the parent
// directory. On error the scratch directory is removed here.
func (c *Composer) Compose(ctx context.Context, in ComposeInput) (string, error) {
	if len(in.ImageURIs) == 0 {
		return "", errors.New("compose: no images")
	}
	fps := in.FPS
	if fps <= 0 {
		fps = c.fps
	}

	workDir, err := os.MkdirTemp("", "storyloom-video-")
	if err != nil {
		return "", fmt.Errorf("compose: scratch dir: %w", err)
	}
	out, err := c.compose(ctx, workDir, in, fps)
	if err != nil {
		os.RemoveAll(workDir)
		return "", err
	}
	return out, nil
}

func (c *Composer) compose(ctx context.Context, workDir string, in ComposeInput, fps int) (string, error) {
	segments := make([]string, len(in.ImageURIs))
	for i, uri := range in.ImageURIs {
		imgPath := filepath.Join(workDir, fmt.Sprintf("page_%02d.png", i+1))
		if err := c.download(ctx, uri, imgPath); err != nil {
			return "", fmt.Errorf("compose: image %d: %w", i+1, err)
		}
		segPath := filepath.Join(workDir, fmt.Sprintf("seg_%02d.mp4", i+1))
		if err := c.run(ctx, segmentArgs(imgPath, durationFor(i, in.PerPageDurations), fps, segPath)); err != nil {
			return "", fmt.Errorf("compose: segment %d: %w", i+1, err)
		}
		segments[i] = segPath
	}

	listPath := filepath.Join(workDir, "concat.txt")
	if err := os.WriteFile(listPath, []byte(concatList(segments)), 0o644); err != nil {
		return "", fmt.Errorf("compose: concat list: %w", err)
	}
	videoPath := filepath.Join(workDir, "video.mp4")
	if err := c.run(ctx, concatArgs(listPath, videoPath)); err != nil {
		return "", fmt.Errorf("compose: concat: %w", err)
	}

	if in.AudioURI == "" {
		log.Info().Int("pages", len(segments)).Str("path", videoPath).Msg("Video composed without audio")
		return videoPath, nil
	}

	audioPath := filepath.Join(workDir, "narration.audio")
	if err := c.download(ctx, in.AudioURI, audioPath); err != nil {
		return "", fmt.Errorf("compose: audio: %w", err)
	}
	finalPath := filepath.Join(workDir, "story.mp4")
	if err := c.run(ctx, muxArgs(videoPath, audioPath, finalPath)); err != nil {
		return "", fmt.Errorf("compose: mux: %w", err)
	}
	log.Info().Int("pages", len(segments)).Str("path", finalPath).Msg("Video composed")
	return finalPath, nil
}

func durationFor(i int, durations []float64) float64 {
	if i < len(durations) && durations[i] > 0 {
		return durations[i]
	}
	return defaultPageSeconds
}

func segmentArgs(imagePath string, seconds float64, fps int, outPath string) []string {
	return []string{
		"-y",
		"-loop", "1",
		"-i", imagePath,
		"-t", strconv.FormatFloat(seconds, 'f', -1, 64),
		"-vf", videoScaleFilter,
		"-r", strconv.Itoa(fps),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-an",
		outPath,
	}
}

func concatArgs(listPath, outPath string) []string {
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	}
}

// muxArgs adds the narration track; -shortest trims whichever stream runs
// long so a lagging track never pads the video.
func muxArgs(videoPath, audioPath, outPath string) []string {
	return []string{
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		outPath,
	}
}

func concatList(segments []string) string {
	var b strings.Builder
	for _, s := range segments {
		fmt.Fprintf(&b, "file '%s'\n", s)
	}
	return b.String()
}

func (c *Composer) download(ctx context.Context, uri, dest string) error {
	rc, err := c.fetcher.Fetch(ctx, uri)
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}

func (c *Composer) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, c.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), 400))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
