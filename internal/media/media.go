// Package media produces the illustration, narration and video artifacts for
// story pages. Each generator degrades to a synthetic placeholder when its
// provider is unconfigured; a placeholder is a valid result, not an error.
package media

import (
	"context"
	"io"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	unifiedgenai "google.golang.org/genai"

	"github.com/story-loom/pipeline/internal/config"
)

// Asset is one produced artifact. Either Data carries bytes the caller must
// upload, or URI points somewhere directly usable (placeholders, local
// video files).
type Asset struct {
	URI      string
	Data     io.Reader
	Size     int64
	Format   string
	MimeType string
	Duration float64
	Metadata map[string]any
}

// Generator holds the provider clients. Nil clients mean placeholder mode.
type Generator struct {
	imageClient *genai.Client
	ttsClient   *unifiedgenai.Client
	imageModel  string
	ttsModel    string
	ttsVoice    string
}

func NewGenerator(cfg *config.Config) *Generator {
	g := &Generator{
		imageModel: cfg.ImageModel,
		ttsModel:   cfg.TTSModel,
		ttsVoice:   cfg.TTSVoice,
	}

	if cfg.ImageAPIKey != "" {
		client, err := genai.NewClient(context.Background(), option.WithAPIKey(cfg.ImageAPIKey))
		if err != nil {
			log.Error().Err(err).Msg("Image provider init failed, using placeholders")
		} else {
			g.imageClient = client
		}
	}

	if cfg.TTSAPIKey != "" {
		client, err := unifiedgenai.NewClient(context.Background(), &unifiedgenai.ClientConfig{APIKey: cfg.TTSAPIKey})
		if err != nil {
			log.Error().Err(err).Msg("TTS provider init failed, using placeholders")
		} else {
			g.ttsClient = client
		}
	}

	log.Info().
		Str("image_model", g.imageModel).
		Str("tts_model", g.ttsModel).
		Str("tts_voice", g.ttsVoice).
		Bool("image_provider", g.imageClient != nil).
		Bool("tts_provider", g.ttsClient != nil).
		Msg("Media generator initialized")
	return g
}
