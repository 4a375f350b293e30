package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
)

const defaultImageSize = "1024x1024"

// GenerateImage renders one page illustration. Size is a "WxH" hint passed
// through to metadata; the provider decides the real output dimensions.
func (g *Generator) GenerateImage(ctx context.Context, prompt, size string) (*Asset, error) {
	if size == "" {
		size = defaultImageSize
	}
	if g.imageClient == nil {
		return placeholderImage(prompt, size), nil
	}

	model := g.imageClient.GenerativeModel(g.imageModel)
	setResponseModality(model, []string{"IMAGE"})

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("image generation: %w", err)
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			blob, ok := part.(genai.Blob)
			if !ok || len(blob.Data) == 0 {
				continue
			}
			mime := blob.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			log.Info().
				Int("size_bytes", len(blob.Data)).
				Str("mime_type", mime).
				Str("model", g.imageModel).
				Msg("Image generated")
			return &Asset{
				Data:     bytes.NewReader(blob.Data),
				Size:     int64(len(blob.Data)),
				Format:   formatFromMime(mime, "png"),
				MimeType: mime,
				Metadata: map[string]any{"model": g.imageModel, "size": size},
			}, nil
		}
	}
	return nil, fmt.Errorf("image generation: no image blob in response")
}

// placeholderImage builds a deterministic placeholder URL from the prompt so
// unconfigured environments still produce renderable stories.
func placeholderImage(prompt, size string) *Asset {
	sum := sha256.Sum256([]byte(prompt))
	uri := fmt.Sprintf("https://placehold.co/%s/png?text=%s&sig=%s",
		size, url.QueryEscape(firstWords(prompt, 4)), hex.EncodeToString(sum[:6]))
	log.Info().Str("uri", uri).Msg("Image provider unconfigured, using placeholder")
	return &Asset{
		URI:      uri,
		Format:   "png",
		MimeType: "image/png",
		Metadata: map[string]any{"placeholder": true, "size": size},
	}
}

// setResponseModality sets model.ResponseModality where the SDK exposes it,
// and no-ops on SDK versions that predate the field.
func setResponseModality(model *genai.GenerativeModel, modalities []string) {
	v := reflect.ValueOf(model).Elem()
	f := v.FieldByName("ResponseModality")
	if !f.IsValid() || !f.CanSet() {
		return
	}
	if f.Kind() == reflect.Slice && f.Type().Elem().Kind() == reflect.String {
		f.Set(reflect.ValueOf(modalities))
	}
}

func formatFromMime(mime, fallback string) string {
	if i := strings.IndexByte(mime, '/'); i >= 0 && i+1 < len(mime) {
		return mime[i+1:]
	}
	return fallback
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
