package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	unifiedgenai "google.golang.org/genai"
)

// speech pace used to estimate narration length for placeholders and
// metadata: ~150 words per minute read-aloud.
const wordsPerMinute = 150.0

// GenerateAudio narrates text via TTS. Raw PCM responses are wrapped as WAV.
// Empty text and unconfigured providers both produce a placeholder.
func (g *Generator) GenerateAudio(ctx context.Context, text, voice string) (*Asset, error) {
	if voice == "" {
		voice = g.ttsVoice
	}
	if g.ttsClient == nil || strings.TrimSpace(text) == "" {
		return placeholderAudio(text, voice), nil
	}

	contents := []*unifiedgenai.Content{
		{
			Role:  "user",
			Parts: []*unifiedgenai.Part{unifiedgenai.NewPartFromText(text)},
		},
	}
	temp := float32(1.0)
	cfg := &unifiedgenai.GenerateContentConfig{
		Temperature:        &temp,
		ResponseModalities: []string{"audio"},
		SpeechConfig: &unifiedgenai.SpeechConfig{
			VoiceConfig: &unifiedgenai.VoiceConfig{
				PrebuiltVoiceConfig: &unifiedgenai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}

	var buf bytes.Buffer
	var mime string
	for resp, err := range g.ttsClient.Models.GenerateContentStream(ctx, g.ttsModel, contents, cfg) {
		if err != nil {
			return nil, fmt.Errorf("tts stream: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				buf.Write(part.InlineData.Data)
				if part.InlineData.MIMEType != "" {
					mime = part.InlineData.MIMEType
				}
			}
		}
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("tts returned no audio data")
	}

	audioBytes := buf.Bytes()
	outMime := mime
	if strings.HasPrefix(mime, "audio/L") {
		audioBytes = pcmToWAV(audioBytes, mime)
		outMime = "audio/wav"
	}
	if outMime == "" {
		outMime = "audio/wav"
	}

	duration := estimateDuration(text)
	log.Info().
		Int("size_bytes", len(audioBytes)).
		Str("voice", voice).
		Str("mime_type", outMime).
		Float64("duration_estimate", duration).
		Msg("TTS audio generated")
	return &Asset{
		Data:     bytes.NewReader(audioBytes),
		Size:     int64(len(audioBytes)),
		Format:   formatFromMime(outMime, "wav"),
		MimeType: outMime,
		Duration: duration,
		Metadata: map[string]any{"model": g.ttsModel, "voice": voice},
	}, nil
}

func placeholderAudio(text, voice string) *Asset {
	sum := sha256.Sum256([]byte(text))
	uri := fmt.Sprintf("https://audio.placeholder.invalid/%s.wav", hex.EncodeToString(sum[:8]))
	log.Info().Str("uri", uri).Msg("TTS provider unconfigured, using placeholder")
	return &Asset{
		URI:      uri,
		Format:   "wav",
		MimeType: "audio/wav",
		Duration: estimateDuration(text),
		Metadata: map[string]any{"placeholder": true, "voice": voice},
	}
}

func estimateDuration(text string) float64 {
	words := len(strings.Fields(text))
	return float64(words) / wordsPerMinute * 60.0
}

// pcmToWAV prefixes raw PCM with a RIFF header so players can read it.
func pcmToWAV(pcm []byte, mimeType string) []byte {
	bits, rate := parsePCMMime(mimeType)
	channels := 1
	bytesPerSample := bits / 8
	blockAlign := channels * bytesPerSample
	byteRate := rate * blockAlign
	dataSize := len(pcm)

	header := new(bytes.Buffer)
	header.WriteString("RIFF")
	binary.Write(header, binary.LittleEndian, uint32(36+dataSize))
	header.WriteString("WAVE")
	header.WriteString("fmt ")
	binary.Write(header, binary.LittleEndian, uint32(16))
	binary.Write(header, binary.LittleEndian, uint16(1))
	binary.Write(header, binary.LittleEndian, uint16(channels))
	binary.Write(header, binary.LittleEndian, uint32(rate))
	binary.Write(header, binary.LittleEndian, uint32(byteRate))
	binary.Write(header, binary.LittleEndian, uint16(blockAlign))
	binary.Write(header, binary.LittleEndian, uint16(bits))
	header.WriteString("data")
	binary.Write(header, binary.LittleEndian, uint32(dataSize))

	return append(header.Bytes(), pcm...)
}

// parsePCMMime reads bits and sample rate from MIME types like
// "audio/L16;rate=24000". Gemini TTS defaults apply when absent.
func parsePCMMime(mimeType string) (bits, rate int) {
	bits, rate = 16, 24000
	for _, part := range strings.Split(mimeType, ";") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(strings.ToLower(part), "rate="):
			if v, err := strconv.Atoi(part[len("rate="):]); err == nil {
				rate = v
			}
		case strings.HasPrefix(part, "audio/L"):
			if v, err := strconv.Atoi(part[len("audio/L"):]); err == nil {
				bits = v
			}
		}
	}
	return bits, rate
}
