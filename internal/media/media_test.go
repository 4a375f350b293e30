package media

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"
)

func TestPlaceholderImageIsDeterministic(t *testing.T) {
	g := &Generator{imageModel: "test-model"}

	a, err := g.GenerateImage(context.Background(), "a snail on a leaf", "")
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	b, err := g.GenerateImage(context.Background(), "a snail on a leaf", "")
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if a.URI == "" || a.URI != b.URI {
		t.Errorf("expected stable placeholder uri, got %q vs %q", a.URI, b.URI)
	}
	if a.Data != nil {
		t.Error("placeholder should carry a uri, not bytes")
	}
	if a.Format != "png" {
		t.Errorf("expected png format, got %q", a.Format)
	}
	if ph, _ := a.Metadata["placeholder"].(bool); !ph {
		t.Error("expected placeholder marker in metadata")
	}

	other, _ := g.GenerateImage(context.Background(), "a dragon in the sky", "")
	if other.URI == a.URI {
		t.Error("different prompts should yield different placeholder uris")
	}
}

func TestPlaceholderImageUsesSizeHint(t *testing.T) {
	g := &Generator{}
	a, err := g.GenerateImage(context.Background(), "the moon", "512x512")
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if !strings.Contains(a.URI, "512x512") {
		t.Errorf("expected size hint in placeholder uri: %q", a.URI)
	}
}

func TestPlaceholderAudioEstimatesDuration(t *testing.T) {
	g := &Generator{ttsVoice: "Zephyr"}
	text := strings.Repeat("hello world ", 75) // 150 words ≈ one minute
	a, err := g.GenerateAudio(context.Background(), text, "")
	if err != nil {
		t.Fatalf("GenerateAudio: %v", err)
	}
	if a.URI == "" {
		t.Error("expected placeholder uri")
	}
	if a.Duration < 59 || a.Duration > 61 {
		t.Errorf("expected ~60s duration estimate, got %v", a.Duration)
	}
	if voice, _ := a.Metadata["voice"].(string); voice != "Zephyr" {
		t.Errorf("expected default voice in metadata, got %q", voice)
	}
}

func TestPCMToWAVHeader(t *testing.T) {
	pcm := make([]byte, 480)
	wav := pcmToWAV(pcm, "audio/L16;rate=24000")

	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE magic")
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 24000 {
		t.Errorf("expected sample rate 24000, got %d", got)
	}
	if got := binary.LittleEndian.Uint16(wav[34:36]); got != 16 {
		t.Errorf("expected 16 bits per sample, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("expected data size %d, got %d", len(pcm), got)
	}
	if len(wav) != 44+len(pcm) {
		t.Errorf("expected 44-byte header, total %d, got %d", 44+len(pcm), len(wav))
	}
}

func TestParsePCMMime(t *testing.T) {
	tests := []struct {
		in       string
		wantBits int
		wantRate int
	}{
		{"audio/L16;rate=24000", 16, 24000},
		{"audio/L24;rate=48000", 24, 48000},
		{"audio/L16", 16, 24000},
		{"audio/wav", 16, 24000},
	}
	for _, tt := range tests {
		bits, rate := parsePCMMime(tt.in)
		if bits != tt.wantBits || rate != tt.wantRate {
			t.Errorf("parsePCMMime(%q) = %d, %d; want %d, %d", tt.in, bits, rate, tt.wantBits, tt.wantRate)
		}
	}
}

func TestSegmentArgs(t *testing.T) {
	args := segmentArgs("/tmp/p.png", 3, 24, "/tmp/s.mp4")
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-loop 1",
		"-i /tmp/p.png",
		"-t 3",
		"scale=1280:720",
		"-r 24",
		"-pix_fmt yuv420p",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("segment args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "/tmp/s.mp4" {
		t.Errorf("expected output path last, got %q", args[len(args)-1])
	}
}

func TestMuxArgsUsesShortest(t *testing.T) {
	joined := strings.Join(muxArgs("v.mp4", "a.wav", "out.mp4"), " ")
	if !strings.Contains(joined, "-shortest") {
		t.Error("mux args missing -shortest")
	}
	if !strings.Contains(joined, "-c:v copy") {
		t.Error("mux should copy the video stream")
	}
}

func TestDurationFor(t *testing.T) {
	durations := []float64{5, 0}
	if got := durationFor(0, durations); got != 5 {
		t.Errorf("expected explicit duration 5, got %v", got)
	}
	if got := durationFor(1, durations); got != defaultPageSeconds {
		t.Errorf("expected default for zero entry, got %v", got)
	}
	if got := durationFor(7, durations); got != defaultPageSeconds {
		t.Errorf("expected default past the slice, got %v", got)
	}
}

func TestConcatList(t *testing.T) {
	got := concatList([]string{"/tmp/a.mp4", "/tmp/b.mp4"})
	want := "file '/tmp/a.mp4'\nfile '/tmp/b.mp4'\n"
	if got != want {
		t.Errorf("unexpected concat list:\n%q", got)
	}
}

func TestComposeRejectsEmptyInput(t *testing.T) {
	c := NewComposer(nil, 0)
	if _, err := c.Compose(context.Background(), ComposeInput{}); err == nil {
		t.Fatal("expected error for empty image list")
	}
}
