package extractor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"mediashrink/internal/logger"
	"mediashrink/internal/media"
	"mediashrink/internal/tools"
)

func writePNG(t *testing.T, path string, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if path != "" {
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			t.Fatalf("write png: %v", err)
		}
	}
	return buf.Bytes()
}

func TestExtractImageAndCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pic.png")
	writePNG(t, path, 64, 32)

	p := NewProber(logger.Discard(), nil, "")
	md, err := p.Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if md.Width != 64 || md.Height != 32 || md.Format != media.FormatPNG {
		t.Fatalf("unexpected metadata: %+v", md)
	}

	if _, err := p.Extract(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	stats := p.GetCacheStats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.HitRate != 0.5 {
		t.Fatalf("unexpected cache stats: %+v", stats)
	}

	p.ClearCache()
	if p.GetCacheStats().TotalQueries != 0 {
		t.Fatal("ClearCache did not reset stats")
	}
}

func TestExtractRejectsUnknownType(t *testing.T) {
	p := NewProber(logger.Discard(), nil, "")
	if _, err := p.Extract(context.Background(), "notes.txt"); err == nil {
		t.Fatal("expected error for unsupported file")
	}
}

func TestExtractBytes(t *testing.T) {
	data := writePNG(t, "", 10, 7)
	md, err := NewProber(logger.Discard(), nil, "").ExtractBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if md.Width != 10 || md.Height != 7 {
		t.Fatalf("unexpected dimensions: %+v", md)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   interface{}
		want time.Duration
		ok   bool
	}{
		{12.5, 12500 * time.Millisecond, true},
		{"12.5 s", 12500 * time.Millisecond, true},
		{"0:01:23", 83 * time.Second, true},
		{"1:02:03", time.Hour + 2*time.Minute + 3*time.Second, true},
		{"0:00:05 (approx)", 5 * time.Second, true},
		{"n/a", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := parseDuration(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseDuration(%v) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

// fakeExiftool speaks just enough of the -stay_open protocol to answer one
// metadata query per -execute.
const fakeExiftool = `#!/bin/sh
while read -r line; do
  case "$line" in
  False) exit 0 ;;
  -execute) printf '%s\n{ready}\n' '[{"SourceFile":"clip.mp4","Duration":"12.5 s","ImageWidth":640,"ImageHeight":360,"CompressorID":"avc1"}]' ;;
  esac
done
`

func TestExtractVideoUsesConfiguredExiftool(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in for exiftool")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "custom-exiftool")
	if err := os.WriteFile(bin, []byte(fakeExiftool), 0o755); err != nil {
		t.Fatal(err)
	}
	clip := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(clip, make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewProber(logger.Discard(), tools.NewLocator(time.Minute), bin)
	t.Cleanup(func() { _ = p.Close() })

	md, err := p.Extract(context.Background(), clip)
	if err != nil {
		t.Fatal(err)
	}
	if md.Duration != 12500*time.Millisecond {
		t.Fatalf("duration = %v, want 12.5s from %s", md.Duration, bin)
	}
	if md.Width != 640 || md.Height != 360 || md.Codec != media.CodecH264 {
		t.Fatalf("unexpected metadata: %+v", md)
	}
}

func TestExtractVideoWithoutExiftool(t *testing.T) {
	clip := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(clip, make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	p := NewProber(logger.Discard(), tools.NewLocator(time.Minute), "mediashrink-test-missing-exiftool")
	md, err := p.Extract(context.Background(), clip)
	if err != nil {
		t.Fatal(err)
	}
	if md.Duration != 0 || md.Format != media.FormatMP4 {
		t.Fatalf("expected empty video metadata, got %+v", md)
	}
}
