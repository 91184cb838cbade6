package strategy

import (
	"testing"
	"time"

	"mediashrink/internal/config"
	"mediashrink/internal/media"
)

func TestTier(t *testing.T) {
	th := NewThresholds(config.DefaultConfig().Search)
	tests := []struct {
		kind  media.Kind
		ratio float64
		want  Tier
	}{
		{media.KindVideo, 0.10, TierExtreme},
		{media.KindVideo, 0.15, TierStandard},
		{media.KindImage, 0.12, TierStandard},
		{media.KindImage, 0.099, TierExtreme},
		{media.KindImage, 0.8, TierStandard},
	}
	for _, tt := range tests {
		if got := th.Tier(tt.kind, tt.ratio); got != tt.want {
			t.Errorf("Tier(%s, %.3f) = %s, want %s", tt.kind, tt.ratio, got, tt.want)
		}
	}
	if r := Ratio(200, 2000); r != 0.1 {
		t.Errorf("Ratio = %v", r)
	}
}

func TestBitrate(t *testing.T) {
	b := NewBitrate(config.DefaultConfig().Video)
	tests := []struct {
		name   string
		target int64
		dur    time.Duration
		want   int
	}{
		// ((50MB*8*0.85)/120 - 96*1024)/1024 = 2805.33 -> 2805
		{"formula", 50 * 1024 * 1024, 120 * time.Second, 2805},
		{"clamped low", 1024 * 1024, 600 * time.Second, 100},
		{"clamped high", 10 * 1024 * 1024 * 1024, 10 * time.Second, 10000},
		// zero duration falls back to the assumed 60s
		{"zero duration", 50 * 1024 * 1024, 0, 5706},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Kbps(tt.target, tt.dur); got != tt.want {
				t.Fatalf("Kbps = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestQualityRange(t *testing.T) {
	c := NewCatalog(config.DefaultConfig())
	if lo, hi := c.QualityRange(media.Request{}); lo != 5 || hi != 85 {
		t.Fatalf("default range = [%d,%d]", lo, hi)
	}
	if lo, hi := c.QualityRange(media.Request{Quality: 60}); lo != 5 || hi != 60 {
		t.Fatalf("capped range = [%d,%d]", lo, hi)
	}
}

func TestImageStandardStrategy(t *testing.T) {
	c := NewCatalog(config.DefaultConfig())
	jpg := c.Image(media.Request{Input: media.Input{Path: "a.jpg"}, Kind: media.KindImage}, 42)
	if jpg.Format != media.FormatJPEG || jpg.Quality != 42 || jpg.Scale != 1 || jpg.Name != "jpeg-q42" {
		t.Fatalf("unexpected jpeg strategy: %+v", jpg)
	}
	png := c.Image(media.Request{Input: media.Input{Path: "a.png"}, Kind: media.KindImage}, 17)
	if png.Format != media.FormatPNG || png.Scale != 0.2 {
		t.Fatalf("png quality should map to scale: %+v", png)
	}
}

func TestExtremeImageCatalog(t *testing.T) {
	c := NewCatalog(config.DefaultConfig())
	req := media.Request{Input: media.Input{Path: "a.jpg"}, Kind: media.KindImage, Format: media.FormatPNG}

	cat := c.Extreme(req, 0.08, 0)
	if len(cat) < 6 || len(cat) > 20 {
		t.Fatalf("catalog size %d out of range", len(cat))
	}
	if cat[0].Format != media.FormatPNG {
		t.Fatalf("requested format should lead, got %s", cat[0].Format)
	}
	formats := map[media.Format]int{}
	seen := map[string]bool{}
	for _, s := range cat {
		formats[s.Format]++
		if seen[s.Name] {
			t.Fatalf("duplicate strategy %s", s.Name)
		}
		seen[s.Name] = true
		if s.Scale <= 0 || s.Scale > 1 {
			t.Fatalf("scale out of range: %+v", s)
		}
	}
	if formats[media.FormatJPEG] == 0 || formats[media.FormatPNG] == 0 {
		t.Fatalf("expected two image codecs, got %v", formats)
	}

	fine := c.Extreme(req, 0.01, 0)
	if len(fine) <= len(cat) {
		t.Fatalf("very low ratio should widen the catalog: %d <= %d", len(fine), len(cat))
	}

	req.SkipExtraOptimizations = true
	for _, s := range c.Extreme(req, 0.08, 0) {
		if s.Format != media.FormatPNG {
			t.Fatalf("skip-extra should keep only the requested format, got %s", s.Format)
		}
	}
}

func TestExtremeVideoCatalog(t *testing.T) {
	c := NewCatalog(config.DefaultConfig())
	req := media.Request{Input: media.Input{Path: "a.mp4"}, Kind: media.KindVideo}

	cat := c.Extreme(req, 0.10, 800)
	if len(cat) != 21 {
		t.Fatalf("catalog size = %d, want 21", len(cat))
	}
	first := cat[0]
	if first.Codec != media.CodecH264 || first.CRF != 28 || first.Scale != 1 || first.Preset != "medium" {
		t.Fatalf("least destructive strategy should lead: %+v", first)
	}
	var bitrate int
	for _, s := range cat {
		if s.BitrateKbps == 800 {
			bitrate++
		}
	}
	if bitrate != 3 {
		t.Fatalf("expected one bitrate strategy per scale, got %d", bitrate)
	}

	req.SpeedOptimized = true
	req.SkipExtraOptimizations = true
	for _, s := range c.Extreme(req, 0.10, 0) {
		if s.Codec != media.CodecH264 || s.Preset != "veryfast" {
			t.Fatalf("unexpected speed strategy: %+v", s)
		}
	}

	webm := c.Extreme(media.Request{Input: media.Input{Path: "a.webm"}, Kind: media.KindVideo}, 0.1, 0)
	for _, s := range webm {
		if s.Codec != media.CodecVP9 {
			t.Fatalf("webm must use vp9: %+v", s)
		}
	}
}

func TestQualityToCRF(t *testing.T) {
	tests := map[int]int{100: 18, 80: 24, 1: 50, 0: 24}
	for q, want := range tests {
		if got := QualityToCRF(q); got != want {
			t.Errorf("QualityToCRF(%d) = %d, want %d", q, got, want)
		}
	}
}
