package search

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"mediashrink/internal/config"
	"mediashrink/internal/encoder"
	"mediashrink/internal/encoder/encodertest"
	"mediashrink/internal/logger"
	"mediashrink/internal/media"
	"mediashrink/internal/strategy"
	"mediashrink/internal/trial"
)

func newEngine(enc encoder.Encoder) *Engine {
	cfg := config.DefaultConfig()
	runner := trial.NewRunner(enc, 4, time.Minute, logger.Discard())
	return NewEngine(runner, strategy.NewCatalog(cfg), strategy.NewBitrate(cfg.Video), NewParams(cfg), logger.Discard())
}

func imageReq(path string, size, target int64) media.Request {
	return media.Request{
		Input:       media.Input{Path: path, Size: size},
		Kind:        media.KindImage,
		TargetBytes: target,
		Policy:      media.PolicyAuto,
	}
}

func entries(t *testing.T, dir string) int {
	t.Helper()
	list, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(list)
}

func TestStandardBisection(t *testing.T) {
	const original, target = 10_000_000, 8_000_000
	fake := encodertest.New(encodertest.ScaledBy(original))
	dir := t.TempDir()

	out, err := newEngine(fake).Run(context.Background(), dir, 0, imageReq("photo.jpg", original, target), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Mode != media.ModeStandard {
		t.Fatalf("mode = %s, want standard", out.Mode)
	}
	if out.Winner.Size > target {
		t.Fatalf("winner %d exceeds target", out.Winner.Size)
	}
	if out.Winner.Strategy.Quality != 80 {
		t.Fatalf("bisection should settle on the highest fitting quality, got %d", out.Winner.Strategy.Quality)
	}
	if fake.Calls() > 25 || out.Trials != fake.Calls() {
		t.Fatalf("trials = %d, calls = %d", out.Trials, fake.Calls())
	}
	if n := entries(t, dir); n != 1 {
		t.Fatalf("expected only the winner artifact, found %d files", n)
	}
}

func TestRejectsTargetNotSmallerThanOriginal(t *testing.T) {
	fake := encodertest.New(encodertest.ScaledBy(10_000_000))
	_, err := newEngine(fake).Run(context.Background(), t.TempDir(), 0, imageReq("photo.jpg", 10_000_000, 50_000_000), nil)
	if !errors.Is(err, media.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if fake.Calls() != 0 {
		t.Fatalf("no trial may run, got %d", fake.Calls())
	}
}

func TestExtremePolicies(t *testing.T) {
	const original, target = 10_000_000, 900_000

	tests := []struct {
		name   string
		policy media.Policy
		format media.Format
		want   string
	}{
		{"size picks smallest", media.PolicySize, "", "jpeg-q20-s0.25"},
		{"quality picks largest fitting", media.PolicyQuality, "", "jpeg-q60-s0.35"},
		{"explicit format filters first", media.PolicySize, media.FormatPNG, "png-s0.25"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := encodertest.New(encodertest.ScaledBy(original))
			dir := t.TempDir()
			req := imageReq("photo.jpg", original, target)
			req.Policy = tt.policy
			req.Format = tt.format

			out, err := newEngine(fake).Run(context.Background(), dir, 2, req, nil)
			if err != nil {
				t.Fatal(err)
			}
			if out.Mode != media.ModeExtreme {
				t.Fatalf("mode = %s, want extreme", out.Mode)
			}
			if out.Winner.Strategy.Name != tt.want {
				t.Fatalf("winner = %s, want %s", out.Winner.Strategy.Name, tt.want)
			}
			if out.Winner.Size > target {
				t.Fatalf("winner exceeds target")
			}
			if n := entries(t, dir); n != 1 {
				t.Fatalf("expected only the winner artifact, found %d files", n)
			}
		})
	}
}

func TestExtremeFallsBackToStandard(t *testing.T) {
	const original, target = 10_000_000, 900_000
	fake := encodertest.New(func(req encoder.Request) (int64, error) {
		s := req.Strategy
		if s.Scale < 1 || s.Format != media.FormatJPEG {
			return 0, errors.New("unsupported")
		}
		return original * int64(s.Quality) / 100, nil
	})

	out, err := newEngine(fake).Run(context.Background(), t.TempDir(), 0, imageReq("photo.jpg", original, target), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Mode != media.ModeStandard || out.Winner.Strategy.Quality != 9 {
		t.Fatalf("expected standard fallback at q9, got %s %+v", out.Mode, out.Winner.Strategy)
	}
	if out.Winner.Size > target {
		t.Fatal("winner exceeds target")
	}
}

func TestBestEffortWhenNothingFits(t *testing.T) {
	const original, target = 10_000_000, 500_000
	fake := encodertest.New(func(req encoder.Request) (int64, error) {
		return original/2 + int64(req.Strategy.Quality), nil
	})
	dir := t.TempDir()

	out, err := newEngine(fake).Run(context.Background(), dir, 0, imageReq("photo.jpg", original, target), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Mode != media.ModeBestEffort {
		t.Fatalf("mode = %s, want best-effort", out.Mode)
	}
	if !strings.Contains(out.Warning, media.ErrSearchExhausted.Error()) {
		t.Fatalf("warning %q does not mention exhaustion", out.Warning)
	}
	// Lossless strategies carry no quality and produce the smallest size here.
	if out.Winner.Size != original/2 {
		t.Fatalf("best effort %d is not the smallest observed size", out.Winner.Size)
	}
	if n := entries(t, dir); n != 1 {
		t.Fatalf("expected only the best-effort artifact, found %d files", n)
	}
}

func TestAllTrialsFail(t *testing.T) {
	boom := errors.New("no codec")
	fake := encodertest.New(func(encoder.Request) (int64, error) { return 0, boom })
	_, err := newEngine(fake).Run(context.Background(), t.TempDir(), 0, imageReq("photo.jpg", 1000, 800), nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected trial error, got %v", err)
	}
}

func TestQualityModeKeepsOriginal(t *testing.T) {
	fake := encodertest.New(func(encoder.Request) (int64, error) { return 2000, nil })
	dir := t.TempDir()
	req := imageReq("photo.jpg", 1000, 0)
	req.Quality = 80

	out, err := newEngine(fake).Run(context.Background(), dir, 0, req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !out.KeepOriginal || out.Winner != nil || out.Mode != media.ModeQuality {
		t.Fatalf("expected original kept, got %+v", out)
	}
	if n := entries(t, dir); n != 0 {
		t.Fatalf("larger output should be removed, found %d files", n)
	}

	fake.Size = func(encoder.Request) (int64, error) { return 600, nil }
	out, err = newEngine(fake).Run(context.Background(), dir, 0, req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.KeepOriginal || out.Winner == nil || out.Winner.Strategy.Quality != 80 {
		t.Fatalf("expected compressed result, got %+v", out)
	}
}

func TestVideoStandardCorrection(t *testing.T) {
	const original, target = 100_000_000, 50_000_000
	duration := 100 * time.Second
	// Simulates an encoder overshooting the requested bitrate by 50%.
	fake := encodertest.New(func(req encoder.Request) (int64, error) {
		return int64(float64(req.Strategy.BitrateKbps) * 128 * duration.Seconds() * 1.5), nil
	})
	req := media.Request{
		Input:       media.Input{Path: "clip.mp4", Size: original},
		Kind:        media.KindVideo,
		TargetBytes: target,
	}

	out, err := newEngine(fake).Run(context.Background(), t.TempDir(), 0, req, &media.Metadata{Duration: duration})
	if err != nil {
		t.Fatal(err)
	}
	if out.Mode != media.ModeStandard || out.Winner.Size > target {
		t.Fatalf("unexpected outcome %s size=%d", out.Mode, out.Winner.Size)
	}
	if fake.Calls() != 2 {
		t.Fatalf("expected formula trial plus one correction, got %d", fake.Calls())
	}
	if first := fake.Strategies()[0].BitrateKbps; first != 3224 {
		t.Fatalf("formula bitrate = %d, want 3224", first)
	}
}

func TestVideoExtremeFallsBackToStandard(t *testing.T) {
	const original, target = 1_000_000_000, 100_000_000
	duration := 600 * time.Second
	// Bitrate encodes overshoot by 50%; CRF encodes never get small enough.
	fake := encodertest.New(func(req encoder.Request) (int64, error) {
		if kbps := req.Strategy.BitrateKbps; kbps > 0 {
			return int64(float64(kbps) * 1.5 * 128 * duration.Seconds()), nil
		}
		return 500_000_000, nil
	})
	req := media.Request{
		Input:       media.Input{Path: "lecture.mp4", Size: original},
		Kind:        media.KindVideo,
		TargetBytes: target,
		Policy:      media.PolicyAuto,
	}
	dir := t.TempDir()

	out, err := newEngine(fake).Run(context.Background(), dir, 0, req, &media.Metadata{Duration: duration})
	if err != nil {
		t.Fatal(err)
	}
	catalog := len(strategy.NewCatalog(config.DefaultConfig()).Extreme(req, 0.1, 1010))
	if catalog <= NewParams(config.DefaultConfig()).MaxAttempts {
		t.Fatalf("catalog of %d should exceed the attempt cap for this case", catalog)
	}
	if out.Mode != media.ModeStandard {
		t.Fatalf("mode = %s (%s), want standard", out.Mode, out.Warning)
	}
	if out.Winner.Size > target || out.Winner.Strategy.BitrateKbps != 824 {
		t.Fatalf("winner %s size=%d", out.Winner.Strategy.Name, out.Winner.Size)
	}
	if calls := fake.Calls(); calls != catalog+2 || out.Trials != calls {
		t.Fatalf("calls=%d trials=%d, want catalog plus formula and one correction", calls, out.Trials)
	}
	if n := entries(t, dir); n != 1 {
		t.Fatalf("expected only the winner artifact, found %d files", n)
	}
}

func TestVideoExtremeScenario(t *testing.T) {
	const original, target = 2_000_000_000, 200_000_000
	fake := encodertest.New(encodertest.ScaledBy(original))
	req := media.Request{
		Input:       media.Input{Path: "movie.mp4", Size: original},
		Kind:        media.KindVideo,
		TargetBytes: target,
		Policy:      media.PolicySize,
	}

	out, err := newEngine(fake).Run(context.Background(), t.TempDir(), 0, req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Mode != media.ModeExtreme {
		t.Fatalf("ratio 0.10 should take the extreme path, got %s", out.Mode)
	}
	if fake.Calls() == 0 || out.Winner.Size > target {
		t.Fatalf("calls=%d winner=%d", fake.Calls(), out.Winner.Size)
	}
}

func TestSelectAuto(t *testing.T) {
	const target = 1000
	small := &trial.Trial{Index: 0, Size: 400, Elapsed: 50 * time.Millisecond, Fits: true, Encoded: true}
	big := &trial.Trial{Index: 1, Size: 900, Elapsed: 10 * time.Millisecond, Fits: true, Encoded: true}
	edge := &trial.Trial{Index: 2, Size: 980, Elapsed: 10 * time.Millisecond, Fits: true, Encoded: true}
	over := &trial.Trial{Index: 3, Size: 1200, Elapsed: time.Millisecond, Encoded: true}

	tests := []struct {
		name     string
		trials   []*trial.Trial
		headroom float64
		want     *trial.Trial
	}{
		{"fastest is smallest", []*trial.Trial{small, over}, 0.95, small},
		{"headroom prefers quality", []*trial.Trial{small, big}, 0.95, big},
		{"too close to the limit", []*trial.Trial{small, edge}, 0.95, small},
		{"headroom bound is inclusive", []*trial.Trial{small, big}, 0.90, big},
		{"nothing fits", []*trial.Trial{over}, 0.95, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(Classify(tt.trials, ""), media.PolicyAuto, target, tt.headroom)
			if got != tt.want {
				t.Fatalf("Select = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestClassifyFormatFallback(t *testing.T) {
	jpg := &trial.Trial{Index: 0, Size: 100, Fits: true, Encoded: true, Strategy: media.Strategy{Format: media.FormatJPEG}}
	png := &trial.Trial{Index: 1, Size: 300, Encoded: true, Strategy: media.Strategy{Format: media.FormatPNG}}

	c := Classify([]*trial.Trial{jpg, png}, media.FormatPNG)
	if len(c.Successful) != 1 || c.Successful[0] != jpg {
		t.Fatalf("should fall back to the unfiltered set, got %+v", c.Successful)
	}
	png.Fits = true
	c = Classify([]*trial.Trial{jpg, png}, media.FormatPNG)
	if got := Select(c, media.PolicySize, 1000, 0.95); got != png {
		t.Fatalf("filtered set should win, got %+v", got)
	}
}
