package compressor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"mediashrink/internal/config"
	"mediashrink/internal/coordinator"
	"mediashrink/internal/encoder"
	"mediashrink/internal/encoder/encodertest"
	"mediashrink/internal/logger"
	"mediashrink/internal/media"
	"mediashrink/internal/partition"
)

func writeInputs(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), make([]byte, 10000), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestCompressor(t *testing.T, fake *encodertest.Fake, observers ...coordinator.Observer) (*DefaultCompressor, string) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Compression.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.Performance.MaxWorkers = 4
	c := NewWithEncoder(cfg, fake, logger.Discard(), observers...)
	t.Cleanup(func() { _ = c.Close() })
	return c, cfg.Compression.OutputDir
}

func TestCompressDirectory(t *testing.T) {
	in := t.TempDir()
	writeInputs(t, in, "a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg", "notes.txt")

	var mu sync.Mutex
	completes := 0
	obs := coordinator.ObserverFunc(func(_ string, msg coordinator.Message) {
		if _, ok := msg.(coordinator.Complete); ok {
			mu.Lock()
			completes++
			mu.Unlock()
		}
	})

	fake := encodertest.New(encodertest.ScaledBy(10000))
	c, out := newTestCompressor(t, fake, obs)

	missing := filepath.Join(in, "missing.jpg")
	summary, err := c.Compress(context.Background(), CompressionParams{
		InputPaths: []string{in, missing},
		Target:     "5KB",
	})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Processed != 5 {
		t.Fatalf("processed %d, want 5", summary.Processed)
	}
	if len(summary.Errors) != 1 || summary.Errors[0].File != missing {
		t.Fatalf("expected the missing path to be reported: %+v", summary.Errors)
	}
	if summary.TotalSizeReduction <= 0 {
		t.Fatalf("expected a positive reduction, got %d", summary.TotalSizeReduction)
	}
	for _, res := range summary.Results {
		if res.CompressedSize > 5000 || res.Action != media.ActionCompressed {
			t.Errorf("%s: unexpected result %+v", res.Input, res)
		}
		if filepath.Dir(res.OutputPath) != out {
			t.Errorf("%s: output %s outside %s", res.Input, res.OutputPath, out)
		}
		if _, err := os.Stat(res.OutputPath); err != nil {
			t.Errorf("%s: %v", res.Input, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if want := len(partition.Partition(make([]media.Request, 5), summary.Workers)); completes != want {
		t.Fatalf("observer saw %d completes for %d chunks", completes, want)
	}
	snap := c.Statistics().Snapshot()
	if snap.FilesFound != 5 || snap.FilesProcessed != 5 || snap.FilesWithErrors != 1 {
		t.Fatalf("unexpected statistics %+v", snap)
	}
}

func TestCompressRejectsInvalidRequests(t *testing.T) {
	in := t.TempDir()
	writeInputs(t, in, "a.jpg")
	path := filepath.Join(in, "a.jpg")

	tests := []struct {
		name   string
		params CompressionParams
	}{
		{"target above original", CompressionParams{InputPaths: []string{path}, Target: "50KB"}},
		{"malformed target", CompressionParams{InputPaths: []string{path}, Target: "lots"}},
		{"quality zero", CompressionParams{
			InputPaths: []string{path},
			Overrides:  config.Overrides{Quality: config.Ptr(0)},
		}},
		{"quality above 100", CompressionParams{
			InputPaths: []string{path},
			Target:     "5KB",
			Overrides:  config.Overrides{Quality: config.Ptr(101)},
		}},
		{"video format for image", CompressionParams{
			InputPaths: []string{path},
			Overrides:  config.Overrides{Format: config.Ptr(media.FormatMP4)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := encodertest.New(encodertest.ScaledBy(10000))
			c, _ := newTestCompressor(t, fake)
			_, err := c.Compress(context.Background(), tt.params)
			if !errors.Is(err, media.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			if fake.Calls() != 0 {
				t.Fatalf("no encode should run, got %d", fake.Calls())
			}
		})
	}
}

func TestCompressQualityModeKeepsOriginal(t *testing.T) {
	in := t.TempDir()
	writeInputs(t, in, "a.jpg")

	// Every trial is as large as the input.
	fake := encodertest.New(func(_ encoder.Request) (int64, error) { return 10000, nil })
	c, out := newTestCompressor(t, fake)
	summary, err := c.Compress(context.Background(), CompressionParams{InputPaths: []string{in}})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Processed != 1 || !summary.Inline {
		t.Fatalf("unexpected summary %+v", summary)
	}
	res := summary.Results[0]
	if res.Action != media.ActionOriginal || res.OutputPath != filepath.Join(out, "a.jpg") {
		t.Fatalf("expected the original to be kept: %+v", res)
	}
}

func TestCollectSkipsOutputDir(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(in, "compressed")
	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatal(err)
	}
	writeInputs(t, in, "a.jpg", "b.mp4")
	writeInputs(t, out, "a.jpg")

	nested := filepath.Join(in, "trip", "day1")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	writeInputs(t, nested, "c.jpg")

	files, missing := collectMediaFiles([]string{in, filepath.Join(in, "b.mp4")}, out)
	if len(missing) != 0 {
		t.Fatalf("unexpected errors %+v", missing)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 unique inputs, got %v", files)
	}
	for _, f := range files {
		want := ""
		if filepath.Base(f.Path) == "c.jpg" {
			want = filepath.Join("trip", "day1")
		}
		if f.Rel != want {
			t.Errorf("%s: rel = %q, want %q", f.Path, f.Rel, want)
		}
	}

	_, missing = collectMediaFiles([]string{filepath.Join(in, "notes.txt")}, "")
	if len(missing) != 1 {
		t.Fatalf("missing file should be reported, got %+v", missing)
	}
}

func TestCompressKeepsSameNamedInputsApart(t *testing.T) {
	in := t.TempDir()
	for _, dir := range []string{"x", "y"} {
		if err := os.MkdirAll(filepath.Join(in, dir), 0o755); err != nil {
			t.Fatal(err)
		}
		writeInputs(t, filepath.Join(in, dir), "a.jpg")
	}
	sizes := map[string]int64{
		filepath.Join(in, "x", "a.jpg"): 1111,
		filepath.Join(in, "y", "a.jpg"): 2222,
	}
	sizeOf := func(req encoder.Request) (int64, error) { return sizes[req.Input.Path], nil }

	tests := []struct {
		name   string
		inputs []string
		want   map[string]string
	}{
		{
			name:   "walked directory keeps relative paths",
			inputs: []string{in},
			want: map[string]string{
				filepath.Join(in, "x", "a.jpg"): filepath.Join("x", "a.jpg"),
				filepath.Join(in, "y", "a.jpg"): filepath.Join("y", "a.jpg"),
			},
		},
		{
			name:   "explicit files get a suffix",
			inputs: []string{filepath.Join(in, "x", "a.jpg"), filepath.Join(in, "y", "a.jpg")},
			want: map[string]string{
				filepath.Join(in, "x", "a.jpg"): "a.jpg",
				filepath.Join(in, "y", "a.jpg"): "a-1.jpg",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, out := newTestCompressor(t, encodertest.New(sizeOf))
			summary, err := c.Compress(context.Background(), CompressionParams{InputPaths: tt.inputs})
			if err != nil {
				t.Fatal(err)
			}
			if summary.Processed != 2 {
				t.Fatalf("processed %d, want 2: %+v", summary.Processed, summary.Errors)
			}
			for _, res := range summary.Results {
				if want := filepath.Join(out, tt.want[res.Input]); res.OutputPath != want {
					t.Errorf("%s: output %s, want %s", res.Input, res.OutputPath, want)
				}
				info, err := os.Stat(res.OutputPath)
				if err != nil {
					t.Fatal(err)
				}
				if info.Size() != res.CompressedSize || res.CompressedSize != sizes[res.Input] {
					t.Errorf("%s: on disk %d, reported %d, want %d", res.Input, info.Size(), res.CompressedSize, sizes[res.Input])
				}
			}
		})
	}
}

func TestInstanceOverridesSitBelowCallOverrides(t *testing.T) {
	in := t.TempDir()
	writeInputs(t, in, "a.jpg")

	fake := encodertest.New(encodertest.ScaledBy(10000))
	c, _ := newTestCompressor(t, fake)
	c.SetInstanceOverrides(config.Overrides{Quality: config.Ptr(30), Width: config.Ptr(64)})

	if _, err := c.Compress(context.Background(), CompressionParams{InputPaths: []string{in}}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Compress(context.Background(), CompressionParams{
		InputPaths: []string{in},
		Overrides:  config.Overrides{Quality: config.Ptr(70)},
	}); err != nil {
		t.Fatal(err)
	}

	seen := fake.Strategies()
	if len(seen) != 2 {
		t.Fatalf("expected one quality trial per call, got %d", len(seen))
	}
	if seen[0].Quality != 30 || seen[0].Width != 64 {
		t.Errorf("instance layer not applied: %+v", seen[0])
	}
	if seen[1].Quality != 70 || seen[1].Width != 64 {
		t.Errorf("call layer should win over instance layer: %+v", seen[1])
	}

	c.SetInstanceOverrides(config.Overrides{Quality: config.Ptr(150)})
	_, err := c.Compress(context.Background(), CompressionParams{InputPaths: []string{in}})
	if !errors.Is(err, media.ErrInvalidRequest) {
		t.Fatalf("out-of-range instance quality should be rejected, got %v", err)
	}
}
