package compressor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"

	"mediashrink/internal/config"
	"mediashrink/internal/coordinator"
	"mediashrink/internal/encoder"
	"mediashrink/internal/extractor"
	"mediashrink/internal/logger"
	"mediashrink/internal/media"
	"mediashrink/internal/partition"
	"mediashrink/internal/search"
	"mediashrink/internal/statistics"
	"mediashrink/internal/strategy"
	"mediashrink/internal/tools"
	"mediashrink/internal/trial"
)

// DefaultCompressor wires the search engine, coordinator and collaborators.
// It is safe for concurrent use; every Compress call is an independent batch.
type DefaultCompressor struct {
	cfg         *config.Config
	logger      logrus.FieldLogger
	locator     *tools.Locator
	prober      *extractor.Prober
	coordinator *coordinator.Coordinator
	stats       *statistics.Statistics
	instance    config.Overrides
}

// NewDefaultCompressor creates a DefaultCompressor using the imaging and
// ffmpeg encoders.
func NewDefaultCompressor(cfg *config.Config, logger logrus.FieldLogger, observers ...coordinator.Observer) *DefaultCompressor {
	locator := tools.NewLocator(cfg.Tools.LookupTTL)
	enc := &encoder.Router{
		Image: encoder.NewImageEncoder(),
		Video: encoder.NewVideoEncoder(locator, cfg.Tools.FFmpeg, cfg.Video.AudioBitrateKbps),
	}
	return newCompressor(cfg, enc, locator, logger, observers)
}

// NewWithEncoder creates a DefaultCompressor around a custom encoder.
func NewWithEncoder(cfg *config.Config, enc encoder.Encoder, logger logrus.FieldLogger, observers ...coordinator.Observer) *DefaultCompressor {
	return newCompressor(cfg, enc, tools.NewLocator(cfg.Tools.LookupTTL), logger, observers)
}

func newCompressor(cfg *config.Config, enc encoder.Encoder, locator *tools.Locator, logger logrus.FieldLogger, observers []coordinator.Observer) *DefaultCompressor {
	slots := cfg.Performance.MaxConcurrentTrial
	if slots <= 0 {
		slots = runtime.NumCPU()
	}
	runner := trial.NewRunner(enc, slots, cfg.Performance.TrialTimeout, logger)
	engine := search.NewEngine(runner, strategy.NewCatalog(cfg), strategy.NewBitrate(cfg.Video), search.NewParams(cfg), logger)
	prober := extractor.NewProber(logger, locator, cfg.Tools.ExifTool)
	stats := statistics.NewStatistics()

	obs := coordinator.Observers{stats}
	obs = append(obs, observers...)
	coord := coordinator.New(
		coordinator.NewSettings(cfg.Performance),
		coordinator.Shared(coordinator.NewProcessor(engine, prober, logger)),
		obs,
		logger,
	)
	return &DefaultCompressor{
		cfg:         cfg,
		logger:      logger,
		locator:     locator,
		prober:      prober,
		coordinator: coord,
		stats:       stats,
	}
}

// SetInstanceOverrides replaces the layer applied between configuration
// defaults and per-call overrides.
func (c *DefaultCompressor) SetInstanceOverrides(o config.Overrides) {
	c.instance = o
}

// Statistics returns the process-wide counters.
func (c *DefaultCompressor) Statistics() *statistics.Statistics {
	return c.stats
}

// Locator returns the external tool locator.
func (c *DefaultCompressor) Locator() *tools.Locator {
	return c.locator
}

// Prober returns the metadata prober.
func (c *DefaultCompressor) Prober() extractor.CachedExtractor {
	return c.prober
}

// Close releases the exiftool process, if one was started.
func (c *DefaultCompressor) Close() error {
	return c.prober.Close()
}

// Compress performs compression according to the provided parameters.
func (c *DefaultCompressor) Compress(ctx context.Context, params CompressionParams) (*Summary, error) {
	call := params.Overrides
	if params.Target != "" {
		target, err := media.ParseSize(params.Target)
		if err != nil {
			return nil, err
		}
		call.TargetBytes = &target
	}
	opts := config.Resolve(c.cfg.Defaults(), c.instance, call)
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	files, missing := collectMediaFiles(params.InputPaths, opts.OutputDir)
	reqs, err := c.buildRequests(files, opts)
	if err != nil {
		return nil, err
	}
	logger.WithOperation(c.logger, "collect").WithFields(logrus.Fields{
		"inputs":  len(params.InputPaths),
		"files":   len(reqs),
		"skipped": len(missing),
	}).Debug("inputs collected")
	c.stats.AddFilesFound(len(reqs))
	c.stats.IncrementBatches()

	settings := coordinator.NewSettings(c.cfg.Performance)
	if opts.ForceDistribute {
		frag := &partition.Fragmenter{Threshold: c.cfg.Image.FragmentThreshold, Logger: c.logger}
		reqs = frag.Expand(reqs, settings.PoolSize(opts.Threads, opts.SpeedOptimized))
	}

	batch, err := c.coordinator.Run(ctx, reqs, coordinator.RunOptions{
		Threads:        opts.Threads,
		SpeedOptimized: opts.SpeedOptimized,
		ForceThreads:   opts.ForceThreads,
	})
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		BatchID:            batch.ID,
		Processed:          batch.Processed,
		TotalSizeReduction: batch.TotalReduction,
		Errors:             append(missing, batch.Errors...),
		Results:            batch.Results,
		Workers:            batch.Workers,
		Inline:             batch.Inline,
		Elapsed:            batch.Elapsed,
	}
	for _, e := range missing {
		c.stats.AddError(e.File, "collect", e.Error)
	}
	return summary, nil
}

// buildRequests validates every input against the target before any work
// starts; one invalid target rejects the whole call.
func (c *DefaultCompressor) buildRequests(files []sourceFile, opts config.Options) ([]media.Request, error) {
	reqs := make([]media.Request, 0, len(files))
	names := make(outputNames)
	for i, src := range files {
		path := src.Path
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if err := media.ValidateTarget(opts.TargetBytes, info.Size()); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		kind := media.DetectKind(path)
		if opts.Format != "" && opts.Format.Kind() != kind {
			return nil, fmt.Errorf("%w: format %s cannot encode %s input %s", media.ErrInvalidRequest, opts.Format, kind, path)
		}
		req := opts.Request(fmt.Sprintf("%d", i), kind, media.Input{Path: path, Size: info.Size()})
		if req.OutputDir != "" {
			req.OutputDir = filepath.Join(req.OutputDir, src.Rel)
		}
		req.OutputName = names.claim(req)
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// outputNames tracks the output stems claimed in one batch, keyed by
// directory. Two inputs never share a stem, even when their extensions or
// output formats differ.
type outputNames map[string]struct{}

// claim returns the stem req should be written under: its own base name, or
// the base name plus the first free "-N" suffix.
func (n outputNames) claim(req media.Request) string {
	dir := req.OutputDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(req.Input.Path), "compressed")
	}
	base := filepath.Base(req.Input.Path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	name := stem
	for i := 1; ; i++ {
		key := strings.ToLower(filepath.Join(dir, name))
		if _, taken := n[key]; !taken {
			n[key] = struct{}{}
			return name
		}
		name = fmt.Sprintf("%s-%d", stem, i)
	}
}

// sourceFile is one collected input. Rel is the directory of Path relative
// to the walked input directory, or "" for inputs named explicitly.
type sourceFile struct {
	Path string
	Rel  string
}

// collectMediaFiles recursively collects all files with supported extensions,
// skipping skipDir so earlier outputs are not compressed again. Inputs that
// do not exist are returned as errors rather than aborting.
func collectMediaFiles(inputPaths []string, skipDir string) ([]sourceFile, []coordinator.FileError) {
	var files []sourceFile
	var missing []coordinator.FileError
	extSet := make(map[string]struct{})
	for _, ext := range media.SupportedExtensions() {
		extSet[ext] = struct{}{}
	}
	seen := make(map[string]struct{})
	add := func(path, root string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		src := sourceFile{Path: path}
		if root != "" {
			if rel, err := filepath.Rel(root, filepath.Dir(path)); err == nil && rel != "." {
				src.Rel = rel
			}
		}
		files = append(files, src)
	}
	skipAbs := ""
	if skipDir != "" {
		skipAbs, _ = filepath.Abs(skipDir)
	}
	var root string
	visit := func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if abs, _ := filepath.Abs(path); skipAbs != "" && abs == skipAbs {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, ok := extSet[ext]; ok {
			add(path, root)
		}
		return nil
	}
	for _, in := range inputPaths {
		info, err := os.Stat(in)
		if err != nil {
			missing = append(missing, coordinator.FileError{File: in, Error: err.Error()})
			continue
		}
		if info.IsDir() {
			root = in
			_ = filepath.WalkDir(in, visit)
		} else {
			ext := strings.ToLower(filepath.Ext(info.Name()))
			if _, ok := extSet[ext]; ok {
				add(in, "")
			} else {
				missing = append(missing, coordinator.FileError{File: in, Error: "unsupported file type"})
			}
		}
	}
	return files, missing
}
