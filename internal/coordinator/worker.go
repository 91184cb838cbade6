package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mediashrink/internal/extractor"
	"mediashrink/internal/media"
	"mediashrink/internal/search"
)

// Processor is the default ItemProcessor: read metadata, search, then place the
// winner (or a copy of the original) in the output directory.
type Processor struct {
	engine *search.Engine
	prober extractor.MetadataExtractor
	logger logrus.FieldLogger
}

// NewProcessor returns a Processor. prober may be nil.
func NewProcessor(engine *search.Engine, prober extractor.MetadataExtractor, logger logrus.FieldLogger) *Processor {
	return &Processor{engine: engine, prober: prober, logger: logger}
}

// Process implements ItemProcessor.
func (p *Processor) Process(ctx context.Context, dir string, worker int, req media.Request) (media.Result, error) {
	start := time.Now()
	res := media.Result{
		Input:         req.Input.Name(),
		Kind:          req.Kind,
		FragmentIndex: req.Input.FragmentIndex,
		FragmentTotal: req.Input.FragmentTotal,
	}
	log := p.logger.WithFields(logrus.Fields{"file": res.Input, "worker": worker})

	if req.Input.Data == nil {
		info, err := os.Stat(req.Input.Path)
		if err != nil {
			return res, fmt.Errorf("stat %s: %w", req.Input.Path, err)
		}
		req.Input.Size = info.Size()
	}
	res.OriginalSize = req.Input.Size

	var meta *media.Metadata
	if p.prober != nil {
		var md *media.Metadata
		var err error
		if req.Input.Data != nil {
			md, err = p.prober.ExtractBytes(req.Input.Data)
		} else {
			md, err = p.prober.Extract(ctx, req.Input.Path)
		}
		if err != nil {
			log.WithError(err).Debug("metadata unavailable, continuing without it")
		} else {
			meta = md
		}
	}

	out, err := p.engine.Run(ctx, dir, worker, req, meta)
	if err != nil {
		return res, err
	}
	res.Mode = out.Mode
	res.Trials = out.Trials
	res.Warning = out.Warning
	if meta != nil {
		res.Metadata = *meta
	}

	winner := out.Winner
	if winner != nil && req.Input.Size > 0 && winner.Size >= req.Input.Size {
		if err := winner.Discard(); err != nil {
			log.WithError(err).Warn("failed to remove trial artifact")
		}
		winner = nil
		res.Warning = strings.TrimPrefix(res.Warning+"; output not smaller than original, kept original", "; ")
	}

	if winner == nil {
		res.OutputPath = outputPath(req, media.DefaultFormat(req.Input.Path), true)
		if err := copyOriginal(req.Input, res.OutputPath); err != nil {
			return res, fmt.Errorf("copy original: %w", err)
		}
		res.Action = media.ActionOriginal
		res.CompressedSize = req.Input.Size
	} else {
		res.OutputPath = outputPath(req, winner.Strategy.Format, false)
		if err := moveFile(winner.Path, res.OutputPath); err != nil {
			winner.Discard()
			return res, fmt.Errorf("place output: %w", err)
		}
		winner.Path = ""
		res.Action = media.ActionCompressed
		res.CompressedSize = winner.Size
		res.Strategy = winner.Strategy
		res.Metadata.Format = winner.Strategy.Format
		if winner.Width > 0 {
			res.Metadata.Width, res.Metadata.Height = winner.Width, winner.Height
		}
		if winner.Strategy.Codec != "" {
			res.Metadata.Codec = winner.Strategy.Codec
		}
	}

	res.ReductionPercent = media.ReductionPercent(res.OriginalSize, res.CompressedSize)
	res.Elapsed = time.Since(start)
	log.WithFields(logrus.Fields{
		"action":    res.Action,
		"mode":      res.Mode,
		"original":  media.FormatSize(res.OriginalSize),
		"output":    media.FormatSize(res.CompressedSize),
		"reduction": fmt.Sprintf("%.1f%%", res.ReductionPercent),
	}).Info("file processed")
	return res, nil
}

// outputPath builds <outdir>/<name>[.part-i-of-n]<ext>, where name is
// req.OutputName or the input's base name. Kept originals keep their own
// extension. Without an output directory, files go to a "compressed"
// directory next to the input.
func outputPath(req media.Request, format media.Format, original bool) string {
	base := filepath.Base(req.Input.Path)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if req.OutputName != "" {
		name = req.OutputName
	}
	if !original {
		ext = format.Extension()
	}
	if req.Input.IsFragment() {
		name = fmt.Sprintf("%s.part-%d-of-%d", name, req.Input.FragmentIndex+1, req.Input.FragmentTotal)
		if original {
			ext = ".png"
		}
	}
	dir := req.OutputDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(req.Input.Path), "compressed")
	}
	return filepath.Join(dir, name+ext)
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyOriginal(in media.Input, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if in.Data != nil {
		return os.WriteFile(dst, in.Data, 0644)
	}
	if same, _ := sameFile(in.Path, dst); same {
		return nil
	}
	return copyFile(in.Path, dst)
}

func sameFile(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}

// copyFile copies file src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
