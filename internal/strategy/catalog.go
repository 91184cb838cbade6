package strategy

import (
	"mediashrink/internal/config"
	"mediashrink/internal/media"
)

var (
	imageQualityFloors = []int{60, 40, 20}
	imageScales        = []float64{1, 0.75, 0.5, 0.35, 0.25}
	imageFineScales    = []float64{0.15, 0.1}
	pngScales          = []float64{0.5, 0.35, 0.25}

	videoCRFs       = []int{28, 32, 36}
	videoScales     = []float64{1, 0.75, 0.5}
	videoFineCRFs   = []int{40}
	videoFineScales = []float64{0.35}
)

// fineRatio is the ratio below which the extreme catalogs add their
// smallest scales and highest CRFs.
const fineRatio = 0.05

// Catalog produces strategies for each search tier.
type Catalog struct {
	Preset      string
	SpeedPreset string
	MinQuality  int
	MaxQuality  int
}

// NewCatalog builds a Catalog from configuration.
func NewCatalog(cfg *config.Config) *Catalog {
	return &Catalog{
		Preset:      cfg.Video.Preset,
		SpeedPreset: cfg.Video.SpeedPreset,
		MinQuality:  cfg.Search.MinQuality,
		MaxQuality:  cfg.Search.MaxQuality,
	}
}

// QualityRange returns the bisection interval for a request: the configured
// range, capped by the caller's quality when it is lower.
func (c *Catalog) QualityRange(req media.Request) (lo, hi int) {
	lo, hi = c.MinQuality, c.MaxQuality
	if req.Quality > 0 && req.Quality < hi {
		hi = req.Quality
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

// Image returns the standard-tier image strategy for quality q. Lossless
// formats have no quality knob, so q is mapped onto a downscale factor.
func (c *Catalog) Image(req media.Request, q int) media.Strategy {
	s := media.Strategy{
		Format:  req.OutputFormat(),
		Quality: q,
		Scale:   1,
		Width:   req.Width,
		Height:  req.Height,
	}
	if !s.Format.Lossy() && c.MaxQuality > 0 && q < c.MaxQuality {
		s.Scale = float64(q) / float64(c.MaxQuality)
		if s.Scale < 0.05 {
			s.Scale = 0.05
		}
	}
	s.Name = name(s)
	return s
}

// Video returns the standard-tier video strategy at a fixed bitrate.
func (c *Catalog) Video(req media.Request, kbps int) media.Strategy {
	s := media.Strategy{
		Format:      req.OutputFormat(),
		Codec:       c.codec(req),
		BitrateKbps: kbps,
		Scale:       1,
		Preset:      c.preset(req),
		Width:       req.Width,
		Height:      req.Height,
	}
	s.Name = name(s)
	return s
}

// Quality returns the single strategy used when no target size is set.
func (c *Catalog) Quality(req media.Request) media.Strategy {
	if req.Kind == media.KindVideo {
		s := media.Strategy{
			Format: req.OutputFormat(),
			Codec:  c.codec(req),
			CRF:    QualityToCRF(req.Quality),
			Scale:  1,
			Preset: c.preset(req),
			Width:  req.Width,
			Height: req.Height,
		}
		s.Name = name(s)
		return s
	}
	s := media.Strategy{
		Format:  req.OutputFormat(),
		Quality: req.Quality,
		Scale:   1,
		Width:   req.Width,
		Height:  req.Height,
	}
	s.Name = name(s)
	return s
}

// Extreme returns the extreme-tier catalog, least destructive first.
// kbps is the formula bitrate for video and is ignored for images.
func (c *Catalog) Extreme(req media.Request, ratio float64, kbps int) []media.Strategy {
	if req.Kind == media.KindVideo {
		return c.extremeVideo(req, ratio, kbps)
	}
	return c.extremeImage(req, ratio)
}

func (c *Catalog) extremeImage(req media.Request, ratio float64) []media.Strategy {
	primary := req.OutputFormat()
	if primary.Kind() != media.KindImage {
		primary = media.FormatJPEG
	}
	formats := []media.Format{primary}
	for _, f := range []media.Format{media.FormatJPEG, media.FormatPNG} {
		if f != primary && !req.SkipExtraOptimizations {
			formats = append(formats, f)
		}
	}

	qualities := imageQualityFloors
	if req.SkipExtraOptimizations {
		qualities = qualities[1:]
	}
	scales := imageScales
	pngs := pngScales
	if ratio < fineRatio {
		scales = append(append([]float64{}, scales...), imageFineScales...)
		pngs = append(append([]float64{}, pngs...), imageFineScales...)
	}
	if req.SpeedOptimized {
		scales = sparse(scales)
	}

	var out []media.Strategy
	for _, f := range formats {
		if !f.Lossy() {
			for _, sc := range pngs {
				out = append(out, c.imageStrategy(req, f, 0, sc))
			}
			continue
		}
		for _, sc := range scales {
			for _, q := range qualities {
				out = append(out, c.imageStrategy(req, f, q, sc))
			}
		}
	}
	return out
}

func (c *Catalog) imageStrategy(req media.Request, f media.Format, q int, scale float64) media.Strategy {
	s := media.Strategy{
		Format:  f,
		Quality: q,
		Scale:   scale,
		Width:   req.Width,
		Height:  req.Height,
	}
	s.Name = name(s)
	return s
}

func (c *Catalog) extremeVideo(req media.Request, ratio float64, kbps int) []media.Strategy {
	format := req.OutputFormat()
	primary := c.codec(req)
	codecs := []media.Codec{primary}
	if format != media.FormatWebM && !req.SkipExtraOptimizations {
		for _, cd := range []media.Codec{media.CodecH264, media.CodecH265} {
			if cd != primary {
				codecs = append(codecs, cd)
			}
		}
	}

	crfs, scales := videoCRFs, videoScales
	if ratio < fineRatio {
		crfs = append(append([]int{}, crfs...), videoFineCRFs...)
		scales = append(append([]float64{}, scales...), videoFineScales...)
	}
	if req.SpeedOptimized {
		scales = sparse(scales)
	}
	preset := c.preset(req)

	var out []media.Strategy
	for _, sc := range scales {
		for _, crf := range crfs {
			for _, cd := range codecs {
				s := media.Strategy{
					Format: format,
					Codec:  cd,
					CRF:    crf,
					Scale:  sc,
					Preset: preset,
					Width:  req.Width,
					Height: req.Height,
				}
				s.Name = name(s)
				out = append(out, s)
			}
		}
		if kbps > 0 {
			s := media.Strategy{
				Format:      format,
				Codec:       primary,
				BitrateKbps: kbps,
				Scale:       sc,
				Preset:      preset,
				Width:       req.Width,
				Height:      req.Height,
			}
			s.Name = name(s)
			out = append(out, s)
		}
	}
	return out
}

func (c *Catalog) codec(req media.Request) media.Codec {
	if req.OutputFormat() == media.FormatWebM {
		return media.CodecVP9
	}
	if req.Codec != "" {
		return req.Codec
	}
	return media.CodecH264
}

func (c *Catalog) preset(req media.Request) string {
	if req.SpeedOptimized && c.SpeedPreset != "" {
		return c.SpeedPreset
	}
	return c.Preset
}

// QualityToCRF maps quality 1..100 onto x264-style CRF 51..18.
func QualityToCRF(q int) int {
	if q <= 0 {
		q = 80
	}
	if q > 100 {
		q = 100
	}
	crf := 18 + (100-q)*33/100
	if crf > 51 {
		crf = 51
	}
	return crf
}

// sparse keeps the first, last and every other element.
func sparse(in []float64) []float64 {
	out := make([]float64, 0, len(in)/2+2)
	for i, v := range in {
		if i%2 == 0 || i == len(in)-1 {
			out = append(out, v)
		}
	}
	return out
}
