package encoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"mediashrink/internal/media"
)

// ImageEncoder encodes still images with disintegration/imaging.
type ImageEncoder struct{}

// NewImageEncoder returns an ImageEncoder.
func NewImageEncoder() *ImageEncoder {
	return &ImageEncoder{}
}

// Encode decodes the input, applies the strategy's resize and writes the
// encoded result to req.OutputPath.
func (e *ImageEncoder) Encode(ctx context.Context, req Request) (*Output, error) {
	start := time.Now()
	fail := func(op string, err error) (*Output, error) {
		return nil, &media.EncodeError{Op: op, Input: req.Input.Name(), Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail("image", err)
	}

	src, err := Load(req.Input)
	if err != nil {
		return fail("decode", err)
	}
	img := Resize(src, req.Strategy)

	if err := ctx.Err(); err != nil {
		return fail("image", err)
	}

	format, opts, err := imagingFormat(req.Strategy)
	if err != nil {
		return fail("encode", err)
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0755); err != nil {
		return fail("mkdir", err)
	}
	f, err := os.Create(req.OutputPath)
	if err != nil {
		return fail("create", err)
	}
	w := bufio.NewWriter(f)
	if err := imaging.Encode(w, img, format, opts...); err != nil {
		f.Close()
		os.Remove(req.OutputPath)
		return fail("encode", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(req.OutputPath)
		return fail("write", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(req.OutputPath)
		return fail("write", err)
	}

	info, err := os.Stat(req.OutputPath)
	if err != nil {
		return fail("stat", err)
	}
	b := img.Bounds()
	return &Output{
		Path:    req.OutputPath,
		Size:    info.Size(),
		Width:   b.Dx(),
		Height:  b.Dy(),
		Elapsed: time.Since(start),
	}, nil
}

// Load decodes an input from its buffer or path, honouring EXIF orientation.
func Load(in media.Input) (image.Image, error) {
	if in.Data != nil {
		return imaging.Decode(bytes.NewReader(in.Data), imaging.AutoOrientation(true))
	}
	return imaging.Open(in.Path, imaging.AutoOrientation(true))
}

// Resize applies explicit dimensions first, then the strategy scale factor.
func Resize(img image.Image, s media.Strategy) image.Image {
	if s.Width > 0 || s.Height > 0 {
		img = imaging.Resize(img, s.Width, s.Height, imaging.Lanczos)
	}
	if s.Scale > 0 && s.Scale < 1 {
		w := int(float64(img.Bounds().Dx()) * s.Scale)
		if w < 1 {
			w = 1
		}
		img = imaging.Resize(img, w, 0, imaging.Lanczos)
	}
	return img
}

func imagingFormat(s media.Strategy) (imaging.Format, []imaging.EncodeOption, error) {
	switch s.Format {
	case media.FormatJPEG:
		return imaging.JPEG, []imaging.EncodeOption{imaging.JPEGQuality(clampQuality(s.Quality))}, nil
	case media.FormatPNG:
		return imaging.PNG, []imaging.EncodeOption{imaging.PNGCompressionLevel(png.BestCompression)}, nil
	case media.FormatGIF:
		return imaging.GIF, []imaging.EncodeOption{imaging.GIFNumColors(gifColors(s.Quality))}, nil
	default:
		return 0, nil, fmt.Errorf("unsupported image format %q", s.Format)
	}
}

func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

// gifColors maps quality 1..100 onto a 2..256 colour palette.
func gifColors(q int) int {
	q = clampQuality(q)
	return 2 + (254*q)/100
}
