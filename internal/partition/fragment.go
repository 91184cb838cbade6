package partition

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"mediashrink/internal/encoder"
	"mediashrink/internal/media"
)

// Fragmenter splits images above Threshold bytes into horizontal strips.
type Fragmenter struct {
	Threshold int64
	Logger    logrus.FieldLogger
}

// Expand replaces every oversized image in reqs with max(2, workers)
// strip requests. Requests that cannot be split are kept whole.
func (f *Fragmenter) Expand(reqs []media.Request, workers int) []media.Request {
	parts := workers
	if parts < 2 {
		parts = 2
	}
	out := make([]media.Request, 0, len(reqs))
	for _, req := range reqs {
		if req.Kind != media.KindImage || req.Input.IsFragment() || req.Input.Size <= f.Threshold {
			out = append(out, req)
			continue
		}
		frags, err := Fragment(req, parts)
		if err != nil {
			f.Logger.WithError(err).WithField("file", req.Input.Path).Warn("failed to fragment image, processing it whole")
			out = append(out, req)
			continue
		}
		f.Logger.WithFields(logrus.Fields{
			"file":      req.Input.Path,
			"fragments": len(frags),
		}).Info("fragmented oversized image")
		out = append(out, frags...)
	}
	return out
}

// Fragment decodes req's image and returns one request per strip. Each
// strip is a lossless PNG buffer; the target budget is divided evenly and
// dropped for strips already below their share.
func Fragment(req media.Request, parts int) ([]media.Request, error) {
	img, err := encoder.Load(req.Input)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", req.Input.Path, err)
	}
	b := img.Bounds()
	if parts > b.Dy() {
		parts = b.Dy()
	}
	if parts < 2 {
		return nil, fmt.Errorf("image %s is too small to fragment", req.Input.Path)
	}

	// Strip heights differ by at most one row so there are exactly parts strips.
	total := parts
	share := req.TargetBytes / int64(total)

	frags := make([]media.Request, 0, total)
	for i := 0; i < total; i++ {
		y0 := b.Min.Y + i*b.Dy()/total
		y1 := b.Min.Y + (i+1)*b.Dy()/total
		strip := imaging.Crop(img, image.Rect(b.Min.X, y0, b.Max.X, y1))

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, strip, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode fragment %d of %s: %w", i, req.Input.Path, err)
		}

		frag := req
		frag.ID = fmt.Sprintf("%s#%d", req.ID, i)
		frag.Input = media.Input{
			Path:          req.Input.Path,
			Data:          buf.Bytes(),
			Size:          int64(buf.Len()),
			FragmentIndex: i,
			FragmentTotal: total,
		}
		frag.TargetBytes = share
		if share >= frag.Input.Size {
			frag.TargetBytes = 0
		}
		frags = append(frags, frag)
	}
	return frags, nil
}
