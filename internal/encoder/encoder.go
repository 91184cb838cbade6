// Package encoder wraps the pixel and video codecs behind one call:
// encode an input with a strategy into an output file.
package encoder

import (
	"context"
	"fmt"
	"time"

	"mediashrink/internal/media"
)

// Request is a single encode invocation.
type Request struct {
	Input      media.Input
	Kind       media.Kind
	Strategy   media.Strategy
	OutputPath string
}

// Output describes an encoded artifact.
type Output struct {
	Path    string
	Size    int64
	Width   int
	Height  int
	Elapsed time.Duration
}

// Encoder produces an output file for (input, strategy). Any failure is
// returned as *media.EncodeError.
type Encoder interface {
	Encode(ctx context.Context, req Request) (*Output, error)
}

// Router dispatches to the image or video encoder by media kind.
type Router struct {
	Image Encoder
	Video Encoder
}

// Encode implements Encoder.
func (r *Router) Encode(ctx context.Context, req Request) (*Output, error) {
	switch req.Kind {
	case media.KindImage:
		if r.Image != nil {
			return r.Image.Encode(ctx, req)
		}
	case media.KindVideo:
		if r.Video != nil {
			return r.Video.Encode(ctx, req)
		}
	}
	return nil, &media.EncodeError{
		Op:    "route",
		Input: req.Input.Name(),
		Err:   fmt.Errorf("no encoder for %s", req.Kind),
	}
}
