// Package encodertest provides a deterministic encoder for tests.
package encodertest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"mediashrink/internal/encoder"
	"mediashrink/internal/media"
)

// SizeFunc returns the output size for a request, or an error to fail it.
type SizeFunc func(req encoder.Request) (int64, error)

// Fake writes SizeFunc(req) zero bytes to the output path.
type Fake struct {
	Size  SizeFunc
	Delay func(req encoder.Request) time.Duration

	calls atomic.Int64
	mu    sync.Mutex
	seen  []media.Strategy
}

// New returns a Fake using size.
func New(size SizeFunc) *Fake {
	return &Fake{Size: size}
}

// Encode implements encoder.Encoder.
func (f *Fake) Encode(ctx context.Context, req encoder.Request) (*encoder.Output, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, req.Strategy)
	f.mu.Unlock()

	if f.Delay != nil {
		select {
		case <-time.After(f.Delay(req)):
		case <-ctx.Done():
			return nil, &media.EncodeError{Op: "fake", Input: req.Input.Name(), Err: ctx.Err()}
		}
	}

	size, err := f.Size(req)
	if err != nil {
		return nil, &media.EncodeError{Op: "fake", Input: req.Input.Name(), Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return nil, err
	}
	// Truncate keeps large simulated outputs sparse on disk.
	out, err := os.Create(req.OutputPath)
	if err != nil {
		return nil, err
	}
	if err := out.Truncate(size); err != nil {
		out.Close()
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, err
	}
	return &encoder.Output{Path: req.OutputPath, Size: size}, nil
}

// Calls returns the number of Encode invocations.
func (f *Fake) Calls() int {
	return int(f.calls.Load())
}

// Strategies returns every strategy seen, in call order.
func (f *Fake) Strategies() []media.Strategy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]media.Strategy(nil), f.seen...)
}

// ScaledBy returns a SizeFunc modelling a lossy encoder: size grows with
// quality and with the square of the scale factor. Video strategies use CRF
// or bitrate in place of quality.
func ScaledBy(original int64) SizeFunc {
	return func(req encoder.Request) (int64, error) {
		s := req.Strategy
		scale := s.Scale
		if scale <= 0 {
			scale = 1
		}
		var factor float64
		switch {
		case s.BitrateKbps > 0:
			factor = float64(s.BitrateKbps) / 10000
		case s.CRF > 0:
			factor = float64(52-s.CRF) / 52
		case s.Format.Lossy():
			factor = float64(s.Quality) / 100
		default:
			factor = 0.9
		}
		size := int64(float64(original) * factor * scale * scale)
		if size < 1 {
			size = 1
		}
		return size, nil
	}
}
