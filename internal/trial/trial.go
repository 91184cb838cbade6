// Package trial runs a single strategy against a single input and reports
// the outcome without ever failing the caller.
package trial

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"mediashrink/internal/encoder"
	"mediashrink/internal/media"
)

// Trial is the outcome of one strategy applied to one request.
type Trial struct {
	Strategy media.Strategy
	Index    int
	Path     string
	Size     int64
	Width    int
	Height   int
	Elapsed  time.Duration
	// Encoded is set when the encoder completed without error.
	Encoded bool
	// Fits is set when Encoded and the size is within the target budget
	// (always, when the request has no budget).
	Fits bool
	Err  error
}

// Discard removes the trial artifact, if any.
func (t *Trial) Discard() error {
	if t == nil || t.Path == "" {
		return nil
	}
	err := os.Remove(t.Path)
	t.Path = ""
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// DiscardAll removes every artifact except keep (which may be nil).
func DiscardAll(trials []*Trial, keep *Trial) error {
	var errs error
	for _, t := range trials {
		if t == nil || t == keep {
			continue
		}
		errs = multierr.Append(errs, t.Discard())
	}
	return errs
}

// Runner executes trials through an encoder. A shared semaphore bounds the
// number of encodes in flight across every worker using the same Runner.
type Runner struct {
	enc     encoder.Encoder
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  logrus.FieldLogger
}

// NewRunner returns a Runner allowing at most maxConcurrent encodes at once.
// A zero timeout disables the per-trial deadline.
func NewRunner(enc encoder.Encoder, maxConcurrent int, timeout time.Duration, logger logrus.FieldLogger) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Runner{
		enc:     enc,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: timeout,
		logger:  logger,
	}
}

// Run encodes req with s into a uniquely named file under dir. Errors are
// captured in the returned Trial, never returned.
func (r *Runner) Run(ctx context.Context, dir string, worker, index int, req media.Request, s media.Strategy) *Trial {
	t := &Trial{Strategy: s, Index: index}
	out := filepath.Join(dir, fmt.Sprintf("w%02d-s%03d-%s%s", worker, index, uuid.NewString(), s.Format.Extension()))

	if err := r.sem.Acquire(ctx, 1); err != nil {
		t.Err = err
		return t
	}
	defer r.sem.Release(1)

	tctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := r.encode(tctx, encoder.Request{
		Input:      req.Input,
		Kind:       req.Kind,
		Strategy:   s,
		OutputPath: out,
	})
	t.Elapsed = time.Since(start)

	log := r.logger.WithFields(logrus.Fields{
		"file":     req.Input.Name(),
		"strategy": s.Name,
		"worker":   worker,
	})
	if err != nil {
		os.Remove(out)
		t.Err = err
		log.WithError(err).Debug("trial failed")
		return t
	}

	t.Path = res.Path
	t.Size = res.Size
	t.Width = res.Width
	t.Height = res.Height
	t.Encoded = true
	t.Fits = !req.HasTarget() || t.Size <= req.TargetBytes
	log.WithFields(logrus.Fields{
		"size":    t.Size,
		"elapsed": t.Elapsed,
		"fits":    t.Fits,
	}).Debug("trial finished")
	return t
}

// encode converts encoder panics into errors so one bad strategy cannot take
// down the worker.
func (r *Runner) encode(ctx context.Context, req encoder.Request) (out *encoder.Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &media.EncodeError{Op: "panic", Input: req.Input.Name(), Err: fmt.Errorf("%v", p)}
		}
	}()
	return r.enc.Encode(ctx, req)
}
