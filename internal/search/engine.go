// Package search converges on a target output size for one input, either by
// bisection or by running a catalog of strategies in parallel.
package search

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"mediashrink/internal/config"
	"mediashrink/internal/media"
	"mediashrink/internal/strategy"
	"mediashrink/internal/trial"
)

// Params holds the search policy constants.
type Params struct {
	Thresholds       strategy.Thresholds
	VideoHeadroom    float64
	ImageHeadroom    float64
	MaxAttempts      int
	CorrectionPasses int
	KeepThreshold    float64
}

// NewParams reads search constants from configuration.
func NewParams(cfg *config.Config) Params {
	return Params{
		Thresholds:       strategy.NewThresholds(cfg.Search),
		VideoHeadroom:    cfg.Search.VideoHeadroom,
		ImageHeadroom:    cfg.Search.ImageHeadroom,
		MaxAttempts:      cfg.Search.MaxAttempts,
		CorrectionPasses: cfg.Search.VideoCorrectionPasses,
		KeepThreshold:    cfg.Compression.KeepThreshold,
	}
}

// Outcome is the terminal state of one search. Winner is nil when the
// original file should be kept.
type Outcome struct {
	Winner       *trial.Trial
	Mode         media.Mode
	Trials       int
	Warning      string
	KeepOriginal bool
}

// Engine runs searches. It is safe for concurrent use.
type Engine struct {
	runner  *trial.Runner
	catalog *strategy.Catalog
	bitrate strategy.Bitrate
	params  Params
	logger  logrus.FieldLogger
}

// NewEngine returns a search Engine.
func NewEngine(runner *trial.Runner, catalog *strategy.Catalog, bitrate strategy.Bitrate, params Params, logger logrus.FieldLogger) *Engine {
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = 20
	}
	if params.KeepThreshold <= 0 {
		params.KeepThreshold = 1
	}
	return &Engine{
		runner:  runner,
		catalog: catalog,
		bitrate: bitrate,
		params:  params,
		logger:  logger,
	}
}

// job carries the per-search state shared by the different paths.
type job struct {
	ctx      context.Context
	dir      string
	worker   int
	req      media.Request
	meta     *media.Metadata
	log      logrus.FieldLogger
	attempts int
	lastErr  error
}

func (j *job) run(e *Engine, s media.Strategy) *trial.Trial {
	t := e.runner.Run(j.ctx, j.dir, j.worker, j.attempts, j.req, s)
	j.attempts++
	if t.Err != nil {
		j.lastErr = t.Err
	}
	return t
}

// Run searches for the best output of req. Artifacts of non-winning trials
// are removed before Run returns; the winner's artifact stays in dir.
// meta may be nil.
func (e *Engine) Run(ctx context.Context, dir string, worker int, req media.Request, meta *media.Metadata) (*Outcome, error) {
	if meta == nil {
		meta = &media.Metadata{}
	}
	j := &job{
		ctx:    ctx,
		dir:    dir,
		worker: worker,
		req:    req,
		meta:   meta,
		log:    e.logger.WithFields(logrus.Fields{"file": req.Input.Name(), "worker": worker}),
	}

	if !req.HasTarget() {
		return e.quality(j)
	}
	if err := media.ValidateTarget(req.TargetBytes, req.Input.Size); err != nil {
		return nil, err
	}

	ratio := strategy.Ratio(req.TargetBytes, req.Input.Size)
	tier := e.params.Thresholds.Tier(req.Kind, ratio)
	j.log.WithFields(logrus.Fields{"ratio": ratio, "tier": tier}).Debug("starting target search")

	if tier == strategy.TierExtreme {
		out, fallback, err := e.extreme(j, ratio)
		if err != nil || out != nil {
			return out, err
		}
		j.log.Info("no extreme strategy met the target, falling back to standard search")
		return e.standard(j, fallback)
	}
	return e.standard(j, nil)
}

// quality runs the single no-target trial and decides whether the output is
// worth keeping.
func (e *Engine) quality(j *job) (*Outcome, error) {
	t := j.run(e, e.catalog.Quality(j.req))
	if !t.Encoded {
		return nil, fmt.Errorf("compress %s: %w", j.req.Input.Name(), t.Err)
	}
	out := &Outcome{Mode: media.ModeQuality, Trials: j.attempts}
	if j.req.Input.Size > 0 && float64(t.Size) >= float64(j.req.Input.Size)*e.params.KeepThreshold {
		e.discard(j, []*trial.Trial{t}, nil)
		out.KeepOriginal = true
		return out, nil
	}
	out.Winner = t
	return out, nil
}

// extreme runs the whole catalog concurrently and applies the selection
// policy. When nothing fits it returns a nil Outcome plus the smallest
// encoded trial, which the standard path uses as its best-effort seed.
func (e *Engine) extreme(j *job, ratio float64) (*Outcome, *trial.Trial, error) {
	kbps := 0
	if j.req.Kind == media.KindVideo {
		kbps = e.bitrate.Kbps(j.req.TargetBytes, j.meta.Duration)
	}
	catalog := e.catalog.Extreme(j.req, ratio, kbps)
	if len(catalog) == 0 {
		return nil, nil, nil
	}

	limit := runtime.NumCPU()
	if len(catalog) < limit {
		limit = len(catalog)
	}
	p := pool.NewWithResults[*trial.Trial]().WithMaxGoroutines(limit)
	for i, s := range catalog {
		i, s := i, s
		p.Go(func() *trial.Trial {
			return e.runner.Run(j.ctx, j.dir, j.worker, i, j.req, s)
		})
	}
	trials := p.Wait()
	j.attempts += len(trials)
	for _, t := range trials {
		if t.Err != nil {
			j.lastErr = t.Err
		}
	}

	headroom := e.params.ImageHeadroom
	if j.req.Kind == media.KindVideo {
		headroom = e.params.VideoHeadroom
	}
	c := Classify(trials, j.req.Format)
	winner := Select(c, j.req.Policy, j.req.TargetBytes, headroom)
	j.log.WithFields(logrus.Fields{
		"strategies": len(catalog),
		"successful": len(c.Successful),
		"policy":     j.req.Policy,
	}).Debug("extreme search finished")

	if winner != nil {
		e.discard(j, trials, winner)
		return &Outcome{Winner: winner, Mode: media.ModeExtreme, Trials: j.attempts}, nil, nil
	}

	seed := smallest(trials)
	e.discard(j, trials, seed)
	return nil, seed, nil
}

// standard bisects over quality for images and applies the bitrate formula
// plus correction passes for video. seed is an already encoded trial that
// competes for the best-effort result.
func (e *Engine) standard(j *job, seed *trial.Trial) (*Outcome, error) {
	var lastGood *trial.Trial
	best := seed

	keep := func(t *trial.Trial) {
		switch {
		case !t.Encoded:
		case t.Fits:
			// Later fits come from a higher quality trial.
			if lastGood != nil {
				e.discard(j, []*trial.Trial{lastGood}, nil)
			}
			lastGood = t
			return
		case best == nil || t.Size < best.Size:
			if best != nil {
				e.discard(j, []*trial.Trial{best}, nil)
			}
			best = t
			return
		}
		e.discard(j, []*trial.Trial{t}, nil)
	}

	if j.req.Kind == media.KindVideo {
		e.videoPasses(j, keep, func() *trial.Trial { return lastGood })
	} else {
		lo, hi := e.catalog.QualityRange(j.req)
		for n := 0; lo <= hi && n < e.params.MaxAttempts; n++ {
			mid := lo + (hi-lo+1)/2
			t := j.run(e, e.catalog.Image(j.req, mid))
			if t.Fits {
				lo = mid + 1
			} else {
				hi = mid - 1
			}
			keep(t)
		}
	}

	if lastGood != nil {
		e.discard(j, []*trial.Trial{best}, nil)
		return &Outcome{Winner: lastGood, Mode: media.ModeStandard, Trials: j.attempts}, nil
	}
	if best == nil {
		err := j.lastErr
		if err == nil {
			err = errors.New("no strategy produced output")
		}
		return nil, fmt.Errorf("compress %s: all %d trials failed: %w", j.req.Input.Name(), j.attempts, err)
	}

	warning := fmt.Sprintf("%v: smallest output %s exceeds target %s",
		media.ErrSearchExhausted, media.FormatSize(best.Size), media.FormatSize(j.req.TargetBytes))
	j.log.Warn(warning)
	return &Outcome{Winner: best, Mode: media.ModeBestEffort, Trials: j.attempts, Warning: warning}, nil
}

// videoPasses encodes at the formula bitrate, then rescales the bitrate by
// target/size while the output overflows. Its attempt budget is independent
// of any trials an extreme search already spent.
func (e *Engine) videoPasses(j *job, keep func(*trial.Trial), fitted func() *trial.Trial) {
	kbps := e.bitrate.Kbps(j.req.TargetBytes, j.meta.Duration)
	for pass := 0; pass <= e.params.CorrectionPasses && pass < e.params.MaxAttempts; pass++ {
		t := j.run(e, e.catalog.Video(j.req, kbps))
		size := t.Size
		encoded := t.Encoded
		keep(t)
		if fitted() != nil || !encoded || size <= 0 {
			return
		}
		next := int(float64(kbps) * float64(j.req.TargetBytes) / float64(size) * 0.95)
		if next < e.bitrate.MinKbps {
			next = e.bitrate.MinKbps
		}
		if next >= kbps {
			return
		}
		kbps = next
	}
}

func (e *Engine) discard(j *job, trials []*trial.Trial, keep *trial.Trial) {
	if err := trial.DiscardAll(trials, keep); err != nil {
		j.log.WithError(err).Warn("failed to remove trial artifacts")
	}
}

func smallest(trials []*trial.Trial) *trial.Trial {
	var best *trial.Trial
	for _, t := range trials {
		if t == nil || !t.Encoded {
			continue
		}
		if best == nil || t.Size < best.Size || (t.Size == best.Size && t.Index < best.Index) {
			best = t
		}
	}
	return best
}
