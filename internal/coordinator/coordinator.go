// Package coordinator runs a batch of compression requests over a bounded
// pool of workers and aggregates their results.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mediashrink/internal/config"
	"mediashrink/internal/logger"
	"mediashrink/internal/media"
	"mediashrink/internal/partition"
	"mediashrink/internal/trial"
)

// ItemProcessor compresses a single request. dir is the batch workspace.
type ItemProcessor interface {
	Process(ctx context.Context, dir string, worker int, req media.Request) (media.Result, error)
}

// Factory prepares the processor used by one worker. An error aborts that
// worker's chunk.
type Factory func(worker int) (ItemProcessor, error)

// Shared returns a Factory handing the same processor to every worker.
func Shared(p ItemProcessor) Factory {
	return func(int) (ItemProcessor, error) { return p, nil }
}

// Settings controls pool sizing.
type Settings struct {
	Cores             int // 0 means runtime.NumCPU()
	BaseMultiplier    int
	BoostMultiplier   int
	MinWorkers        int
	MaxWorkers        int
	SingleThreadBelow int
	WorkDir           string // parent of batch workspaces; empty means os.TempDir()
}

// NewSettings reads pool settings from configuration.
func NewSettings(cfg config.PerformanceConfig) Settings {
	return Settings{
		BaseMultiplier:    cfg.BaseMultiplier,
		BoostMultiplier:   cfg.BoostMultiplier,
		MinWorkers:        cfg.MinWorkers,
		MaxWorkers:        cfg.MaxWorkers,
		SingleThreadBelow: cfg.SingleThreadBelow,
	}
}

// PoolSize returns clamp(MinWorkers, MaxWorkers, cores*multiplier). The boost
// multiplier applies only when both an explicit thread count and speed
// optimisation are requested.
func (s Settings) PoolSize(threads int, speed bool) int {
	cores := s.Cores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	mult := s.BaseMultiplier
	if threads > 0 && speed {
		mult = s.BoostMultiplier
	}
	if mult < 1 {
		mult = 1
	}
	n := cores * mult
	if n < s.MinWorkers {
		n = s.MinWorkers
	}
	if s.MaxWorkers > 0 && n > s.MaxWorkers {
		n = s.MaxWorkers
	}
	return n
}

// RunOptions are the per-batch dispatch flags.
type RunOptions struct {
	Threads        int
	SpeedOptimized bool
	ForceThreads   bool
}

// FileError pairs a file with the reason it failed.
type FileError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// Batch is the aggregate outcome of one Run.
type Batch struct {
	ID             string          `json:"id"`
	Results        []media.Result  `json:"results"`
	Errors         []FileError     `json:"errors"`
	Processed      int             `json:"processed"`
	TotalReduction int64           `json:"total_reduction"`
	Samples        []time.Duration `json:"samples"`
	Workers        int             `json:"workers"`
	Inline         bool            `json:"inline"`
	Elapsed        time.Duration   `json:"elapsed"`
}

// Coordinator owns the worker pool for batch invocations. Batches are
// independent; Run may be called concurrently.
type Coordinator struct {
	settings Settings
	factory  Factory
	observer Observer
	logger   logrus.FieldLogger
}

// New returns a Coordinator. observer may be nil.
func New(settings Settings, factory Factory, observer Observer, logger logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		settings: settings,
		factory:  factory,
		observer: observer,
		logger:   logger,
	}
}

// Run processes reqs and returns the aggregated batch. Per-file failures are
// listed in Batch.Errors; only a setup failure returns an error, wrapping
// media.ErrBatchFailure.
func (c *Coordinator) Run(ctx context.Context, reqs []media.Request, opts RunOptions) (*Batch, error) {
	start := time.Now()
	batch := &Batch{ID: uuid.NewString()}
	if len(reqs) == 0 {
		return batch, nil
	}
	log := c.logger.WithField("batch", batch.ID)

	ws, err := trial.NewWorkspace(c.settings.WorkDir, batch.ID[:8])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrBatchFailure, err)
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			log.WithError(err).Warn("failed to remove batch workspace")
		}
	}()

	var chunks []partition.Chunk
	if len(reqs) < c.settings.SingleThreadBelow && !opts.ForceThreads {
		batch.Inline = true
		batch.Workers = 1
		chunks = partition.Partition(reqs, 1)
	} else {
		batch.Workers = c.settings.PoolSize(opts.Threads, opts.SpeedOptimized)
		chunks = partition.Partition(reqs, batch.Workers)
	}
	log.WithFields(logrus.Fields{
		"files":   len(reqs),
		"workers": len(chunks),
		"inline":  batch.Inline,
	}).Info("starting batch")

	// Every worker sends at most one message per item plus one terminal
	// message, so this buffer never blocks a sender.
	msgs := make(chan Message, len(reqs)+len(chunks))

	if batch.Inline {
		c.work(ctx, chunks[0], ws.Dir, msgs)
	} else {
		wctx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		defer func() {
			cancel()
			wg.Wait()
		}()
		for _, chunk := range chunks {
			wg.Add(1)
			go func(chunk partition.Chunk) {
				defer wg.Done()
				c.work(wctx, chunk, ws.Dir, msgs)
			}(chunk)
		}
	}

	c.aggregate(batch, chunks, msgs, log)
	batch.Elapsed = time.Since(start)
	log.WithFields(logrus.Fields{
		"processed": batch.Processed,
		"errors":    len(batch.Errors),
		"reduction": media.FormatSize(batch.TotalReduction),
		"elapsed":   batch.Elapsed,
	}).Info("batch finished")
	return batch, nil
}

// aggregate consumes messages until every chunk has sent its terminal message.
func (c *Coordinator) aggregate(batch *Batch, chunks []partition.Chunk, msgs <-chan Message, log logrus.FieldLogger) {
	reported := make([]map[string]bool, len(chunks))
	for i := range reported {
		reported[i] = make(map[string]bool, len(chunks[i].Requests))
	}

	for pending := len(chunks); pending > 0; {
		msg := <-msgs
		if m, ok := msg.(WorkerFailed); ok {
			for _, req := range chunks[m.Worker].Requests {
				if name := req.Input.Name(); !reported[m.Worker][name] {
					m.Unreported = append(m.Unreported, name)
				}
			}
			msg = m
		}
		if c.observer != nil {
			c.observer.Observe(batch.ID, msg)
		}
		switch m := msg.(type) {
		case Progress:
			reported[m.Worker][m.Result.Input] = true
			batch.Results = append(batch.Results, m.Result)
			batch.Processed++
			batch.TotalReduction += m.Result.Reduction()
			batch.Samples = append(batch.Samples, m.Result.Elapsed)
		case Error:
			reported[m.Worker][m.File] = true
			batch.Errors = append(batch.Errors, FileError{File: m.File, Error: m.Err.Error()})
		case Complete:
			pending--
		case WorkerFailed:
			pending--
			log.WithError(m.Err).WithField("worker", m.Worker).Error("worker failed")
			for _, name := range m.Unreported {
				batch.Errors = append(batch.Errors, FileError{File: name, Error: m.Err.Error()})
			}
		}
	}
}

// work processes one chunk sequentially and always ends with exactly one
// Complete or WorkerFailed message.
func (c *Coordinator) work(ctx context.Context, chunk partition.Chunk, dir string, out chan<- Message) {
	worker := chunk.Index
	log := logger.WithWorker(c.logger, worker)
	done := false
	defer func() {
		if r := recover(); r != nil && !done {
			out <- WorkerFailed{Worker: worker, Err: &media.WorkerError{Worker: worker, Err: fmt.Errorf("panic: %v", r)}}
		}
	}()

	proc, err := c.factory(worker)
	if err != nil {
		done = true
		out <- WorkerFailed{Worker: worker, Err: &media.WorkerError{Worker: worker, Err: err}}
		return
	}

	results := make([]media.Result, 0, len(chunk.Requests))
	for _, req := range chunk.Requests {
		name := req.Input.Name()
		if err := ctx.Err(); err != nil {
			out <- Error{Worker: worker, File: name, Err: err}
			continue
		}
		res, err := proc.Process(ctx, dir, worker, req)
		if err != nil {
			log.WithError(err).WithField("file", name).Warn("compression failed")
			out <- Error{Worker: worker, File: name, Err: err}
			continue
		}
		results = append(results, res)
		out <- Progress{Worker: worker, File: name, Result: res}
	}
	done = true
	out <- Complete{Worker: worker, Results: results}
}

// IsBatchFailure reports whether err aborted a whole batch.
func IsBatchFailure(err error) bool {
	return errors.Is(err, media.ErrBatchFailure)
}
