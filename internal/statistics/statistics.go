package statistics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mediashrink/internal/coordinator"
	"mediashrink/internal/media"
)

// Statistics accumulates counters across every batch run by a process.
type Statistics struct {
	FilesFound       int64
	FilesProcessed   int64
	FilesCompressed  int64
	FilesKept        int64
	FilesWithErrors  int64
	ImagesProcessed  int64
	VideosProcessed  int64
	FragmentsHandled int64

	QualityRuns    int64
	StandardRuns   int64
	ExtremeRuns    int64
	BestEffortRuns int64
	Trials         int64

	WorkerFailures int64
	BatchesRun     int64

	BytesIn  int64
	BytesOut int64

	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	FilesPerSecond float64

	Errors  []StatError
	Samples []time.Duration

	mutex sync.RWMutex
}

// StatError represents an error that occurred during processing.
type StatError struct {
	FilePath  string    `json:"file_path"`
	Operation string    `json:"operation"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime: time.Now(),
		Errors:    make([]StatError, 0),
	}
}

// AddFilesFound adds n to the number of discovered inputs.
func (s *Statistics) AddFilesFound(n int) {
	atomic.AddInt64(&s.FilesFound, int64(n))
}

// IncrementBatches increases the number of batches run by 1.
func (s *Statistics) IncrementBatches() {
	atomic.AddInt64(&s.BatchesRun, 1)
}

// RecordResult folds one per-file result into the counters.
func (s *Statistics) RecordResult(r media.Result) {
	atomic.AddInt64(&s.FilesProcessed, 1)
	atomic.AddInt64(&s.BytesIn, r.OriginalSize)
	atomic.AddInt64(&s.BytesOut, r.CompressedSize)
	atomic.AddInt64(&s.Trials, int64(r.Trials))

	if r.Action == media.ActionOriginal {
		atomic.AddInt64(&s.FilesKept, 1)
	} else {
		atomic.AddInt64(&s.FilesCompressed, 1)
	}
	if r.FragmentTotal > 0 {
		atomic.AddInt64(&s.FragmentsHandled, 1)
	}
	switch r.Kind {
	case media.KindVideo:
		atomic.AddInt64(&s.VideosProcessed, 1)
	case media.KindImage:
		atomic.AddInt64(&s.ImagesProcessed, 1)
	}
	switch r.Mode {
	case media.ModeQuality:
		atomic.AddInt64(&s.QualityRuns, 1)
	case media.ModeStandard:
		atomic.AddInt64(&s.StandardRuns, 1)
	case media.ModeExtreme:
		atomic.AddInt64(&s.ExtremeRuns, 1)
	case media.ModeBestEffort:
		atomic.AddInt64(&s.BestEffortRuns, 1)
	}

	s.mutex.Lock()
	s.Samples = append(s.Samples, r.Elapsed)
	s.mutex.Unlock()
}

// AddError records an error that occurred during processing.
func (s *Statistics) AddError(filePath, operation, errorMsg string) {
	atomic.AddInt64(&s.FilesWithErrors, 1)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// Observe implements coordinator.Observer.
func (s *Statistics) Observe(_ string, msg coordinator.Message) {
	switch m := msg.(type) {
	case coordinator.Progress:
		s.RecordResult(m.Result)
	case coordinator.Error:
		s.AddError(m.File, "compress", m.Err.Error())
	case coordinator.WorkerFailed:
		atomic.AddInt64(&s.WorkerFailures, 1)
		for _, file := range m.Unreported {
			s.AddError(file, "worker", m.Err.Error())
		}
	}
}

// Finalize calculates duration and throughput.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
	if s.Duration.Seconds() > 0 {
		s.FilesPerSecond = float64(atomic.LoadInt64(&s.FilesProcessed)) / s.Duration.Seconds()
	}
}

// Percentile returns the p-th percentile (0..100) of per-file processing times.
func (s *Statistics) Percentile(p float64) time.Duration {
	s.mutex.RLock()
	samples := append([]time.Duration(nil), s.Samples...)
	s.mutex.RUnlock()
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := int(p / 100 * float64(len(samples)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx]
}

// Snapshot is a point-in-time copy suitable for JSON encoding.
type Snapshot struct {
	FilesFound      int64   `json:"files_found"`
	FilesProcessed  int64   `json:"files_processed"`
	FilesCompressed int64   `json:"files_compressed"`
	FilesKept       int64   `json:"files_kept"`
	FilesWithErrors int64   `json:"files_with_errors"`
	StandardRuns    int64   `json:"standard_runs"`
	ExtremeRuns     int64   `json:"extreme_runs"`
	BestEffortRuns  int64   `json:"best_effort_runs"`
	Trials          int64   `json:"trials"`
	WorkerFailures  int64   `json:"worker_failures"`
	BytesIn         int64   `json:"bytes_in"`
	BytesOut        int64   `json:"bytes_out"`
	ReductionPct    float64 `json:"reduction_percent"`
	Batches         int64   `json:"batches"`
}

// Snapshot returns the current counters.
func (s *Statistics) Snapshot() Snapshot {
	in := atomic.LoadInt64(&s.BytesIn)
	out := atomic.LoadInt64(&s.BytesOut)
	return Snapshot{
		FilesFound:      atomic.LoadInt64(&s.FilesFound),
		FilesProcessed:  atomic.LoadInt64(&s.FilesProcessed),
		FilesCompressed: atomic.LoadInt64(&s.FilesCompressed),
		FilesKept:       atomic.LoadInt64(&s.FilesKept),
		FilesWithErrors: atomic.LoadInt64(&s.FilesWithErrors),
		StandardRuns:    atomic.LoadInt64(&s.StandardRuns),
		ExtremeRuns:     atomic.LoadInt64(&s.ExtremeRuns),
		BestEffortRuns:  atomic.LoadInt64(&s.BestEffortRuns),
		Trials:          atomic.LoadInt64(&s.Trials),
		WorkerFailures:  atomic.LoadInt64(&s.WorkerFailures),
		BytesIn:         in,
		BytesOut:        out,
		ReductionPct:    media.ReductionPercent(in, out),
		Batches:         atomic.LoadInt64(&s.BatchesRun),
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	snap := s.Snapshot()
	return fmt.Sprintf(`Compression Summary:

Files:
		Found: %d
		Processed: %d
		Compressed: %d
		Kept Original: %d
		Errors: %d
		Images: %d
		Videos: %d
		Fragments: %d

Search:
		Quality Mode: %d
		Standard: %d
		Extreme: %d
		Best Effort: %d
		Trials: %d
		Worker Failures: %d

Size:
		Input: %s
		Output: %s
		Saved: %s (%.1f%%)

Performance:
		Duration: %v
		Files/Second: %.2f
		Median File Time: %v
		P95 File Time: %v`,
		snap.FilesFound,
		snap.FilesProcessed,
		snap.FilesCompressed,
		snap.FilesKept,
		snap.FilesWithErrors,
		atomic.LoadInt64(&s.ImagesProcessed),
		atomic.LoadInt64(&s.VideosProcessed),
		atomic.LoadInt64(&s.FragmentsHandled),
		atomic.LoadInt64(&s.QualityRuns),
		snap.StandardRuns,
		snap.ExtremeRuns,
		snap.BestEffortRuns,
		snap.Trials,
		snap.WorkerFailures,
		media.FormatSize(snap.BytesIn),
		media.FormatSize(snap.BytesOut),
		media.FormatSize(snap.BytesIn-snap.BytesOut),
		snap.ReductionPct,
		s.Duration,
		s.FilesPerSecond,
		s.Percentile(50),
		s.Percentile(95))
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Errors (%d):\n", len(s.Errors))
	for _, e := range s.Errors {
		fmt.Fprintf(&b, "  %s [%s]: %s\n", e.FilePath, e.Operation, e.Error)
	}
	return b.String()
}
