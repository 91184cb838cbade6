package compressor

import (
	"context"
	"time"

	"mediashrink/internal/config"
	"mediashrink/internal/coordinator"
	"mediashrink/internal/media"
)

// CompressionParams defines parameters for one batch invocation.
type CompressionParams struct {
	InputPaths []string
	// Target is a human size ("200MB"); empty selects quality mode.
	Target    string
	Overrides config.Overrides
}

// Summary describes the outcome of a batch.
type Summary struct {
	BatchID            string                  `json:"batch_id"`
	Processed          int                     `json:"processed"`
	TotalSizeReduction int64                   `json:"total_size_reduction"`
	Errors             []coordinator.FileError `json:"errors"`
	Results            []media.Result          `json:"results"`
	Workers            int                     `json:"workers"`
	Inline             bool                    `json:"inline"`
	Elapsed            time.Duration           `json:"elapsed"`
}

// Compressor defines the interface for batch compression.
type Compressor interface {
	// Compress processes a list of files or directories according to the parameters.
	// Per-file failures are reported in the summary; an error is returned only
	// for an invalid request or a batch that could not start.
	Compress(ctx context.Context, params CompressionParams) (*Summary, error)
}
