package extractor

import (
	"context"

	"mediashrink/internal/media"
)

// MetadataExtractor is the interface for reading media metadata from files.
type MetadataExtractor interface {
	Extract(ctx context.Context, filePath string) (*media.Metadata, error)
	ExtractBytes(data []byte) (*media.Metadata, error)
	SupportsFile(filePath string) bool
}

// CachedExtractor extends MetadataExtractor with caching capabilities.
type CachedExtractor interface {
	MetadataExtractor
	ClearCache()
	GetCacheStats() CacheStats
}

// CacheStats contains statistics about cache performance.
type CacheStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	TotalQueries int64   `json:"total_queries"`
}
