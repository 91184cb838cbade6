package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/barasher/go-exiftool"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"

	"mediashrink/internal/media"
	"mediashrink/internal/tools"
)

// Prober extracts dimensions, orientation and duration from media files.
// Images are read with the standard decoders plus goexif; videos go through
// exiftool when it is installed.
type Prober struct {
	logger   logrus.FieldLogger
	locator  *tools.Locator
	exifTool string

	cache *sync.Map
	stats CacheStats
	mutex sync.RWMutex

	etOnce sync.Once
	etMu   sync.Mutex
	et     *exiftool.Exiftool
	etErr  error
}

// NewProber returns a new Prober. exifTool is the binary name checked on PATH.
func NewProber(logger logrus.FieldLogger, locator *tools.Locator, exifTool string) *Prober {
	if exifTool == "" {
		exifTool = "exiftool"
	}
	return &Prober{
		logger:   logger,
		locator:  locator,
		exifTool: exifTool,
		cache:    &sync.Map{},
	}
}

// Extract returns metadata for filePath. Results are cached per path, size and
// modification time.
func (p *Prober) Extract(ctx context.Context, filePath string) (*media.Metadata, error) {
	if !p.SupportsFile(filePath) {
		return nil, fmt.Errorf("file type not supported by extractor: %s", filePath)
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	key := fmt.Sprintf("%s:%d:%d", filePath, fileInfo.Size(), fileInfo.ModTime().UnixNano())
	if value, ok := p.cache.Load(key); ok {
		if md, ok := value.(media.Metadata); ok {
			p.incrementCacheHits()
			return &md, nil
		}
	}
	p.incrementCacheMisses()

	var md *media.Metadata
	switch media.DetectKind(filePath) {
	case media.KindImage:
		md, err = p.extractImage(filePath)
	default:
		md, err = p.extractVideo(ctx, filePath)
	}
	if err != nil {
		return nil, err
	}

	p.cache.Store(key, *md)
	return md, nil
}

// ExtractBytes reads image metadata from an in-memory buffer.
func (p *Prober) ExtractBytes(data []byte) (*media.Metadata, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	f, _ := media.ParseFormat(format)
	return &media.Metadata{Width: cfg.Width, Height: cfg.Height, Format: f}, nil
}

// SupportsFile reports whether the file is a recognised image or video.
func (p *Prober) SupportsFile(filePath string) bool {
	return media.DetectKind(filePath) != media.KindUnknown
}

// ClearCache removes all entries from the internal cache and resets statistics.
func (p *Prober) ClearCache() {
	p.cache.Range(func(key, _ interface{}) bool {
		p.cache.Delete(key)
		return true
	})
	p.mutex.Lock()
	p.stats = CacheStats{}
	p.mutex.Unlock()
}

// GetCacheStats returns cache statistics for this extractor.
func (p *Prober) GetCacheStats() CacheStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	stats := p.stats
	if stats.TotalQueries > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.TotalQueries)
	}
	return stats
}

// Close stops the exiftool process if one was started.
func (p *Prober) Close() error {
	p.etMu.Lock()
	defer p.etMu.Unlock()
	if p.et == nil {
		return nil
	}
	err := p.et.Close()
	p.et = nil
	return err
}

func (p *Prober) extractImage(filePath string) (*media.Metadata, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	cfg, format, err := image.DecodeConfig(file)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	f, _ := media.ParseFormat(format)
	md := &media.Metadata{Width: cfg.Width, Height: cfg.Height, Format: f}

	if _, err := file.Seek(0, 0); err != nil {
		return md, nil
	}
	x, err := exif.Decode(file)
	if err != nil {
		// Most PNG and GIF files carry no EXIF block.
		return md, nil
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		if o, err := tag.Int(0); err == nil {
			md.Orientation = o
		}
	}
	p.logger.Debugf("Probed image %s: %dx%d orientation=%d", filePath, md.Width, md.Height, md.Orientation)
	return md, nil
}

func (p *Prober) extractVideo(ctx context.Context, filePath string) (*media.Metadata, error) {
	md := &media.Metadata{Format: media.DefaultFormat(filePath)}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	et, err := p.exiftool()
	if err != nil {
		p.logger.Debugf("exiftool unavailable, video metadata for %s left empty: %v", filePath, err)
		return md, nil
	}

	p.etMu.Lock()
	files := et.ExtractMetadata(filePath)
	p.etMu.Unlock()
	if len(files) == 0 || files[0].Err != nil {
		if len(files) > 0 {
			p.logger.Debugf("exiftool failed for %s: %v", filePath, files[0].Err)
		}
		return md, nil
	}

	fields := files[0].Fields
	for _, key := range []string{"Duration", "MediaDuration", "TrackDuration"} {
		if d, ok := parseDuration(fields[key]); ok && d > 0 {
			md.Duration = d
			break
		}
	}
	md.Width = intField(fields, "ImageWidth")
	md.Height = intField(fields, "ImageHeight")
	if id, ok := fields["CompressorID"].(string); ok {
		if c, err := media.ParseCodec(normaliseCompressor(id)); err == nil {
			md.Codec = c
		}
	}
	return md, nil
}

// exiftool starts the configured binary once, at the path the locator
// resolved for it.
func (p *Prober) exiftool() (*exiftool.Exiftool, error) {
	var opts []func(*exiftool.Exiftool) error
	if p.locator != nil {
		path, err := p.locator.Get(p.exifTool)
		if err != nil {
			return nil, err
		}
		opts = append(opts, exiftool.SetExiftoolBinaryPath(path))
	}
	p.etOnce.Do(func() {
		p.et, p.etErr = exiftool.NewExiftool(opts...)
	})
	p.etMu.Lock()
	defer p.etMu.Unlock()
	if p.et == nil && p.etErr == nil {
		return nil, fmt.Errorf("exiftool closed")
	}
	return p.et, p.etErr
}

// parseDuration accepts exiftool duration values: numeric seconds,
// "12.5 s", "0:01:23" or "1:02:03.5".
func parseDuration(v interface{}) (time.Duration, bool) {
	switch d := v.(type) {
	case float64:
		return time.Duration(d * float64(time.Second)), true
	case int:
		return time.Duration(d) * time.Second, true
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(d), "(approx)"))
		s = strings.TrimSpace(strings.TrimSuffix(s, " s"))
		if !strings.Contains(s, ":") {
			secs, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return 0, false
			}
			return time.Duration(secs * float64(time.Second)), true
		}
		var total float64
		for _, part := range strings.Split(s, ":") {
			n, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return 0, false
			}
			total = total*60 + n
		}
		return time.Duration(total * float64(time.Second)), true
	default:
		return 0, false
	}
}

func intField(fields map[string]interface{}, key string) int {
	switch v := fields[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	default:
		return 0
	}
}

func normaliseCompressor(id string) string {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "avc1", "h264":
		return "h264"
	case "hvc1", "hev1", "hevc":
		return "h265"
	case "vp09", "vp9":
		return "vp9"
	default:
		return id
	}
}

func (p *Prober) incrementCacheHits() {
	p.mutex.Lock()
	p.stats.Hits++
	p.stats.TotalQueries++
	p.mutex.Unlock()
}

func (p *Prober) incrementCacheMisses() {
	p.mutex.Lock()
	p.stats.Misses++
	p.stats.TotalQueries++
	p.mutex.Unlock()
}
