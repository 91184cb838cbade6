// Package strategy builds encoder parameter sets for the target-size search.
package strategy

import (
	"fmt"
	"math"
	"time"

	"mediashrink/internal/config"
	"mediashrink/internal/media"
)

// Tier is the compression aggressiveness bucket of a request.
type Tier int

const (
	TierStandard Tier = iota
	TierExtreme
)

func (t Tier) String() string {
	if t == TierExtreme {
		return "extreme"
	}
	return "standard"
}

// Ratio returns target/original, or 1 when original is unknown.
func Ratio(target, original int64) float64 {
	if original <= 0 {
		return 1
	}
	return float64(target) / float64(original)
}

// Thresholds holds the ratio cut-offs below which the extreme tier is used.
type Thresholds struct {
	Video float64
	Image float64
}

// NewThresholds reads thresholds from the search configuration.
func NewThresholds(cfg config.SearchConfig) Thresholds {
	return Thresholds{Video: cfg.VideoExtremeRatio, Image: cfg.ImageExtremeRatio}
}

// Tier classifies a compression ratio for the given media kind.
func (t Thresholds) Tier(kind media.Kind, ratio float64) Tier {
	limit := t.Image
	if kind == media.KindVideo {
		limit = t.Video
	}
	if ratio < limit {
		return TierExtreme
	}
	return TierStandard
}

// Bitrate computes the standard-tier video bitrate from a byte budget.
type Bitrate struct {
	Overhead        float64
	AudioKbps       int
	MinKbps         int
	MaxKbps         int
	AssumedDuration time.Duration
}

// NewBitrate reads the bitrate constants from the video configuration.
func NewBitrate(cfg config.VideoConfig) Bitrate {
	return Bitrate{
		Overhead:        cfg.OverheadFactor,
		AudioKbps:       cfg.AudioBitrateKbps,
		MinKbps:         cfg.MinBitrateKbps,
		MaxKbps:         cfg.MaxBitrateKbps,
		AssumedDuration: cfg.AssumedDuration,
	}
}

// Kbps returns floor(((target*8*overhead)/seconds - audio*1024)/1024) clamped
// to [MinKbps, MaxKbps]. A non-positive duration uses AssumedDuration.
func (b Bitrate) Kbps(targetBytes int64, duration time.Duration) int {
	if duration <= 0 {
		duration = b.AssumedDuration
	}
	if duration <= 0 {
		duration = time.Minute
	}
	secs := duration.Seconds()
	bps := float64(targetBytes) * 8 * b.Overhead / secs
	kbps := int(math.Floor((bps - float64(b.AudioKbps)*1024) / 1024))
	if kbps < b.MinKbps {
		kbps = b.MinKbps
	}
	if b.MaxKbps > 0 && kbps > b.MaxKbps {
		kbps = b.MaxKbps
	}
	return kbps
}

func name(s media.Strategy) string {
	var core string
	switch {
	case s.BitrateKbps > 0:
		core = fmt.Sprintf("%s-%dk", codecOrFormat(s), s.BitrateKbps)
	case s.Format.Kind() == media.KindVideo:
		core = fmt.Sprintf("%s-crf%d", codecOrFormat(s), s.CRF)
	case s.Format.Lossy():
		core = fmt.Sprintf("%s-q%d", s.Format, s.Quality)
	default:
		core = string(s.Format)
	}
	if s.Scale > 0 && s.Scale < 1 {
		core += fmt.Sprintf("-s%.2f", s.Scale)
	}
	return core
}

func codecOrFormat(s media.Strategy) string {
	if s.Codec != "" {
		return string(s.Codec)
	}
	return string(s.Format)
}
