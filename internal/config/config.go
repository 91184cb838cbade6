package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"mediashrink/internal/media"
)

// Config represents the main configuration structure
type Config struct {
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
	Search      SearchConfig      `mapstructure:"search" yaml:"search"`
	Video       VideoConfig       `mapstructure:"video" yaml:"video"`
	Image       ImageConfig       `mapstructure:"image" yaml:"image"`
	Performance PerformanceConfig `mapstructure:"performance" yaml:"performance"`
	Tools       ToolsConfig       `mapstructure:"tools" yaml:"tools"`
	Events      EventsConfig      `mapstructure:"events" yaml:"events"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// CompressionConfig contains per-request defaults
type CompressionConfig struct {
	Quality       int     `mapstructure:"quality" yaml:"quality"`
	Format        string  `mapstructure:"format" yaml:"format"`
	Codec         string  `mapstructure:"codec" yaml:"codec"`
	Policy        string  `mapstructure:"policy" yaml:"policy"`
	OutputDir     string  `mapstructure:"output_dir" yaml:"output_dir"`
	KeepThreshold float64 `mapstructure:"keep_threshold" yaml:"keep_threshold"` // keep original when output >= original*threshold
}

// SearchConfig contains target-size search tuning
type SearchConfig struct {
	VideoExtremeRatio     float64 `mapstructure:"video_extreme_ratio" yaml:"video_extreme_ratio"`
	ImageExtremeRatio     float64 `mapstructure:"image_extreme_ratio" yaml:"image_extreme_ratio"`
	VideoHeadroom         float64 `mapstructure:"video_headroom" yaml:"video_headroom"`
	ImageHeadroom         float64 `mapstructure:"image_headroom" yaml:"image_headroom"`
	MaxAttempts           int     `mapstructure:"max_attempts" yaml:"max_attempts"`
	MinQuality            int     `mapstructure:"min_quality" yaml:"min_quality"`
	MaxQuality            int     `mapstructure:"max_quality" yaml:"max_quality"`
	VideoCorrectionPasses int     `mapstructure:"video_correction_passes" yaml:"video_correction_passes"`
}

// VideoConfig contains bitrate formula constants
type VideoConfig struct {
	OverheadFactor   float64       `mapstructure:"overhead_factor" yaml:"overhead_factor"`
	AudioBitrateKbps int           `mapstructure:"audio_bitrate_kbps" yaml:"audio_bitrate_kbps"`
	MinBitrateKbps   int           `mapstructure:"min_bitrate_kbps" yaml:"min_bitrate_kbps"`
	MaxBitrateKbps   int           `mapstructure:"max_bitrate_kbps" yaml:"max_bitrate_kbps"`
	AssumedDuration  time.Duration `mapstructure:"assumed_duration" yaml:"assumed_duration"`
	Preset           string        `mapstructure:"preset" yaml:"preset"`
	SpeedPreset      string        `mapstructure:"speed_preset" yaml:"speed_preset"`
}

// ImageConfig contains image specific settings
type ImageConfig struct {
	FragmentThreshold int64 `mapstructure:"fragment_threshold" yaml:"fragment_threshold"` // bytes
}

// PerformanceConfig contains worker pool tuning
type PerformanceConfig struct {
	Threads            int           `mapstructure:"threads" yaml:"threads"`
	BaseMultiplier     int           `mapstructure:"base_multiplier" yaml:"base_multiplier"`
	BoostMultiplier    int           `mapstructure:"boost_multiplier" yaml:"boost_multiplier"`
	MinWorkers         int           `mapstructure:"min_workers" yaml:"min_workers"`
	MaxWorkers         int           `mapstructure:"max_workers" yaml:"max_workers"`
	SingleThreadBelow  int           `mapstructure:"single_thread_below" yaml:"single_thread_below"`
	MaxConcurrentTrial int           `mapstructure:"max_concurrent_trials" yaml:"max_concurrent_trials"` // 0 = number of CPUs
	TrialTimeout       time.Duration `mapstructure:"trial_timeout" yaml:"trial_timeout"`                 // 0 disables
}

// ToolsConfig contains external binary settings
type ToolsConfig struct {
	FFmpeg    string        `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	ExifTool  string        `mapstructure:"exiftool" yaml:"exiftool"`
	LookupTTL time.Duration `mapstructure:"lookup_ttl" yaml:"lookup_ttl"`
}

// EventsConfig contains the optional NATS event sink
type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Compression: CompressionConfig{
			Quality:       80,
			Codec:         string(media.CodecH264),
			Policy:        string(media.PolicyAuto),
			OutputDir:     "compressed",
			KeepThreshold: 1.0,
		},
		Search: SearchConfig{
			VideoExtremeRatio:     0.15,
			ImageExtremeRatio:     0.10,
			VideoHeadroom:         0.90,
			ImageHeadroom:         0.95,
			MaxAttempts:           20,
			MinQuality:            5,
			MaxQuality:            85,
			VideoCorrectionPasses: 2,
		},
		Video: VideoConfig{
			OverheadFactor:   0.85,
			AudioBitrateKbps: 96,
			MinBitrateKbps:   100,
			MaxBitrateKbps:   10000,
			AssumedDuration:  60 * time.Second,
			Preset:           "medium",
			SpeedPreset:      "veryfast",
		},
		Image: ImageConfig{
			FragmentThreshold: 100 * 1024 * 1024,
		},
		Performance: PerformanceConfig{
			BaseMultiplier:    2,
			BoostMultiplier:   4,
			MinWorkers:        2,
			MaxWorkers:        32,
			SingleThreadBelow: 4,
			TrialTimeout:      30 * time.Minute,
		},
		Tools: ToolsConfig{
			FFmpeg:    "ffmpeg",
			ExifTool:  "exiftool",
			LookupTTL: 5 * time.Minute,
		},
		Events: EventsConfig{
			Subject: "mediashrink.events",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			FilePath:   "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	return LoadConfigWith(viper.New(), configPath)
}

// LoadConfigWith loads configuration through the given viper instance, so the
// CLI can bind its flags before reading.
func LoadConfigWith(v *viper.Viper, configPath string) (*Config, error) {
	config := DefaultConfig()

	v.SetConfigType("yaml")
	if err := registerDefaults(v, config); err != nil {
		return nil, fmt.Errorf("error registering defaults: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mediashrink")
		v.AddConfigPath("/etc/mediashrink")
	}

	v.SetEnvPrefix("MEDIASHRINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.Compression.Quality < 1 || c.Compression.Quality > 100 {
		return fmt.Errorf("invalid quality: %d (valid: 1-100)", c.Compression.Quality)
	}
	if _, err := media.ParseFormat(c.Compression.Format); err != nil {
		return err
	}
	if _, err := media.ParseCodec(c.Compression.Codec); err != nil {
		return err
	}
	if _, err := media.ParsePolicy(c.Compression.Policy); err != nil {
		return err
	}
	if c.Compression.KeepThreshold <= 0 {
		c.Compression.KeepThreshold = def.Compression.KeepThreshold
	}

	for name, ratio := range map[string]float64{
		"video_extreme_ratio": c.Search.VideoExtremeRatio,
		"image_extreme_ratio": c.Search.ImageExtremeRatio,
		"video_headroom":      c.Search.VideoHeadroom,
		"image_headroom":      c.Search.ImageHeadroom,
	} {
		if ratio <= 0 || ratio > 1 {
			return fmt.Errorf("invalid %s: %v (valid: 0 < x <= 1)", name, ratio)
		}
	}
	if c.Search.MaxAttempts <= 0 {
		c.Search.MaxAttempts = def.Search.MaxAttempts
	}
	if c.Search.MinQuality < 1 || c.Search.MaxQuality > 100 || c.Search.MinQuality > c.Search.MaxQuality {
		return fmt.Errorf("invalid quality range: [%d,%d]", c.Search.MinQuality, c.Search.MaxQuality)
	}

	if c.Video.OverheadFactor <= 0 || c.Video.OverheadFactor > 1 {
		return fmt.Errorf("invalid overhead_factor: %v", c.Video.OverheadFactor)
	}
	if c.Video.MinBitrateKbps <= 0 || c.Video.MaxBitrateKbps < c.Video.MinBitrateKbps {
		return fmt.Errorf("invalid bitrate clamp: [%d,%d]", c.Video.MinBitrateKbps, c.Video.MaxBitrateKbps)
	}
	if c.Video.AssumedDuration <= 0 {
		c.Video.AssumedDuration = def.Video.AssumedDuration
	}

	if c.Performance.Threads < 0 {
		return fmt.Errorf("invalid threads: %d", c.Performance.Threads)
	}
	if c.Performance.BaseMultiplier <= 0 {
		c.Performance.BaseMultiplier = def.Performance.BaseMultiplier
	}
	if c.Performance.BoostMultiplier <= 0 {
		c.Performance.BoostMultiplier = def.Performance.BoostMultiplier
	}
	if c.Performance.MinWorkers <= 0 {
		c.Performance.MinWorkers = def.Performance.MinWorkers
	}
	if c.Performance.MaxWorkers < c.Performance.MinWorkers {
		return fmt.Errorf("invalid worker bounds: [%d,%d]", c.Performance.MinWorkers, c.Performance.MaxWorkers)
	}

	if c.Tools.LookupTTL <= 0 {
		c.Tools.LookupTTL = def.Tools.LookupTTL
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "text" && f != "json" {
		return fmt.Errorf("invalid log format: %s (valid: text, json)", c.Logging.Format)
	}

	return nil
}

// Defaults converts the compression section into the base layer consumed by Resolve.
func (c *Config) Defaults() Options {
	format, _ := media.ParseFormat(c.Compression.Format)
	codec, _ := media.ParseCodec(c.Compression.Codec)
	policy, _ := media.ParsePolicy(c.Compression.Policy)
	return Options{
		Quality:   c.Compression.Quality,
		Format:    format,
		Codec:     codec,
		Policy:    policy,
		OutputDir: c.Compression.OutputDir,
		Threads:   c.Performance.Threads,
	}
}

// registerDefaults makes every key known to viper so environment variables
// override settings that no config file mentions.
func registerDefaults(v *viper.Viper, c *Config) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return err
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for key, value := range tree {
		if prefix != "" {
			key = prefix + "." + key
		}
		if sub, ok := value.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, value)
	}
}

// Dump renders the configuration as YAML.
func (c *Config) Dump() (string, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
