package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mediashrink/internal/bus"
	"mediashrink/internal/compressor"
	"mediashrink/internal/config"
	"mediashrink/internal/coordinator"
	"mediashrink/internal/extractor"
	"mediashrink/internal/logger"
	"mediashrink/internal/media"
	"mediashrink/internal/tools"
	"mediashrink/internal/web"
)

var (
	cfgFile         string
	target          string
	width           int
	height          int
	speed           bool
	skipExtra       bool
	forceThreads    bool
	forceDistribute bool
	jsonOutput      bool
	verbose         bool
	quiet           bool
	port            int
)

// configFlags maps flags to the configuration keys they override.
var configFlags = map[string]string{
	"quality": "compression.quality",
	"format":  "compression.format",
	"codec":   "compression.codec",
	"policy":  "compression.policy",
	"output":  "compression.output_dir",
	"threads": "performance.threads",
}

// rootCmd compresses the given files and directories.
var rootCmd = &cobra.Command{
	Use:   "mediashrink [files or directories...]",
	Short: "Compress images and videos to a target size",
	Long: `mediashrink compresses images and videos, either at a fixed quality or
down to a byte budget given with --target.

For each file it searches encoding strategies (quality, scale, codec,
bitrate) and keeps the best one that fits the budget. Very aggressive
targets run a parallel catalog of strategies and pick a winner by policy:
  auto     balanced choice (default)
  size     smallest output
  quality  highest quality that fits
  speed    fastest strategy that fits

Batches are split across a pool of workers sized from the CPU count.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runCompress(cmd, args)
	},
	SilenceUsage: true,
}

// serveCmd starts the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with live progress over websocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

// probeCmd prints the metadata the search engine would see.
var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Show media metadata for a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbe(cmd, args[0])
	},
}

// checkCmd verifies that external tools are installed.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that ffmpeg and exiftool are available",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd)
	},
}

// configCmd prints the effective configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

// watchCmd prints batch events published to NATS by other instances.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print batch events published on NATS",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	flags := rootCmd.Flags()
	flags.StringVarP(&target, "target", "t", "", `target size per file, e.g. "200MB" (default: quality mode)`)
	flags.IntP("quality", "q", 80, "quality 1-100 (ceiling for target search)")
	flags.StringP("format", "f", "", "output format: jpeg, png, gif, mp4, webm (default: from input)")
	flags.String("codec", "h264", "video codec: h264, h265, vp9")
	flags.StringP("policy", "p", "auto", "extreme-mode selection policy: auto, size, quality, speed")
	flags.StringP("output", "o", "compressed", "output directory")
	flags.Int("threads", 0, "requested thread count (raises the pool multiplier with --speed)")
	flags.BoolVar(&jsonOutput, "json", false, "print the batch summary as JSON")
	addRequestFlags(rootCmd)

	serveCmd.Flags().IntVar(&port, "port", 8080, "port to run the API server on")
	addRequestFlags(serveCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(watchCmd)
}

// loadConfig reads .env, the config file, MEDIASHRINK_* variables and any
// flags bound to configuration keys, in increasing precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for name, key := range configFlags {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	cfg, err := config.LoadConfigWith(v, cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if used := v.ConfigFileUsed(); used != "" && !quiet {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", used)
	}
	return cfg, nil
}

// addRequestFlags registers the flags read by callOverrides. On serve they
// become server-wide defaults that each API request may override.
func addRequestFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntVar(&width, "width", 0, "output width in pixels")
	flags.IntVar(&height, "height", 0, "output height in pixels")
	flags.BoolVar(&speed, "speed", false, "prefer faster presets")
	flags.BoolVar(&skipExtra, "skip-extra", false, "try fewer strategies in extreme mode")
	flags.BoolVar(&forceThreads, "force-threads", false, "use the worker pool even for small batches")
	flags.BoolVar(&forceDistribute, "force-distribute", false, "split very large images into strips across workers")
}

// callOverrides collects the per-call flags that have no configuration key.
func callOverrides(cmd *cobra.Command) config.Overrides {
	var o config.Overrides
	flags := cmd.Flags()
	if flags.Changed("width") {
		o.Width = config.Ptr(width)
	}
	if flags.Changed("height") {
		o.Height = config.Ptr(height)
	}
	if flags.Changed("speed") {
		o.SpeedOptimized = config.Ptr(speed)
	}
	if flags.Changed("skip-extra") {
		o.SkipExtraOptimizations = config.Ptr(skipExtra)
	}
	if flags.Changed("force-threads") {
		o.ForceThreads = config.Ptr(forceThreads)
	}
	if flags.Changed("force-distribute") {
		o.ForceDistribute = config.Ptr(forceDistribute)
	}
	return o
}

func runCompress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := setupLogger(cfg)

	observers, closeEvents := eventObservers(cfg, log)
	defer closeEvents()

	comp := compressor.NewDefaultCompressor(cfg, log, observers...)
	defer comp.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := comp.Compress(ctx, compressor.CompressionParams{
		InputPaths: args,
		Target:     target,
		Overrides:  callOverrides(cmd),
	})
	if err != nil {
		if errors.Is(err, media.ErrInvalidRequest) {
			return fmt.Errorf("invalid request: %w", err)
		}
		return fmt.Errorf("compression failed: %w", err)
	}

	stats := comp.Statistics()
	stats.Finalize()
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else if !quiet {
		printResults(summary)
		fmt.Println("\n" + stats.GetSummary())
		if len(summary.Errors) > 0 {
			fmt.Println("\n" + stats.GetErrorSummary())
		}
	}

	if len(summary.Errors) > 0 {
		return fmt.Errorf("%d of %d files failed", len(summary.Errors), len(summary.Errors)+summary.Processed)
	}
	return nil
}

func printResults(summary *compressor.Summary) {
	for _, r := range summary.Results {
		line := fmt.Sprintf("%-40s %10s -> %-10s %6.1f%%  %-10s %-8s %s",
			r.Input,
			media.FormatSize(r.OriginalSize),
			media.FormatSize(r.CompressedSize),
			r.ReductionPercent,
			r.Action,
			r.Mode,
			r.OutputPath,
		)
		if r.Warning != "" {
			line += "  (" + r.Warning + ")"
		}
		fmt.Println(line)
	}
	for _, e := range summary.Errors {
		fmt.Printf("%-40s FAILED: %s\n", e.File, e.Error)
	}
}

// eventObservers returns the NATS publisher when events.nats_url is set.
// A connection failure only disables event publishing.
func eventObservers(cfg *config.Config, log logrus.FieldLogger) ([]coordinator.Observer, func()) {
	if cfg.Events.NATSURL == "" {
		return nil, func() {}
	}
	client, err := bus.Connect(cfg.Events.NATSURL)
	if err != nil {
		log.WithError(err).Warn("NATS unavailable, batch events will not be published")
		return nil, func() {}
	}
	log.Infof("Publishing batch events to %s on %s", cfg.Events.NATSURL, bus.Wildcard(cfg.Events.Subject))
	return []coordinator.Observer{bus.NewPublisher(client, cfg.Events.Subject, log)}, client.Close
}

// runServe starts the API server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := setupLogger(cfg)

	observers, closeEvents := eventObservers(cfg, log)
	defer closeEvents()

	hub := web.NewHub(log)
	comp := compressor.NewDefaultCompressor(cfg, log, append(observers, hub)...)
	defer comp.Close()
	comp.SetInstanceOverrides(callOverrides(cmd))
	server := web.NewServer(cfg, log, comp, hub)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(port); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	fmt.Printf("mediashrink API listening on http://localhost:%d (Ctrl+C to stop)\n", port)

	select {
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	case <-sigChan:
	}
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	fmt.Println("Server stopped")
	return nil
}

func runProbe(cmd *cobra.Command, filePath string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := setupLogger(cfg)

	info, err := os.Stat(filePath)
	if err != nil {
		return err
	}
	prober := extractor.NewProber(log, tools.NewLocator(cfg.Tools.LookupTTL), cfg.Tools.ExifTool)
	defer prober.Close()

	md, err := prober.Extract(cmd.Context(), filePath)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}

	fmt.Printf("File:        %s\n", filePath)
	fmt.Printf("Kind:        %s\n", media.DetectKind(filePath))
	fmt.Printf("Size:        %s\n", media.FormatSize(info.Size()))
	fmt.Printf("Format:      %s\n", md.Format)
	fmt.Printf("Dimensions:  %dx%d\n", md.Width, md.Height)
	if md.Orientation != 0 {
		fmt.Printf("Orientation: %d\n", md.Orientation)
	}
	if md.Codec != "" {
		fmt.Printf("Codec:       %s\n", md.Codec)
	}
	if md.Duration > 0 {
		fmt.Printf("Duration:    %s\n", md.Duration)
	}
	return nil
}

func runCheck(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	locator := tools.NewLocator(cfg.Tools.LookupTTL)
	missing := 0
	for _, name := range []string{cfg.Tools.FFmpeg, cfg.Tools.ExifTool} {
		path, err := locator.Get(name)
		if err != nil {
			missing++
			fmt.Printf("%-10s missing (%v)\n", name, err)
			continue
		}
		fmt.Printf("%-10s %s\n", name, path)
	}
	if missing > 0 {
		return fmt.Errorf("%d tool(s) missing: video compression needs ffmpeg, video probing needs exiftool", missing)
	}
	return nil
}

func runWatch(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Events.NATSURL == "" {
		return errors.New("events.nats_url is not configured")
	}
	log := setupLogger(cfg)

	client, err := bus.Connect(cfg.Events.NATSURL)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer client.Close()

	subject := bus.Wildcard(cfg.Events.Subject)
	sub, err := client.SubscribeJSON(subject, func(_ context.Context, data []byte) {
		var ev coordinator.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.WithError(err).Warn("malformed event")
			return
		}
		printEvent(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	log.Infof("Watching %s", subject)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

func printEvent(ev coordinator.Event) {
	ts := ev.Timestamp.Format("15:04:05")
	if len(ev.BatchID) > 8 {
		ev.BatchID = ev.BatchID[:8]
	}
	switch ev.Type {
	case coordinator.EventProgress:
		if ev.Result != nil {
			fmt.Printf("%s %s w%02d %s %s -> %s (%s)\n", ts, ev.BatchID, ev.Worker, ev.File,
				media.FormatSize(ev.Result.OriginalSize), media.FormatSize(ev.Result.CompressedSize), ev.Result.Action)
			return
		}
		fmt.Printf("%s %s w%02d %s done\n", ts, ev.BatchID, ev.Worker, ev.File)
	case coordinator.EventError:
		fmt.Printf("%s %s w%02d %s FAILED: %s\n", ts, ev.BatchID, ev.Worker, ev.File, ev.Error)
	case coordinator.EventComplete:
		fmt.Printf("%s %s w%02d complete (%d files)\n", ts, ev.BatchID, ev.Worker, ev.Processed)
	default:
		fmt.Printf("%s %s w%02d %s: %s\n", ts, ev.BatchID, ev.Worker, ev.Type, ev.Error)
	}
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    true,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
		log.Warnf("Falling back to default logger: %v", err)
	}

	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
