// go-parking: Parking space occupancy detector for Acconeer radar modules
// Calibrates against an empty space and reports whether a vehicle is present
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/teslashibe/go-parking/internal/calibration"
	"github.com/teslashibe/go-parking/internal/config"
	"github.com/teslashibe/go-parking/internal/detect"
	"github.com/teslashibe/go-parking/internal/envelope"
	"github.com/teslashibe/go-parking/internal/health"
	"github.com/teslashibe/go-parking/internal/monitor"
	"github.com/teslashibe/go-parking/internal/plot"
	"github.com/teslashibe/go-parking/internal/radar"
	"github.com/teslashibe/go-parking/internal/server"
	"github.com/teslashibe/go-parking/internal/xm"
)

var version = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options holds the flags that select what run does, as opposed to the
// settings that flow into config.Load
type options struct {
	help        bool
	showVersion bool
	verbose     bool
	calibrate   bool
	serve       bool
	configPath  string
	plotPath    string
}

func newFlagSet(opts *options, stderr io.Writer) *pflag.FlagSet {
	flags := pflag.NewFlagSet("go-parking", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SortFlags = false

	flags.BoolVarP(&opts.help, "help", "h", false, "this help")
	flags.IntP("sensor", "s", radar.DefaultSensorID, "sensor to use")
	flags.BoolVarP(&opts.calibrate, "calibrate", "c", false, "record read empty parking spot data and store calibration file")
	flags.StringP("calibration-file", "f", "", fmt.Sprintf("name of the calibration file (calibration writes %s when unset)", calibration.DefaultFile))
	flags.Float64P("range-start", "a", radar.DefaultStartRange, "start measure at this distance [m]")
	flags.IntP("delay", "d", 0, "do multiple measurements with a time delay in between (time in seconds)")
	flags.Int("max-iterations", 0, "give up after this many debounce sweeps (0 = no limit, otherwise at least 2)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")
	flags.String("transport", xm.TransportAuto, "sensor transport: auto, serial, usb or mock")
	flags.StringVar(&opts.configPath, "config", "", "config file path")
	flags.BoolVar(&opts.serve, "serve", false, "serve detections over HTTP instead of running once")
	flags.Int("port", 9000, "HTTP port for --serve")
	flags.Duration("interval", 30*time.Second, "re-run detection this often in --serve mode (0 = on request only)")
	flags.StringVar(&opts.plotPath, "plot", "", "render the calibration and one live sweep to this file (png, svg or pdf)")
	flags.String("log-format", "text", "log format: text or json")
	flags.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	flags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: go-parking [OPTIONS]\n\n")
		flags.PrintDefaults()
	}

	return flags
}

func run(args []string, stdout, stderr io.Writer) int {
	var opts options
	flags := newFlagSet(&opts, stderr)

	if err := flags.Parse(args); err != nil {
		// Unknown options print the usage and exit cleanly, like --help
		fmt.Fprintln(stderr, err)
		flags.Usage()
		return 0
	}

	if opts.help {
		flags.Usage()
		return 0
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "go-parking %s\n", version)
		return 0
	}

	// Load configuration
	cfg, err := config.Load(opts.configPath, flags)
	if err != nil {
		fmt.Fprintf(stderr, "Fatal error: %v\n", err)
		return 1
	}

	// Override log level if verbose flag is set
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}

	// Setup logging
	logger := setupLogger(cfg.Logging, stderr)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, opts: opts, logger: logger, stdout: stdout, stderr: stderr}

	if opts.calibrate {
		err = a.calibrate(ctx)
	} else if cfg.Detection.CalibrationFile == "" {
		fmt.Fprintln(stdout, "Please specify calibration file.")
		flags.Usage()
		return 1
	} else {
		err = a.detect(ctx)
	}

	if err != nil {
		return a.fail(err)
	}
	return 0
}

// app carries the loaded configuration through one invocation
type app struct {
	cfg    *config.Config
	opts   options
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func (a *app) source() (radar.Source, error) {
	if a.opts.serve {
		return xm.NewSourceWithFallback(a.cfg.Transport(), a.logger), nil
	}

	source, err := xm.NewSource(a.cfg.Transport(), a.logger)
	if err != nil {
		return nil, radar.AcquisitionError("select sensor", err)
	}

	a.logger.Info("sensor ready",
		"type", source.Name(),
		"healthy", source.Healthy(),
	)

	return source, nil
}

func (a *app) calibrate(ctx context.Context) error {
	source, err := a.source()
	if err != nil {
		return err
	}

	path := a.cfg.Detection.CalibrationFile
	if path == "" {
		path = calibration.DefaultFile
	}

	rangeCfg := a.cfg.Radar()
	rec, err := calibration.Capture(ctx, source, rangeCfg)
	if err != nil {
		return err
	}

	if err := calibration.Save(path, rec); err != nil {
		return err
	}

	a.logger.Info("calibration saved",
		"path", path,
		"samples", rec.Count,
		"start_range", rec.Start,
		"length_range", rec.Length,
	)
	fmt.Fprintf(a.stdout, "Calibration done. Saved in file %s\n", path)

	if a.opts.plotPath != "" {
		threshold, err := detect.NewThreshold(rec, rangeCfg)
		if err != nil {
			return err
		}
		return a.render(rec, rangeCfg, nil, threshold)
	}

	return nil
}

func (a *app) detect(ctx context.Context) error {
	rec, err := calibration.Load(a.cfg.Detection.CalibrationFile)
	if err != nil {
		return err
	}

	rangeCfg := a.cfg.Radar()
	for _, adj := range rec.Apply(&rangeCfg) {
		a.logger.Info("range adjusted by calibration file",
			"field", adj.Field,
			"from", adj.From,
			"to", adj.To,
		)
		fmt.Fprintf(a.stdout, "Setting %s to %1.2f due to calibration file\n", adj.Field, adj.To)
	}

	threshold, err := detect.NewThreshold(rec, rangeCfg)
	if err != nil {
		return err
	}

	a.logger.Debug("threshold loaded",
		"baseline", threshold.Baseline,
		"ratio", threshold.Ratio,
		"level", threshold.Level(),
	)

	source, err := a.source()
	if err != nil {
		return err
	}

	detector := detect.NewDetector(source, rangeCfg, threshold, a.cfg.DetectOptions(), a.logger)

	if a.opts.serve {
		return a.serve(ctx, detector, rec)
	}

	fmt.Fprintf(a.stdout, "Start range: %f\n", rangeCfg.StartRange)

	report, err := detector.Detect(ctx)
	for _, reading := range report.Readings {
		fmt.Fprintf(a.stdout, "%d\n", int(reading.Result))
	}
	if err != nil {
		return err
	}

	if a.opts.plotPath != "" {
		sweep, err := liveSweep(ctx, source, rangeCfg)
		if err != nil {
			return err
		}
		if err := a.render(rec, rangeCfg, sweep, threshold); err != nil {
			return err
		}
	}

	// Print results
	if report.Result == detect.Occupied {
		fmt.Fprint(a.stdout, "\nCar detected.\n")
	} else {
		fmt.Fprint(a.stdout, "\nNothing detected.\n")
	}

	return nil
}

// liveSweep takes one extra sweep for plotting
func liveSweep(ctx context.Context, source radar.Source, cfg radar.Config) ([]envelope.DataPoint, error) {
	rec, err := calibration.Capture(ctx, source, cfg)
	if err != nil {
		return nil, err
	}
	return envelope.MapRange(rec.Samples, cfg.StartRange, cfg.EndRange())
}

func (a *app) render(rec *calibration.Record, cfg radar.Config, sweep []envelope.DataPoint, threshold detect.Threshold) error {
	points, err := envelope.MapRange(rec.Samples, cfg.StartRange, cfg.EndRange())
	if err != nil {
		return err
	}

	if err := plot.Render(a.opts.plotPath, points, sweep, threshold); err != nil {
		return err
	}

	a.logger.Info("plot written", "path", a.opts.plotPath)
	return nil
}

func (a *app) serve(ctx context.Context, detector *detect.Detector, rec *calibration.Record) error {
	checker := health.NewChecker(version)
	checker.Register("sensor", true, func() (bool, string) {
		stats := detector.Stats()
		return stats.SourceHealthy, stats.SourceName
	})
	checker.Register("detector", false, func() (bool, string) {
		stats := detector.Stats()
		if stats.LastError != "" {
			return false, stats.LastError
		}
		return true, stats.LastResult
	})
	checker.SetComponent("calibration", true, a.cfg.Detection.CalibrationFile)

	srv := server.New(a.cfg.Server, detector, checker, a.logger, version)

	var mon *monitor.Monitor
	if a.cfg.Monitor.Interval > 0 {
		mon = monitor.New(detector, a.cfg.MonitorOptions(), a.logger)
		srv.AttachMonitor(mon)
		go func() {
			if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("monitor error", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	a.logger.Info("serving detections",
		"version", version,
		"port", a.cfg.Server.Port,
		"calibration_samples", rec.Count,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
	case serveErr = <-errCh:
		a.logger.Error("server error", "error", serveErr)
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.GracefulTimeout)
	defer cancel()

	// Stop in order: server -> monitor
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("server shutdown error", "error", err)
	}
	if mon != nil {
		mon.Stop()
	}

	a.logger.Info("go-parking stopped")
	return serveErr
}

// fail reports a fatal error with a hint for the failing stage
func (a *app) fail(err error) int {
	a.logger.Error("fatal error", "error", err)
	fmt.Fprintf(a.stderr, "Fatal error: %v\n", err)

	if hint := hintFor(err); hint != "" {
		fmt.Fprintf(a.stderr, "Hint: %s\n", hint)
	}
	return 1
}

func hintFor(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "interrupted"
	case errors.Is(err, radar.ErrAcquisition):
		return "check that the radar module is connected and the transport settings are right"
	case errors.Is(err, calibration.ErrFormat):
		return "the calibration file is damaged, run again with --calibrate"
	case errors.Is(err, detect.ErrDegenerateCalibration):
		return "the calibration sweep had no signal, recalibrate the empty space"
	case errors.Is(err, detect.ErrUnstable):
		return "raise --max-iterations or lengthen --delay"
	case errors.Is(err, envelope.ErrEmptyInput), errors.Is(err, envelope.ErrInvalidInput):
		return "the sensor returned no usable samples"
	}
	return ""
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
