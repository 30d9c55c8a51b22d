package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-parking/internal/envelope"
	"github.com/teslashibe/go-parking/internal/radar"
)

// ErrUnstable is returned when MaxIterations sweeps pass without two agreeing
var ErrUnstable = errors.New("detection did not stabilize")

// Options configures the detection loop
type Options struct {
	// Debounce keeps sampling until two consecutive sweeps agree
	Debounce bool

	// Delay is the pause between debounce sweeps
	Delay time.Duration

	// MaxIterations caps debounce sweeps, 0 means no limit
	MaxIterations int
}

// Reading is the classification of a single sweep
type Reading struct {
	Result    Result             `json:"result"`
	Peak      envelope.DataPoint `json:"peak"`
	Samples   int                `json:"samples"`
	Timestamp time.Time          `json:"timestamp"`
}

// Report is the outcome of one Detect call
type Report struct {
	RunID     string        `json:"run_id"`
	Result    Result        `json:"result"`
	Readings  []Reading     `json:"readings"`
	Range     radar.Config  `json:"range"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Debounced bool          `json:"debounced"`
}

// Detector runs sweeps against a calibrated threshold
type Detector struct {
	source    radar.Source
	cfg       radar.Config
	threshold Threshold
	opts      Options
	logger    *slog.Logger

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error

	// busy holds one token while a Detect runs, so the sensor only ever
	// runs one sweep at a time. Waiters give up when their context ends.
	busy chan struct{}

	statsMu    sync.RWMutex
	detections int64
	sweeps     int64
	errCount   int64
	last       *Report
	lastErr    error
}

// NewDetector creates a detector for src measuring over cfg
func NewDetector(src radar.Source, cfg radar.Config, threshold Threshold, opts Options, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Detector{
		source:    src,
		cfg:       cfg,
		threshold: threshold,
		opts:      opts,
		logger:    logger,
		sleep:     sleepContext,
		busy:      make(chan struct{}, 1),
	}
}

// Detect opens the sensor, classifies sweeps until a result is settled and
// closes the sensor again. In single-shot mode one sweep decides. With
// Debounce set the loop waits Delay between sweeps and returns once two
// consecutive sweeps agree. A call waiting for another detection to finish
// returns ctx.Err() if ctx ends first.
func (d *Detector) Detect(ctx context.Context) (Report, error) {
	select {
	case d.busy <- struct{}{}:
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
	defer func() { <-d.busy }()

	report := Report{
		RunID:     uuid.NewString(),
		Range:     d.cfg,
		StartedAt: time.Now(),
		Debounced: d.opts.Debounce,
	}
	logger := d.logger.With("run_id", report.RunID)

	err := d.run(ctx, logger, &report)
	report.Duration = time.Since(report.StartedAt)
	d.record(report, err)

	if err != nil {
		logger.Error("detection failed", "error", err, "sweeps", len(report.Readings))
		return report, err
	}

	logger.Info("detection complete",
		"result", report.Result.String(),
		"sweeps", len(report.Readings),
		"duration", report.Duration,
	)

	return report, nil
}

func (d *Detector) run(ctx context.Context, logger *slog.Logger, report *Report) (err error) {
	if err := d.source.Open(ctx, d.cfg); err != nil {
		return radar.AcquisitionError("open sensor", err)
	}
	defer func() {
		if cerr := d.source.Close(); cerr != nil {
			logger.Warn("sensor close failed", "error", cerr)
			if err == nil {
				err = radar.AcquisitionError("close sensor", cerr)
			}
		}
	}()

	for i := 0; ; i++ {
		if i > 0 {
			if d.opts.MaxIterations > 0 && i >= d.opts.MaxIterations {
				return fmt.Errorf("%w after %d sweeps", ErrUnstable, i)
			}
			if err := d.sleep(ctx, d.opts.Delay); err != nil {
				return err
			}
		}

		reading, err := d.classifySweep(ctx)
		if err != nil {
			return err
		}
		report.Readings = append(report.Readings, reading)

		logger.Info("sweep classified",
			"sweep", i+1,
			"result", reading.Result.String(),
			"peak_amplitude", reading.Peak.Amplitude,
			"peak_distance", reading.Peak.Distance,
		)

		if !d.opts.Debounce {
			report.Result = reading.Result
			return nil
		}

		if i > 0 && reading.Result == report.Result {
			return nil
		}
		report.Result = reading.Result
	}
}

func (d *Detector) classifySweep(ctx context.Context) (Reading, error) {
	samples, err := d.source.Sweep(ctx)

	d.statsMu.Lock()
	d.sweeps++
	d.statsMu.Unlock()

	if err != nil {
		return Reading{}, radar.AcquisitionError("sweep", err)
	}

	samples = envelope.Clamp(samples)
	points, err := envelope.MapRange(samples, d.cfg.StartRange, d.cfg.EndRange())
	if err != nil {
		return Reading{}, fmt.Errorf("sensor returned an empty sweep: %w", err)
	}

	peak, err := envelope.MaxPeak(points)
	if err != nil {
		return Reading{}, err
	}

	d.logger.Debug("sweep peak",
		"samples", len(samples),
		"peak_amplitude", peak.Amplitude,
		"threshold", d.threshold.Level(),
	)

	return Reading{
		Result:    Classify(peak.Amplitude, d.threshold.Baseline, d.threshold.Ratio),
		Peak:      peak,
		Samples:   len(samples),
		Timestamp: time.Now(),
	}, nil
}

func (d *Detector) record(report Report, err error) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	d.detections++
	d.lastErr = err
	if err != nil {
		d.errCount++
		return
	}
	d.last = &report
}

// Threshold returns the calibrated reference in use
func (d *Detector) Threshold() Threshold {
	return d.threshold
}

// Range returns the sweep range in use
func (d *Detector) Range() radar.Config {
	return d.cfg
}

// Options returns the loop options in use
func (d *Detector) Options() Options {
	return d.opts
}

// Last returns the most recent successful report
func (d *Detector) Last() (Report, bool) {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()

	if d.last == nil {
		return Report{}, false
	}
	return *d.last, true
}

// Stats returns detector statistics
func (d *Detector) Stats() DetectorStats {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()

	stats := DetectorStats{
		Detections:    d.detections,
		Sweeps:        d.sweeps,
		ErrorCount:    d.errCount,
		SourceName:    d.source.Name(),
		SourceHealthy: d.source.Healthy(),
		LastResult:    "none",
	}
	if d.last != nil {
		stats.LastResult = d.last.Result.String()
		stats.LastPeak = d.last.Readings[len(d.last.Readings)-1].Peak.Amplitude
		stats.LastDetection = d.last.StartedAt
	}
	if d.lastErr != nil {
		stats.LastError = d.lastErr.Error()
	}

	return stats
}

// DetectorStats contains detector statistics
type DetectorStats struct {
	Detections    int64     `json:"detections"`
	Sweeps        int64     `json:"sweeps"`
	ErrorCount    int64     `json:"error_count"`
	SourceName    string    `json:"source"`
	SourceHealthy bool      `json:"source_healthy"`
	LastResult    string    `json:"last_result"`
	LastPeak      float64   `json:"last_peak_amplitude"`
	LastDetection time.Time `json:"last_detection,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
