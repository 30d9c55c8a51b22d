// Package detect decides whether a parking space is occupied
package detect

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-parking/internal/calibration"
	"github.com/teslashibe/go-parking/internal/envelope"
	"github.com/teslashibe/go-parking/internal/radar"
)

// ErrDegenerateCalibration is returned when a calibration sweep has no energy
var ErrDegenerateCalibration = errors.New("degenerate calibration")

// Threshold holds the empty-space reference derived from a calibration record
type Threshold struct {
	Baseline float64            `json:"baseline_amplitude"`
	Peak     envelope.DataPoint `json:"peak"`
	Ratio    float64            `json:"amplitude_ratio"` // Peak.Amplitude / Baseline
}

// NewThreshold derives the reference levels from rec, mapping its samples
// over cfg. cfg is the range after rec.Apply, so a file longer than the
// configured range is spread over the shorter one. Records longer than
// envelope.MaxSamples are clamped first.
func NewThreshold(rec *calibration.Record, cfg radar.Config) (Threshold, error) {
	rec.Clamp()

	points, err := envelope.MapRange(rec.Samples, cfg.StartRange, cfg.EndRange())
	if err != nil {
		return Threshold{}, fmt.Errorf("calibration has no samples: %w", envelope.ErrEmptyInput)
	}

	baseline, err := envelope.AverageAmplitude(points)
	if err != nil {
		return Threshold{}, err
	}
	if baseline == 0 {
		return Threshold{}, fmt.Errorf("%w: average amplitude is zero", ErrDegenerateCalibration)
	}

	peak, err := envelope.MaxPeak(points)
	if err != nil {
		return Threshold{}, err
	}

	return Threshold{
		Baseline: baseline,
		Peak:     peak,
		Ratio:    peak.Amplitude / baseline,
	}, nil
}

// Level is the peak amplitude a sweep must exceed to count as occupied
func (t Threshold) Level() float64 {
	return t.Baseline * t.Ratio * SensitivityMargin
}
