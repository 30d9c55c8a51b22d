package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-parking/internal/calibration"
	"github.com/teslashibe/go-parking/internal/envelope"
	"github.com/teslashibe/go-parking/internal/radar"
)

func rangeOf(rec *calibration.Record) radar.Config {
	cfg := radar.DefaultConfig()
	cfg.StartRange = rec.Start
	cfg.LengthRange = rec.Length
	return cfg
}

func TestNewThreshold(t *testing.T) {
	rec := calibration.NewRecord(0.1, 0.4, []uint16{100, 100, 200, 200})

	th, err := NewThreshold(rec, rangeOf(rec))
	require.NoError(t, err)

	assert.Equal(t, 150.0, th.Baseline)
	assert.Equal(t, 200.0, th.Peak.Amplitude)
	assert.InDelta(t, 0.3, th.Peak.Distance, 1e-12)
	assert.InDelta(t, 200.0/150.0, th.Ratio, 1e-12)
	assert.InDelta(t, 800.0, th.Level(), 1e-9)
}

func TestNewThreshold_Degenerate(t *testing.T) {
	rec := calibration.NewRecord(0.1, 0.4, []uint16{0, 0, 0})

	_, err := NewThreshold(rec, rangeOf(rec))
	assert.ErrorIs(t, err, ErrDegenerateCalibration)
}

func TestNewThreshold_Empty(t *testing.T) {
	rec := calibration.NewRecord(0.1, 0.4, nil)

	_, err := NewThreshold(rec, rangeOf(rec))
	assert.ErrorIs(t, err, envelope.ErrEmptyInput)
}

func TestNewThreshold_ClampsRecord(t *testing.T) {
	samples := make([]uint16, envelope.MaxSamples+100)
	for i := range samples {
		samples[i] = 10
	}
	// Peak beyond the buffer limit must be ignored
	samples[envelope.MaxSamples+50] = 9000

	rec := calibration.NewRecord(0, 1, samples)
	th, err := NewThreshold(rec, rangeOf(rec))
	require.NoError(t, err)

	assert.Equal(t, 10.0, th.Baseline)
	assert.Equal(t, 10.0, th.Peak.Amplitude)
	assert.Equal(t, 1.0, th.Ratio)
}

func TestNewThreshold_UsesAdjustedRange(t *testing.T) {
	// File covers 0.1..0.7 m but the configured range is only 0.4 m long
	rec := calibration.NewRecord(0.1, 0.6, []uint16{100, 100, 200, 200})

	cfg := radar.DefaultConfig()
	cfg.LengthRange = 0.4
	rec.Apply(&cfg)
	require.Equal(t, 0.1, cfg.StartRange)
	require.Equal(t, 0.4, cfg.LengthRange)

	th, err := NewThreshold(rec, cfg)
	require.NoError(t, err)

	assert.InDelta(t, 0.3, th.Peak.Distance, 1e-12)
	assert.Equal(t, 150.0, th.Baseline)
}
