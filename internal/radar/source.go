// Package radar defines the sweep acquisition contract shared by all sensors
package radar

import (
	"context"
	"errors"
	"fmt"
)

// ErrAcquisition marks any failure to configure, activate or read the sensor
var ErrAcquisition = errors.New("acquisition failure")

// Default sweep settings
const (
	DefaultStartRange  = 0.12 // meters
	DefaultLengthRange = 0.48 // meters
	DefaultSweepCount  = 1
	DefaultUpdateRate  = 100 // Hz
	DefaultSensorID    = 1
)

// Config describes the physical range and timing of a sweep
type Config struct {
	StartRange  float64 `json:"start_range"`  // Meters from the sensor
	LengthRange float64 `json:"length_range"` // Meters covered after StartRange
	SweepCount  int     `json:"sweep_count"`
	UpdateRate  int     `json:"update_rate"` // Hz
	SensorID    int     `json:"sensor_id"`
}

// DefaultConfig returns the settings the sensor is deployed with
func DefaultConfig() Config {
	return Config{
		StartRange:  DefaultStartRange,
		LengthRange: DefaultLengthRange,
		SweepCount:  DefaultSweepCount,
		UpdateRate:  DefaultUpdateRate,
		SensorID:    DefaultSensorID,
	}
}

// EndRange returns the far edge of the measured interval
func (c Config) EndRange() float64 {
	return c.StartRange + c.LengthRange
}

// Validate checks that the range can be measured
func (c Config) Validate() error {
	if c.StartRange < 0 {
		return fmt.Errorf("start_range must not be negative, got %f", c.StartRange)
	}
	if c.LengthRange <= 0 {
		return fmt.Errorf("length_range must be positive, got %f", c.LengthRange)
	}
	if c.SensorID < 1 {
		return fmt.Errorf("sensor id must be at least 1, got %d", c.SensorID)
	}
	if c.UpdateRate < 1 {
		return fmt.Errorf("update_rate must be at least 1 Hz, got %d", c.UpdateRate)
	}
	return nil
}

// Source delivers envelope sweeps from a sensor. Open must succeed before
// Sweep is called and Close must follow every successful Open.
type Source interface {
	// Open configures and activates the sensor for cfg
	Open(ctx context.Context, cfg Config) error

	// Sweep blocks until one envelope sweep is available
	Sweep(ctx context.Context) ([]uint16, error)

	// Close deactivates the sensor and releases its resources
	Close() error

	// Healthy returns true if the source is operational
	Healthy() bool

	// Name returns the source type name
	Name() string
}

// AcquisitionError tags err as an acquisition failure unless it already is one
func AcquisitionError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAcquisition) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrAcquisition, err)
}
