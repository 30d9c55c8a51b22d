// Package envelope maps raw radar envelope sweeps onto distance and extracts
// the amplitude statistics used for occupancy decisions.
package envelope

import (
	"errors"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MaxSamples is the largest sweep the sensor is asked to deliver
const MaxSamples = 3000

var (
	// ErrInvalidInput is returned when a sweep cannot be mapped onto a range
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmptyInput is returned when statistics are requested over no points
	ErrEmptyInput = errors.New("empty input")
)

// DataPoint is one envelope sample placed at its distance from the sensor
type DataPoint struct {
	Distance  float64 `json:"distance"`  // Meters
	Amplitude float64 `json:"amplitude"` // Raw envelope amplitude
}

// MapRange spreads samples evenly across the half-open interval [start, end).
// Point i lands at start + i*(end-start)/n.
func MapRange(samples []uint16, start, end float64) ([]DataPoint, error) {
	n := len(samples)
	if n == 0 {
		return nil, ErrInvalidInput
	}

	step := (end - start) / float64(n)

	points := make([]DataPoint, n)
	for i, s := range samples {
		points[i] = DataPoint{
			Distance:  start + step*float64(i),
			Amplitude: float64(s),
		}
	}

	return points, nil
}

// Amplitudes returns the amplitude column of points
func Amplitudes(points []DataPoint) []float64 {
	amps := make([]float64, len(points))
	for i, p := range points {
		amps[i] = p.Amplitude
	}
	return amps
}

// AverageAmplitude returns the arithmetic mean amplitude of points
func AverageAmplitude(points []DataPoint) (float64, error) {
	if len(points) == 0 {
		return 0, ErrEmptyInput
	}
	return stat.Mean(Amplitudes(points), nil), nil
}

// MaxPeak returns the point with the greatest amplitude. On ties the earliest
// point wins. Empty input yields the {-1, -1} sentinel and ErrEmptyInput.
func MaxPeak(points []DataPoint) (DataPoint, error) {
	if len(points) == 0 {
		return DataPoint{Distance: -1, Amplitude: -1}, ErrEmptyInput
	}

	// floats.MaxIdx keeps the first maximum
	return points[floats.MaxIdx(Amplitudes(points))], nil
}

// Clamp truncates a sweep to MaxSamples
func Clamp(samples []uint16) []uint16 {
	if len(samples) > MaxSamples {
		return samples[:MaxSamples]
	}
	return samples
}
