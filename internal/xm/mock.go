package xm

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/teslashibe/go-parking/internal/envelope"
	"github.com/teslashibe/go-parking/internal/radar"
)

// Synthetic envelope shape. An empty space shows a low floor with a weak
// ground return; a vehicle adds a strong reflection further out.
const (
	mockSampleSpacing = 0.0005 // meters per sample
	mockFloor         = 100
	mockGroundEcho    = 50
	mockVehicleEcho   = 2000
)

// MockSource is a mock sensor for testing and development
type MockSource struct {
	mu       sync.Mutex
	cfg      radar.Config
	open     bool
	healthy  bool
	occupied bool
	script   []bool
	sweeps   int
	sweepErr error
	openErr  error
}

// NewMockSource creates a mock sensor watching an empty space
func NewMockSource() *MockSource {
	return &MockSource{healthy: true}
}

// NewMockSourceWithScript creates a mock whose successive sweeps follow the
// given occupancy pattern. The last entry repeats once the script runs out.
func NewMockSourceWithScript(occupied ...bool) *MockSource {
	return &MockSource{healthy: true, script: occupied}
}

// Open activates the mock for cfg
func (m *MockSource) Open(ctx context.Context, cfg radar.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openErr != nil {
		return m.openErr
	}
	if m.open {
		return errors.New("mock sensor already open")
	}

	m.cfg = cfg
	m.open = true
	return nil
}

// Sweep returns one synthetic envelope sweep
func (m *MockSource) Sweep(ctx context.Context) ([]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return nil, errors.New("mock sensor not open")
	}
	if m.sweepErr != nil {
		return nil, m.sweepErr
	}

	occupied := m.occupied
	if len(m.script) > 0 {
		occupied = m.script[min(m.sweeps, len(m.script)-1)]
	}
	m.sweeps++

	return syntheticSweep(m.cfg, occupied), nil
}

func syntheticSweep(cfg radar.Config, occupied bool) []uint16 {
	n := int(cfg.LengthRange / mockSampleSpacing)
	n = max(1, min(n, envelope.MaxSamples))

	samples := make([]uint16, n)
	for i := range samples {
		x := float64(i) / float64(n)

		amp := mockFloor + mockGroundEcho*gaussian(x, 0.2, 0.05)
		if occupied {
			amp += mockVehicleEcho * gaussian(x, 0.6, 0.04)
		}
		samples[i] = uint16(math.Round(amp))
	}
	return samples
}

func gaussian(x, center, width float64) float64 {
	d := (x - center) / width
	return math.Exp(-d * d)
}

// Close deactivates the mock
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// Healthy returns true if the source is operational
func (m *MockSource) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Name returns the source type name
func (m *MockSource) Name() string {
	return TransportMock
}

// SetOccupied sets whether unscripted sweeps see a vehicle
func (m *MockSource) SetOccupied(occupied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.occupied = occupied
}

// SetScript replaces the occupancy pattern and restarts it
func (m *MockSource) SetScript(occupied ...bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = occupied
	m.sweeps = 0
}

// SetHealthy sets the mock health state
func (m *MockSource) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// SetSweepError makes every sweep fail with err (nil clears it)
func (m *MockSource) SetSweepError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepErr = err
}

// SetOpenError makes Open fail with err (nil clears it)
func (m *MockSource) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// IsOpen reports whether the mock is currently active
func (m *MockSource) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Sweeps returns how many sweeps have been served
func (m *MockSource) Sweeps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps
}
