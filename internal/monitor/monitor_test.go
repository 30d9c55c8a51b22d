package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-parking/internal/detect"
	"github.com/teslashibe/go-parking/internal/envelope"
	"github.com/teslashibe/go-parking/internal/radar"
)

// scriptedDetector replays results; the last one repeats
type scriptedDetector struct {
	mu      sync.Mutex
	results []detect.Result
	err     error
	calls   int
}

func (d *scriptedDetector) Detect(ctx context.Context) (detect.Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	if d.err != nil {
		return detect.Report{RunID: "failed"}, d.err
	}

	result := d.results[min(d.calls-1, len(d.results)-1)]
	return detect.Report{
		RunID:  "run",
		Result: result,
		Readings: []detect.Reading{{
			Result: result,
			Peak:   envelope.DataPoint{Distance: 0.4, Amplitude: 150 + 2000*float64(result)},
		}},
	}, nil
}

func (d *scriptedDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *scriptedDetector) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func startMonitor(t *testing.T, det Detector, cfg Config) *Monitor {
	t.Helper()

	m := New(det, cfg, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go m.Run(ctx)
	t.Cleanup(m.Stop)

	return m
}

func TestMonitor_BasicPolling(t *testing.T) {
	det := &scriptedDetector{results: []detect.Result{detect.Empty}}
	m := startMonitor(t, det, Config{Interval: 5 * time.Millisecond, HistorySize: 10})

	require.Eventually(t, func() bool { return det.Calls() >= 3 }, time.Second, 5*time.Millisecond)

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, detect.Empty, latest.Result)
	assert.Equal(t, 150.0, latest.Peak)
	assert.False(t, latest.Timestamp.IsZero())
}

func TestMonitor_FirstPollIsImmediate(t *testing.T) {
	det := &scriptedDetector{results: []detect.Result{detect.Occupied}}
	m := startMonitor(t, det, Config{Interval: time.Hour})

	require.Eventually(t, func() bool {
		_, ok := m.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "occupied", m.Stats().Occupancy)
}

func TestMonitor_Changes(t *testing.T) {
	det := &scriptedDetector{results: []detect.Result{
		detect.Empty, detect.Empty, detect.Occupied, detect.Occupied, detect.Empty,
	}}
	m := startMonitor(t, det, Config{Interval: 5 * time.Millisecond, HistorySize: 10})

	require.Eventually(t, func() bool { return det.Calls() >= 6 }, time.Second, 5*time.Millisecond)
	m.Stop()

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.Changes)
	assert.Equal(t, "empty", stats.Occupancy)
	assert.False(t, stats.Since.IsZero())
}

func TestMonitor_HistoryBounded(t *testing.T) {
	det := &scriptedDetector{results: []detect.Result{detect.Empty}}
	m := startMonitor(t, det, Config{Interval: 2 * time.Millisecond, HistorySize: 3})

	require.Eventually(t, func() bool { return det.Calls() >= 6 }, time.Second, 2*time.Millisecond)

	history := m.History()
	assert.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Timestamp.Before(history[i-1].Timestamp), "history out of order")
	}
}

func TestMonitor_Errors(t *testing.T) {
	det := &scriptedDetector{results: []detect.Result{detect.Empty}}
	det.SetError(errors.New("acquisition failure"))
	m := startMonitor(t, det, Config{Interval: 5 * time.Millisecond, HistorySize: 10})

	require.Eventually(t, func() bool { return m.Stats().ErrorCount >= 2 }, time.Second, 5*time.Millisecond)

	_, ok := m.Latest()
	assert.False(t, ok, "failed detections must not count as a result")
	assert.Equal(t, "unknown", m.Stats().Occupancy)

	history := m.History()
	require.NotEmpty(t, history)
	assert.Equal(t, "acquisition failure", history[0].Error)
}

func TestMonitor_StopWithoutRun(t *testing.T) {
	m := New(&scriptedDetector{}, DefaultConfig(), nil)

	// Must not block
	m.Stop()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Interval != 30*time.Second {
		t.Errorf("expected Interval 30s, got %v", cfg.Interval)
	}

	if cfg.HistorySize != 100 {
		t.Errorf("expected HistorySize 100, got %d", cfg.HistorySize)
	}
}

func TestNew_FillsDefaults(t *testing.T) {
	m := New(&scriptedDetector{}, Config{}, nil)

	assert.Equal(t, DefaultConfig(), m.cfg)
}

// flappingSource alternates between an occupied and an empty sweep, so a
// debounced detection never settles
type flappingSource struct {
	mu     sync.Mutex
	sweeps int
}

func (s *flappingSource) Open(ctx context.Context, cfg radar.Config) error { return nil }
func (s *flappingSource) Close() error                                     { return nil }
func (s *flappingSource) Healthy() bool                                    { return true }
func (s *flappingSource) Name() string                                     { return "flapping" }

func (s *flappingSource) Sweep(ctx context.Context) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweeps++
	if s.sweeps%2 == 1 {
		return []uint16{100, 900, 120, 80}, nil
	}
	return []uint16{100, 150, 120, 80}, nil
}

func (s *flappingSource) Sweeps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}

func TestMonitor_StopWhileDetectorBusy(t *testing.T) {
	src := &flappingSource{}
	threshold := detect.Threshold{Baseline: 100, Ratio: 1.5}
	det := detect.NewDetector(src, radar.DefaultConfig(), threshold,
		detect.Options{Debounce: true, Delay: time.Hour}, slog.Default())

	// Another caller holds the detector in its debounce sleep
	busyCtx, busyCancel := context.WithCancel(context.Background())
	t.Cleanup(busyCancel)
	go det.Detect(busyCtx)

	require.Eventually(t, func() bool {
		return src.Sweeps() >= 1
	}, time.Second, 5*time.Millisecond)

	m := New(det, Config{Interval: time.Hour, HistorySize: 5}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(runDone)
	}()

	// Give Run time to block waiting for the detector
	time.Sleep(20 * time.Millisecond)
	cancel()

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked while another detection held the sensor")
	}

	<-runDone
	assert.Equal(t, int64(0), m.Stats().ErrorCount)
}
