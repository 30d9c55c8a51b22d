package detect

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-parking/internal/radar"
)

// scriptedSource returns one canned sweep per call
type scriptedSource struct {
	sweeps  [][]uint16
	calls   int
	openErr error
	failAt  int // 1-based sweep that fails, 0 for never
	opened  int
	closed  int
}

func (s *scriptedSource) Open(ctx context.Context, cfg radar.Config) error {
	s.opened++
	return s.openErr
}

func (s *scriptedSource) Sweep(ctx context.Context) ([]uint16, error) {
	s.calls++
	if s.failAt > 0 && s.calls == s.failAt {
		return nil, errors.New("sensor timeout")
	}
	if s.calls > len(s.sweeps) {
		return s.sweeps[len(s.sweeps)-1], nil
	}
	return s.sweeps[s.calls-1], nil
}

func (s *scriptedSource) Close() error {
	s.closed++
	return nil
}

func (s *scriptedSource) Healthy() bool { return true }
func (s *scriptedSource) Name() string  { return "scripted" }

// Baseline 100, ratio 1.5: sweeps peaking above 600 are occupied
var testThreshold = Threshold{Baseline: 100, Ratio: 1.5}

var (
	occupiedSweep = []uint16{100, 900, 120, 80}
	emptySweep    = []uint16{100, 150, 120, 80}
)

func sweepsFor(results ...Result) [][]uint16 {
	var sweeps [][]uint16
	for _, r := range results {
		if r == Occupied {
			sweeps = append(sweeps, occupiedSweep)
		} else {
			sweeps = append(sweeps, emptySweep)
		}
	}
	return sweeps
}

func newTestDetector(src radar.Source, opts Options) (*Detector, *[]time.Duration) {
	d := NewDetector(src, radar.DefaultConfig(), testThreshold, opts, slog.Default())

	var slept []time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return ctx.Err()
	}
	return d, &slept
}

func TestDetect_SingleShot(t *testing.T) {
	src := &scriptedSource{sweeps: sweepsFor(Occupied)}
	d, slept := newTestDetector(src, Options{})

	report, err := d.Detect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Occupied, report.Result)
	assert.Len(t, report.Readings, 1)
	assert.Empty(t, *slept)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 1, src.opened)
	assert.Equal(t, 1, src.closed)
	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.Debounced)
}

func TestDetect_SingleShotEmpty(t *testing.T) {
	src := &scriptedSource{sweeps: sweepsFor(Empty)}
	d, _ := newTestDetector(src, Options{})

	report, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Empty, report.Result)
}

func TestDetect_Debounce(t *testing.T) {
	tests := []struct {
		name      string
		sequence  []Result
		want      Result
		wantSweep int
	}{
		{name: "stable immediately", sequence: []Result{Empty, Empty}, want: Empty, wantSweep: 2},
		{name: "settles on third", sequence: []Result{Occupied, Empty, Empty}, want: Empty, wantSweep: 3},
		{name: "oscillates then settles", sequence: []Result{Empty, Occupied, Empty, Occupied, Occupied}, want: Occupied, wantSweep: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &scriptedSource{sweeps: sweepsFor(tt.sequence...)}
			d, slept := newTestDetector(src, Options{Debounce: true, Delay: 10 * time.Second})

			report, err := d.Detect(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tt.want, report.Result)
			assert.Equal(t, tt.wantSweep, src.calls)
			require.Len(t, report.Readings, tt.wantSweep)
			for i, r := range tt.sequence[:tt.wantSweep] {
				assert.Equal(t, r, report.Readings[i].Result, "reading %d", i)
			}

			// One pause between each pair of sweeps
			assert.Len(t, *slept, tt.wantSweep-1)
			for _, dur := range *slept {
				assert.Equal(t, 10*time.Second, dur)
			}
			assert.Equal(t, 1, src.closed)
		})
	}
}

func TestDetect_MaxIterations(t *testing.T) {
	src := &scriptedSource{sweeps: sweepsFor(Empty, Occupied, Empty, Occupied, Empty, Occupied)}
	d, _ := newTestDetector(src, Options{Debounce: true, MaxIterations: 4})

	report, err := d.Detect(context.Background())
	assert.ErrorIs(t, err, ErrUnstable)
	assert.Len(t, report.Readings, 4)
	assert.Equal(t, 1, src.closed)
}

func TestDetect_OpenFailure(t *testing.T) {
	src := &scriptedSource{openErr: errors.New("no device")}
	d, _ := newTestDetector(src, Options{})

	_, err := d.Detect(context.Background())
	assert.ErrorIs(t, err, radar.ErrAcquisition)
	assert.Equal(t, 0, src.calls)
	assert.Equal(t, 0, src.closed)
}

func TestDetect_SweepFailureAborts(t *testing.T) {
	src := &scriptedSource{sweeps: sweepsFor(Occupied, Empty, Empty), failAt: 2}
	d, _ := newTestDetector(src, Options{Debounce: true})

	report, err := d.Detect(context.Background())
	assert.ErrorIs(t, err, radar.ErrAcquisition)
	assert.Len(t, report.Readings, 1)
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, 1, src.closed)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.NotEmpty(t, stats.LastError)
}

func TestDetect_EmptySweep(t *testing.T) {
	src := &scriptedSource{sweeps: [][]uint16{{}}}
	d, _ := newTestDetector(src, Options{})

	_, err := d.Detect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, src.closed)
}

func TestDetect_Cancelled(t *testing.T) {
	src := &scriptedSource{sweeps: sweepsFor(Occupied, Empty, Occupied)}
	d := NewDetector(src, radar.DefaultConfig(), testThreshold, Options{Debounce: true, Delay: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Detect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 1, src.closed)
}

// gatedSource blocks in Open until release is closed
type gatedSource struct {
	scriptedSource
	opening chan struct{}
	release chan struct{}
}

func (s *gatedSource) Open(ctx context.Context, cfg radar.Config) error {
	close(s.opening)
	<-s.release
	return s.scriptedSource.Open(ctx, cfg)
}

func TestDetect_WaitingCallerHonoursContext(t *testing.T) {
	src := &gatedSource{
		scriptedSource: scriptedSource{sweeps: sweepsFor(Empty)},
		opening:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	d := NewDetector(src, radar.DefaultConfig(), testThreshold, Options{}, nil)

	first := make(chan error, 1)
	go func() {
		_, err := d.Detect(context.Background())
		first <- err
	}()
	<-src.opening

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Detect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	close(src.release)
	require.NoError(t, <-first)

	// The slot is free again once the first detection finishes
	report, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Empty, report.Result)

	// Only the two detections that ran are counted
	assert.Equal(t, int64(2), d.Stats().Detections)
}

func TestDetect_PeakUsesRange(t *testing.T) {
	src := &scriptedSource{sweeps: sweepsFor(Occupied)}
	cfg := radar.Config{StartRange: 0.2, LengthRange: 0.4, UpdateRate: 100, SensorID: 1}
	d := NewDetector(src, cfg, testThreshold, Options{}, nil)

	report, err := d.Detect(context.Background())
	require.NoError(t, err)

	// Peak is the second of four samples over [0.2, 0.6)
	assert.InDelta(t, 0.3, report.Readings[0].Peak.Distance, 1e-12)
	assert.Equal(t, 900.0, report.Readings[0].Peak.Amplitude)
	assert.Equal(t, cfg, report.Range)
}

func TestDetector_Stats(t *testing.T) {
	src := &scriptedSource{sweeps: sweepsFor(Occupied, Empty, Empty)}
	d, _ := newTestDetector(src, Options{Debounce: true})

	stats := d.Stats()
	assert.Equal(t, "none", stats.LastResult)

	_, ok := d.Last()
	assert.False(t, ok)

	_, err := d.Detect(context.Background())
	require.NoError(t, err)

	stats = d.Stats()
	assert.Equal(t, int64(1), stats.Detections)
	assert.Equal(t, int64(3), stats.Sweeps)
	assert.Equal(t, int64(0), stats.ErrorCount)
	assert.Equal(t, "empty", stats.LastResult)
	assert.Equal(t, 150.0, stats.LastPeak)
	assert.Equal(t, "scripted", stats.SourceName)

	last, ok := d.Last()
	require.True(t, ok)
	assert.Equal(t, Empty, last.Result)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
