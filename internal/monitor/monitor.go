// Package monitor re-runs detection on a fixed interval and keeps a short
// in-memory history of the occupancy of the space
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-parking/internal/detect"
)

// Detector runs one detection
type Detector interface {
	Detect(ctx context.Context) (detect.Report, error)
}

// Config configures the monitor
type Config struct {
	Interval    time.Duration
	HistorySize int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		HistorySize: 100,
	}
}

// Entry is one detection outcome kept in the history
type Entry struct {
	RunID     string        `json:"run_id,omitempty"`
	Result    detect.Result `json:"result"`
	Peak      float64       `json:"peak_amplitude"`
	Sweeps    int           `json:"sweeps"`
	Timestamp time.Time     `json:"timestamp"`
	LatencyMs int64         `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
}

// Monitor polls a detector and tracks changes in occupancy
type Monitor struct {
	detector Detector
	cfg      Config
	logger   *slog.Logger

	mu      sync.RWMutex
	latest  Entry
	known   bool // a detection has succeeded at least once
	since   time.Time
	history []Entry

	// Metrics
	pollCount      int64
	pollErrorCount int64
	totalLatencyMs int64
	changes        int64

	// Lifecycle
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor for detector
func New(detector Detector, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = def.HistorySize
	}

	return &Monitor{
		detector: detector,
		cfg:      cfg,
		logger:   logger,
		history:  make([]Entry, 0, cfg.HistorySize),
	}
}

// Run polls until ctx is cancelled or Stop is called (blocking, use goroutine).
// The first detection runs immediately.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("monitor started",
		"interval", m.cfg.Interval,
		"history_size", m.cfg.HistorySize,
	)

	m.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			stats := m.Stats()
			m.logger.Info("monitor stopped",
				"polls", stats.PollCount,
				"errors", stats.ErrorCount,
				"changes", stats.Changes,
			)
			return ctx.Err()
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	start := time.Now()

	report, err := m.detector.Detect(ctx)
	if err != nil && ctx.Err() != nil {
		// Shutting down, not a sensor problem
		return
	}

	latencyMs := time.Since(start).Milliseconds()

	entry := Entry{
		RunID:     report.RunID,
		Result:    report.Result,
		Sweeps:    len(report.Readings),
		Timestamp: time.Now(),
		LatencyMs: latencyMs,
	}
	if n := len(report.Readings); n > 0 {
		entry.Peak = report.Readings[n-1].Peak.Amplitude
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pollCount++
	m.totalLatencyMs += latencyMs

	if err != nil {
		m.pollErrorCount++
		entry.Error = err.Error()
		m.appendHistory(entry)
		m.logger.Warn("monitor detection failed", "error", err)
		return
	}

	switch {
	case !m.known:
		m.known = true
		m.since = entry.Timestamp
		m.logger.Info("occupancy", "result", entry.Result.String())
	case entry.Result != m.latest.Result:
		m.changes++
		m.since = entry.Timestamp
		m.logger.Info("occupancy changed",
			"from", m.latest.Result.String(),
			"to", entry.Result.String(),
			"peak_amplitude", entry.Peak,
		)
	}

	m.latest = entry
	m.appendHistory(entry)
}

func (m *Monitor) appendHistory(entry Entry) {
	m.history = append(m.history, entry)

	// Trim history
	if len(m.history) > m.cfg.HistorySize {
		// Shift instead of slice to avoid memory leak
		copy(m.history, m.history[1:])
		m.history = m.history[:m.cfg.HistorySize]
	}
}

// Latest returns the most recent successful detection and whether one exists
func (m *Monitor) Latest() (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.known
}

// History returns the retained entries, oldest first
func (m *Monitor) History() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := make([]Entry, len(m.history))
	copy(history, m.history)
	return history
}

// Stats returns monitor statistics
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	avgLatency := float64(0)
	if m.pollCount > 0 {
		avgLatency = float64(m.totalLatencyMs) / float64(m.pollCount)
	}

	stats := Stats{
		PollCount:    m.pollCount,
		ErrorCount:   m.pollErrorCount,
		AvgLatencyMs: avgLatency,
		HistorySize:  len(m.history),
		Changes:      m.changes,
		Interval:     m.cfg.Interval.String(),
		Occupancy:    "unknown",
	}
	if m.known {
		stats.Occupancy = m.latest.Result.String()
		stats.Since = m.since
	}

	return stats
}

// Stats contains monitor statistics
type Stats struct {
	PollCount    int64     `json:"poll_count"`
	ErrorCount   int64     `json:"error_count"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	HistorySize  int       `json:"history_size"`
	Changes      int64     `json:"changes"`
	Interval     string    `json:"interval"`
	Occupancy    string    `json:"occupancy"`
	Since        time.Time `json:"since,omitempty"`
}

// Stop stops the monitor gracefully
func (m *Monitor) Stop() {
	m.mu.RLock()
	cancel, done := m.cancel, m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
