package xm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-parking/internal/radar"
)

// Transport names accepted by NewSource
const (
	TransportAuto   = "auto"
	TransportSerial = "serial"
	TransportUSB    = "usb"
	TransportMock   = "mock"
)

// Config selects and configures a sensor transport
type Config struct {
	Transport            string
	Serial               SerialConfig
	USB                  USBSourceConfig
	MaxConsecutiveErrors int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Transport:            TransportAuto,
		Serial:               DefaultSerialConfig(),
		USB:                  DefaultUSBSourceConfig(),
		MaxConsecutiveErrors: 3,
	}
}

// NewSource creates the sensor source named by cfg.Transport.
// "auto" prefers USB and then the serial port, and fails when neither
// device is present.
func NewSource(cfg Config, logger *slog.Logger) (radar.Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Transport {
	case TransportMock:
		return NewMockSource(), nil
	case TransportSerial:
		return NewSerialSource(cfg.Serial, cfg.MaxConsecutiveErrors, logger)
	case TransportUSB:
		return NewUSBSource(cfg.USB, cfg.MaxConsecutiveErrors, logger)
	case TransportAuto, "":
		usb, err := NewUSBSource(cfg.USB, cfg.MaxConsecutiveErrors, logger)
		if err == nil {
			return usb, nil
		}
		logger.Warn("USB sensor unavailable",
			"error", err,
			"hint", "ensure libusb is installed and the module is connected",
		)

		// Serial sources open lazily, so make sure the device is there before
		// settling on one
		serial, serr := NewSerialSource(cfg.Serial, cfg.MaxConsecutiveErrors, logger)
		if serr == nil {
			serr = serialPortPresent(serial.Port())
		}
		if serr == nil {
			return serial, nil
		}
		return nil, errors.Join(err, serr)
	}

	return nil, fmt.Errorf("unknown sensor transport %q", cfg.Transport)
}

// NewSourceWithFallback creates a sensor source with mock fallback.
// Use this for development when no module is connected.
func NewSourceWithFallback(cfg Config, logger *slog.Logger) radar.Source {
	if logger == nil {
		logger = slog.Default()
	}

	source, err := NewSource(cfg, logger)
	if err == nil {
		return source
	}

	logger.Warn("using mock sensor - no hardware available", "error", err)
	return NewMockSource()
}

// dialFunc opens a fresh byte stream to the module
type dialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// moduleSource implements radar.Source for any transport that can reach a
// module server
type moduleSource struct {
	name   string
	dial   dialFunc
	logger *slog.Logger

	mu     sync.Mutex
	module *module

	// Health tracking
	healthy           bool
	consecutiveErrors int
	maxErrors         int
	lastError         error
	lastErrorTime     time.Time
	sweeps            int64
}

func newModuleSource(name string, dial dialFunc, maxErrors int, logger *slog.Logger) *moduleSource {
	if maxErrors < 1 {
		maxErrors = 1
	}
	return &moduleSource{
		name:      name,
		dial:      dial,
		logger:    logger,
		healthy:   true,
		maxErrors: maxErrors,
	}
}

// Open connects to the module and starts the envelope service
func (s *moduleSource) Open(ctx context.Context, cfg radar.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.module != nil {
		return fmt.Errorf("%s sensor already open", s.name)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		s.recordError(err)
		return err
	}

	m := newModule(conn, s.logger)
	if err := m.start(cfg); err != nil {
		conn.Close()
		s.recordError(err)
		return fmt.Errorf("start envelope service: %w", err)
	}

	s.module = m
	s.recordSuccess()

	s.logger.Info("sensor activated",
		"transport", s.name,
		"sensor", cfg.SensorID,
		"start_range", cfg.StartRange,
		"length_range", cfg.LengthRange,
	)

	return nil
}

// Sweep reads one envelope sweep
func (s *moduleSource) Sweep(ctx context.Context) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.module == nil {
		return nil, fmt.Errorf("%s sensor not open", s.name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	samples, err := s.module.sweep()
	if err != nil {
		s.recordError(err)
		return nil, err
	}

	s.sweeps++
	s.recordSuccess()
	return samples, nil
}

// Close stops the envelope service and releases the transport
func (s *moduleSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.module == nil {
		return nil
	}

	err := s.module.close()
	s.module = nil

	s.logger.Info("sensor deactivated", "transport", s.name)

	return err
}

// Healthy returns true if the source is operational
func (s *moduleSource) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// Name returns the source type name
func (s *moduleSource) Name() string {
	return s.name
}

func (s *moduleSource) recordError(err error) {
	s.consecutiveErrors++
	s.lastError = err
	s.lastErrorTime = time.Now()

	if s.consecutiveErrors >= s.maxErrors && s.healthy {
		s.healthy = false
		s.logger.Warn("sensor marked unhealthy",
			"transport", s.name,
			"consecutive_errors", s.consecutiveErrors,
			"last_error", err,
		)
	}
}

func (s *moduleSource) recordSuccess() {
	if s.consecutiveErrors > 0 {
		s.logger.Info("sensor recovered",
			"transport", s.name,
			"previous_errors", s.consecutiveErrors,
		)
	}
	s.consecutiveErrors = 0
	s.healthy = true
}

// Stats returns source statistics
func (s *moduleSource) Stats() SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr string
	if s.lastError != nil {
		lastErr = s.lastError.Error()
	}

	return SourceStats{
		Healthy:           s.healthy,
		ConsecutiveErrors: s.consecutiveErrors,
		LastError:         lastErr,
		LastErrorTime:     s.lastErrorTime,
		Active:            s.module != nil,
		Sweeps:            s.sweeps,
	}
}

// SourceStats contains sensor source statistics
type SourceStats struct {
	Healthy           bool      `json:"healthy"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorTime     time.Time `json:"last_error_time,omitempty"`
	Active            bool      `json:"active"`
	Sweeps            int64     `json:"sweeps"`
}
