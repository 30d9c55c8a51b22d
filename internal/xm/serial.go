package xm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"go.bug.st/serial"
)

// errReadTimeout is returned when the module stops answering
var errReadTimeout = errors.New("serial read timeout")

// SerialConfig describes the UART link to the module
type SerialConfig struct {
	Port        string // Empty picks the first port found
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      string // N, E or O
	ReadTimeout time.Duration
}

// DefaultSerialConfig returns the module server UART defaults
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		Port:        "/dev/ttyUSB0",
		BaudRate:    115200,
		DataBits:    8,
		StopBits:    1,
		Parity:      "N",
		ReadTimeout: 2 * time.Second,
	}
}

// Normalize validates the options and applies defaults for any unset values
func (c SerialConfig) Normalize() (SerialConfig, error) {
	cfg := c
	def := DefaultSerialConfig()

	if cfg.BaudRate <= 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = def.DataBits
	}
	if cfg.DataBits < 5 || cfg.DataBits > 8 {
		return cfg, fmt.Errorf("invalid data bits %d: must be between 5 and 8", cfg.DataBits)
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = def.StopBits
	}
	if cfg.StopBits != 1 && cfg.StopBits != 2 {
		return cfg, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", cfg.StopBits)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}

	switch strings.TrimSpace(strings.ToUpper(cfg.Parity)) {
	case "", "N", "NONE":
		cfg.Parity = "N"
	case "E", "EVEN":
		cfg.Parity = "E"
	case "O", "ODD":
		cfg.Parity = "O"
	default:
		return cfg, fmt.Errorf("unsupported parity %q: expected N, E, or O", c.Parity)
	}

	return cfg, nil
}

// Mode converts the options into the go.bug.st/serial port mode
func (c SerialConfig) Mode() (*serial.Mode, error) {
	cfg, err := c.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if cfg.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch cfg.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}

	return mode, nil
}

// SerialSource reads sweeps from a module on a UART
type SerialSource struct {
	*moduleSource
	cfg SerialConfig
}

// NewSerialSource creates a source for the module on cfg.Port. The port is
// only opened while the sensor is active.
func NewSerialSource(cfg SerialConfig, maxErrors int, logger *slog.Logger) (*SerialSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}

	if cfg.Port == "" {
		ports, err := serial.GetPortsList()
		if err != nil {
			return nil, fmt.Errorf("list serial ports: %w", err)
		}
		if len(ports) == 0 {
			return nil, fmt.Errorf("no serial ports found")
		}
		cfg.Port = ports[0]
		logger.Info("using first serial port", "port", cfg.Port, "available", len(ports))
	}

	s := &SerialSource{cfg: cfg}
	s.moduleSource = newModuleSource(TransportSerial, s.dial, maxErrors, logger)
	return s, nil
}

func (s *SerialSource) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	mode, err := s.cfg.Mode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(s.cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.cfg.Port, err)
	}

	if err := port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	return &timeoutPort{Port: port}, nil
}

// serialPortPresent reports an error unless port names an existing device
func serialPortPresent(port string) error {
	if _, err := os.Stat(port); err == nil {
		return nil
	}

	// Windows COM ports are not filesystem paths
	ports, err := serial.GetPortsList()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	if slices.Contains(ports, port) {
		return nil
	}
	return fmt.Errorf("serial port %s not found", port)
}

// Port returns the serial device path in use
func (s *SerialSource) Port() string {
	return s.cfg.Port
}

// timeoutPort turns the empty reads go.bug.st/serial returns on timeout into errors
type timeoutPort struct {
	serial.Port
}

func (p *timeoutPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == nil {
		return 0, errReadTimeout
	}
	return n, err
}
