// Package config provides configuration management for go-parking
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/teslashibe/go-parking/internal/detect"
	"github.com/teslashibe/go-parking/internal/monitor"
	"github.com/teslashibe/go-parking/internal/radar"
	"github.com/teslashibe/go-parking/internal/xm"
)

// EnvPrefix prefixes every environment override, e.g. GOPARK_SENSOR_ID
const EnvPrefix = "GOPARK"

// Config is the root configuration structure
type Config struct {
	Sensor    SensorConfig    `mapstructure:"sensor"`
	Range     RangeConfig     `mapstructure:"range"`
	Detection DetectionConfig `mapstructure:"detection"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SensorConfig selects the radar and how to reach it
type SensorConfig struct {
	ID                   int          `mapstructure:"id"`
	Transport            string       `mapstructure:"transport"` // auto, serial, usb, mock
	MaxConsecutiveErrors int          `mapstructure:"max_consecutive_errors"`
	Serial               SerialConfig `mapstructure:"serial"`
	USB                  USBConfig    `mapstructure:"usb"`
}

// SerialConfig configures the UART transport
type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	StopBits    int           `mapstructure:"stop_bits"`
	Parity      string        `mapstructure:"parity"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// USBConfig configures the USB bulk transport
type USBConfig struct {
	VendorID    uint16        `mapstructure:"vendor_id"`
	ProductID   uint16        `mapstructure:"product_id"`
	Config      int           `mapstructure:"config"`
	Interface   int           `mapstructure:"interface"`
	InEndpoint  int           `mapstructure:"in_endpoint"`
	OutEndpoint int           `mapstructure:"out_endpoint"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RangeConfig configures the measured interval
type RangeConfig struct {
	Start      float64 `mapstructure:"start"`  // meters
	Length     float64 `mapstructure:"length"` // meters
	Sweeps     int     `mapstructure:"sweeps"`
	UpdateRate int     `mapstructure:"update_rate"` // Hz
}

// DetectionConfig configures calibration and the debounce loop
type DetectionConfig struct {
	CalibrationFile string `mapstructure:"calibration_file"`
	Debounce        bool   `mapstructure:"debounce"`
	Delay           int    `mapstructure:"delay"` // seconds between debounce sweeps
	MaxIterations   int    `mapstructure:"max_iterations"`
}

// MonitorConfig configures periodic detection in serve mode
type MonitorConfig struct {
	Interval    time.Duration `mapstructure:"interval"` // 0 disables the monitor
	HistorySize int           `mapstructure:"history_size"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	sensor := xm.DefaultConfig()

	return &Config{
		Sensor: SensorConfig{
			ID:                   radar.DefaultSensorID,
			Transport:            sensor.Transport,
			MaxConsecutiveErrors: sensor.MaxConsecutiveErrors,
			Serial: SerialConfig{
				Port:        sensor.Serial.Port,
				BaudRate:    sensor.Serial.BaudRate,
				DataBits:    sensor.Serial.DataBits,
				StopBits:    sensor.Serial.StopBits,
				Parity:      sensor.Serial.Parity,
				ReadTimeout: sensor.Serial.ReadTimeout,
			},
			USB: USBConfig{
				VendorID:    sensor.USB.VendorID,
				ProductID:   sensor.USB.ProductID,
				Config:      sensor.USB.Config,
				Interface:   sensor.USB.Interface,
				InEndpoint:  sensor.USB.InEndpoint,
				OutEndpoint: sensor.USB.OutEndpoint,
				Timeout:     sensor.USB.Timeout,
			},
		},
		Range: RangeConfig{
			Start:      radar.DefaultStartRange,
			Length:     radar.DefaultLengthRange,
			Sweeps:     radar.DefaultSweepCount,
			UpdateRate: radar.DefaultUpdateRate,
		},
		Detection: DetectionConfig{},
		Monitor: MonitorConfig{
			Interval:    30 * time.Second,
			HistorySize: 100,
		},
		Server: ServerConfig{
			Port:            9000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// flagKeys maps command-line flag names onto configuration keys
var flagKeys = map[string]string{
	"sensor":           "sensor.id",
	"transport":        "sensor.transport",
	"calibration-file": "detection.calibration_file",
	"range-start":      "range.start",
	"delay":            "detection.delay",
	"max-iterations":   "detection.max_iterations",
	"interval":         "monitor.interval",
	"port":             "server.port",
	"log-level":        "logging.level",
	"log-format":       "logging.format",
}

// Load loads configuration from file, environment and flags, in increasing
// order of precedence. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			// Missing file is okay, use defaults
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}

	// Asking for a delay turns on the debounce loop
	if flags.Changed("delay") {
		v.Set("detection.debounce", true)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	// Sensor defaults
	v.SetDefault("sensor.id", def.Sensor.ID)
	v.SetDefault("sensor.transport", def.Sensor.Transport)
	v.SetDefault("sensor.max_consecutive_errors", def.Sensor.MaxConsecutiveErrors)
	v.SetDefault("sensor.serial.port", def.Sensor.Serial.Port)
	v.SetDefault("sensor.serial.baud_rate", def.Sensor.Serial.BaudRate)
	v.SetDefault("sensor.serial.data_bits", def.Sensor.Serial.DataBits)
	v.SetDefault("sensor.serial.stop_bits", def.Sensor.Serial.StopBits)
	v.SetDefault("sensor.serial.parity", def.Sensor.Serial.Parity)
	v.SetDefault("sensor.serial.read_timeout", def.Sensor.Serial.ReadTimeout.String())
	v.SetDefault("sensor.usb.vendor_id", def.Sensor.USB.VendorID)
	v.SetDefault("sensor.usb.product_id", def.Sensor.USB.ProductID)
	v.SetDefault("sensor.usb.config", def.Sensor.USB.Config)
	v.SetDefault("sensor.usb.interface", def.Sensor.USB.Interface)
	v.SetDefault("sensor.usb.in_endpoint", def.Sensor.USB.InEndpoint)
	v.SetDefault("sensor.usb.out_endpoint", def.Sensor.USB.OutEndpoint)
	v.SetDefault("sensor.usb.timeout", def.Sensor.USB.Timeout.String())

	// Range defaults
	v.SetDefault("range.start", def.Range.Start)
	v.SetDefault("range.length", def.Range.Length)
	v.SetDefault("range.sweeps", def.Range.Sweeps)
	v.SetDefault("range.update_rate", def.Range.UpdateRate)

	// Detection defaults
	v.SetDefault("detection.calibration_file", "")
	v.SetDefault("detection.debounce", false)
	v.SetDefault("detection.delay", 0)
	v.SetDefault("detection.max_iterations", 0)

	// Monitor defaults
	v.SetDefault("monitor.interval", def.Monitor.Interval.String())
	v.SetDefault("monitor.history_size", def.Monitor.HistorySize)

	// Server defaults
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.graceful_timeout", "5s")

	// Logging defaults
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Radar().Validate(); err != nil {
		return err
	}

	switch c.Sensor.Transport {
	case xm.TransportAuto, xm.TransportSerial, xm.TransportUSB, xm.TransportMock:
	default:
		return fmt.Errorf("unknown sensor transport %q", c.Sensor.Transport)
	}

	if c.Range.Sweeps < 1 {
		return fmt.Errorf("sweeps must be at least 1, got %d", c.Range.Sweeps)
	}

	if c.Detection.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %d", c.Detection.Delay)
	}

	// Two sweeps are the fewest that can agree
	if c.Detection.MaxIterations < 0 || c.Detection.MaxIterations == 1 {
		return fmt.Errorf("max_iterations must be 0 (no limit) or at least 2, got %d", c.Detection.MaxIterations)
	}

	if c.Monitor.Interval < 0 {
		return fmt.Errorf("monitor interval must not be negative, got %v", c.Monitor.Interval)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging format must be json or text, got %q", c.Logging.Format)
	}

	return nil
}

// Radar returns the sweep settings for the sensor
func (c *Config) Radar() radar.Config {
	return radar.Config{
		StartRange:  c.Range.Start,
		LengthRange: c.Range.Length,
		SweepCount:  c.Range.Sweeps,
		UpdateRate:  c.Range.UpdateRate,
		SensorID:    c.Sensor.ID,
	}
}

// Transport returns the sensor transport settings
func (c *Config) Transport() xm.Config {
	return xm.Config{
		Transport: c.Sensor.Transport,
		Serial: xm.SerialConfig{
			Port:        c.Sensor.Serial.Port,
			BaudRate:    c.Sensor.Serial.BaudRate,
			DataBits:    c.Sensor.Serial.DataBits,
			StopBits:    c.Sensor.Serial.StopBits,
			Parity:      c.Sensor.Serial.Parity,
			ReadTimeout: c.Sensor.Serial.ReadTimeout,
		},
		USB: xm.USBSourceConfig{
			VendorID:    c.Sensor.USB.VendorID,
			ProductID:   c.Sensor.USB.ProductID,
			Config:      c.Sensor.USB.Config,
			Interface:   c.Sensor.USB.Interface,
			InEndpoint:  c.Sensor.USB.InEndpoint,
			OutEndpoint: c.Sensor.USB.OutEndpoint,
			Timeout:     c.Sensor.USB.Timeout,
		},
		MaxConsecutiveErrors: c.Sensor.MaxConsecutiveErrors,
	}
}

// DetectOptions returns the detection loop settings
func (c *Config) DetectOptions() detect.Options {
	return detect.Options{
		Debounce:      c.Detection.Debounce,
		Delay:         time.Duration(c.Detection.Delay) * time.Second,
		MaxIterations: c.Detection.MaxIterations,
	}
}

// MonitorOptions returns the periodic detection settings
func (c *Config) MonitorOptions() monitor.Config {
	return monitor.Config{
		Interval:    c.Monitor.Interval,
		HistorySize: c.Monitor.HistorySize,
	}
}
