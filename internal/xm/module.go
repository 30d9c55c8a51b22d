package xm

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/teslashibe/go-parking/internal/envelope"
	"github.com/teslashibe/go-parking/internal/radar"
)

// Module server registers
const (
	regModeSelection  = 0x02
	regMainControl    = 0x03
	regStatus         = 0x06
	regRangeStart     = 0x20 // mm
	regRangeLength    = 0x21 // mm
	regRepetitionMode = 0x22
	regUpdateRate     = 0x23 // mHz
	regSensorID       = 0x27
	regProfile        = 0x28
	regDataLength     = 0x82
	bufEnvelopeData   = 0xE8
)

// Register values
const (
	modeEnvelope = 2

	controlStop     = 0
	controlCreate   = 1
	controlActivate = 2

	repetitionStreaming = 2

	profileMaximizeSNR = 2

	statusCreated   = 1 << 0
	statusActivated = 1 << 1
	statusErrorMask = 0xFFFF0000
)

// module runs the envelope service on one connected XM module
type module struct {
	conn       io.ReadWriteCloser
	client     *Client
	logger     *slog.Logger
	dataLength int
	active     bool
}

func newModule(conn io.ReadWriteCloser, logger *slog.Logger) *module {
	return &module{
		conn:   conn,
		client: NewClient(conn),
		logger: logger,
	}
}

// start configures the envelope service for cfg, then creates and activates it
func (m *module) start(cfg radar.Config) error {
	writes := []struct {
		reg   uint8
		value uint32
	}{
		{regMainControl, controlStop},
		{regModeSelection, modeEnvelope},
		{regProfile, profileMaximizeSNR},
		{regRangeStart, millimeters(cfg.StartRange)},
		{regRangeLength, millimeters(cfg.LengthRange)},
		{regRepetitionMode, repetitionStreaming},
		{regUpdateRate, uint32(cfg.UpdateRate) * 1000},
		{regSensorID, uint32(cfg.SensorID)},
		{regMainControl, controlCreate},
	}

	for _, w := range writes {
		if err := m.client.WriteRegister(w.reg, w.value); err != nil {
			return err
		}
	}

	status, err := m.client.ReadRegister(regStatus)
	if err != nil {
		return err
	}
	if status&statusErrorMask != 0 || status&statusCreated == 0 {
		return fmt.Errorf("envelope service create failed (status 0x%08X)", status)
	}

	length, err := m.client.ReadRegister(regDataLength)
	if err != nil {
		return err
	}
	m.dataLength = min(int(length), envelope.MaxSamples)

	if err := m.client.WriteRegister(regMainControl, controlActivate); err != nil {
		return err
	}
	m.active = true

	m.logger.Debug("envelope service active",
		"start_mm", millimeters(cfg.StartRange),
		"length_mm", millimeters(cfg.LengthRange),
		"sensor", cfg.SensorID,
		"data_length", length,
	)

	return nil
}

// sweep reads the latest envelope from the module
func (m *module) sweep() ([]uint16, error) {
	if !m.active {
		return nil, fmt.Errorf("envelope service not active")
	}

	samples, err := m.client.ReadBuffer(bufEnvelopeData)
	if err != nil {
		return nil, err
	}
	if len(samples) > m.dataLength {
		samples = samples[:m.dataLength]
	}
	return samples, nil
}

// close deactivates the service and releases the connection
func (m *module) close() error {
	var stopErr error
	if m.active {
		stopErr = m.client.WriteRegister(regMainControl, controlStop)
		m.active = false
	}

	if err := m.conn.Close(); err != nil {
		return err
	}
	return stopErr
}

func millimeters(meters float64) uint32 {
	return uint32(math.Round(meters * 1000))
}
