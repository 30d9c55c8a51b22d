package xm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/gousb"
)

// USB identifiers of the module's virtual COM port
const (
	VendorID  = 0x0483
	ProductID = 0x5740
)

// USBSourceConfig configures the direct USB transport
type USBSourceConfig struct {
	VendorID    uint16
	ProductID   uint16
	Config      int // USB configuration number
	Interface   int // CDC data interface
	InEndpoint  int
	OutEndpoint int
	Timeout     time.Duration
}

// DefaultUSBSourceConfig returns sensible defaults
func DefaultUSBSourceConfig() USBSourceConfig {
	return USBSourceConfig{
		VendorID:    VendorID,
		ProductID:   ProductID,
		Config:      1,
		Interface:   1,
		InEndpoint:  1,
		OutEndpoint: 1,
		Timeout:     2 * time.Second,
	}
}

// USBSource talks to the module server over raw USB bulk endpoints,
// bypassing the kernel tty driver
type USBSource struct {
	*moduleSource
	cfg USBSourceConfig
}

// NewUSBSource creates a USB source after checking the module is attached
func NewUSBSource(cfg USBSourceConfig, maxErrors int, logger *slog.Logger) (*USBSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := probeUSB(cfg); err != nil {
		return nil, err
	}

	u := &USBSource{cfg: cfg}
	u.moduleSource = newModuleSource(TransportUSB, u.dial, maxErrors, logger)

	logger.Info("USB sensor found",
		"vendor_id", fmt.Sprintf("0x%04X", cfg.VendorID),
		"product_id", fmt.Sprintf("0x%04X", cfg.ProductID),
	)

	return u, nil
}

func probeUSB(cfg USBSourceConfig) error {
	ctx := gousb.NewContext()
	defer ctx.Close()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(cfg.VendorID), gousb.ID(cfg.ProductID))
	if err != nil {
		return fmt.Errorf("failed to open radar module: %w", err)
	}
	if dev == nil {
		return fmt.Errorf("radar module not found (VID=0x%04X PID=0x%04X)", cfg.VendorID, cfg.ProductID)
	}
	return dev.Close()
}

func (u *USBSource) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	conn := &usbConn{ctx: gousb.NewContext(), timeout: u.cfg.Timeout}

	if err := conn.open(u.cfg, u.logger); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// usbConn is a byte stream over a pair of bulk endpoints
type usbConn struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	config  *gousb.Config
	intf    *gousb.Interface
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	timeout time.Duration
}

func (c *usbConn) open(cfg USBSourceConfig, logger *slog.Logger) error {
	dev, err := c.ctx.OpenDeviceWithVIDPID(gousb.ID(cfg.VendorID), gousb.ID(cfg.ProductID))
	if err != nil {
		return fmt.Errorf("failed to open radar module: %w", err)
	}
	if dev == nil {
		return fmt.Errorf("radar module not found (VID=0x%04X PID=0x%04X)", cfg.VendorID, cfg.ProductID)
	}
	c.dev = dev

	// Auto-detach the cdc_acm driver if attached
	if err := dev.SetAutoDetach(true); err != nil {
		logger.Debug("SetAutoDetach failed (non-fatal)", "error", err)
	}

	if c.config, err = dev.Config(cfg.Config); err != nil {
		return fmt.Errorf("select USB config %d: %w", cfg.Config, err)
	}
	if c.intf, err = c.config.Interface(cfg.Interface, 0); err != nil {
		return fmt.Errorf("claim USB interface %d: %w", cfg.Interface, err)
	}
	if c.in, err = c.intf.InEndpoint(cfg.InEndpoint); err != nil {
		return fmt.Errorf("open IN endpoint %d: %w", cfg.InEndpoint, err)
	}
	if c.out, err = c.intf.OutEndpoint(cfg.OutEndpoint); err != nil {
		return fmt.Errorf("open OUT endpoint %d: %w", cfg.OutEndpoint, err)
	}

	return nil
}

func (c *usbConn) Read(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.in.ReadContext(ctx, b)
}

func (c *usbConn) Write(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.out.WriteContext(ctx, b)
}

// Close releases the interface, device and libusb context
func (c *usbConn) Close() error {
	if c.intf != nil {
		c.intf.Close()
		c.intf = nil
	}
	if c.config != nil {
		c.config.Close()
		c.config = nil
	}
	if c.dev != nil {
		c.dev.Close()
		c.dev = nil
	}
	if c.ctx != nil {
		err := c.ctx.Close()
		c.ctx = nil
		return err
	}
	return nil
}
