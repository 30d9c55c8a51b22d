// Package xm drives Acconeer XM radar modules running the module server
// firmware, over UART or USB, and provides a mock for development
package xm

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame markers and commands of the module server register protocol.
// A frame is: 0xCC | payload length (uint16 LE) | command | payload | 0xCD
const (
	startMarker = 0xCC
	endMarker   = 0xCD

	cmdRegReadRequest   = 0xF8
	cmdRegReadResponse  = 0xF6
	cmdRegWriteRequest  = 0xF9
	cmdRegWriteResponse = 0xF5
	cmdBufReadRequest   = 0xFA
	cmdBufReadResponse  = 0xF7
)

// ErrProtocol is returned for malformed or unexpected frames
var ErrProtocol = errors.New("module protocol error")

// Client speaks the register protocol over any byte stream
type Client struct {
	w io.Writer
	r *bufio.Reader
}

// NewClient wraps rw in a protocol client
func NewClient(rw io.ReadWriter) *Client {
	return &Client{
		w: rw,
		r: bufio.NewReaderSize(rw, 4096),
	}
}

// WriteRegister sets register addr to value and waits for the echo
func (c *Client) WriteRegister(addr uint8, value uint32) error {
	payload := make([]byte, 5)
	payload[0] = addr
	binary.LittleEndian.PutUint32(payload[1:], value)

	if err := c.writeFrame(cmdRegWriteRequest, payload); err != nil {
		return err
	}

	resp, err := c.expect(cmdRegWriteResponse)
	if err != nil {
		return fmt.Errorf("write register 0x%02X: %w", addr, err)
	}
	if len(resp) < 1 || resp[0] != addr {
		return fmt.Errorf("%w: write response for wrong register", ErrProtocol)
	}
	return nil
}

// ReadRegister returns the value of register addr
func (c *Client) ReadRegister(addr uint8) (uint32, error) {
	if err := c.writeFrame(cmdRegReadRequest, []byte{addr}); err != nil {
		return 0, err
	}

	resp, err := c.expect(cmdRegReadResponse)
	if err != nil {
		return 0, fmt.Errorf("read register 0x%02X: %w", addr, err)
	}
	if len(resp) != 5 || resp[0] != addr {
		return 0, fmt.Errorf("%w: malformed read response for register 0x%02X", ErrProtocol, addr)
	}
	return binary.LittleEndian.Uint32(resp[1:]), nil
}

// ReadBuffer reads the uint16 samples held in buffer addr
func (c *Client) ReadBuffer(addr uint8) ([]uint16, error) {
	req := make([]byte, 3)
	req[0] = addr
	binary.LittleEndian.PutUint16(req[1:], 0) // offset

	if err := c.writeFrame(cmdBufReadRequest, req); err != nil {
		return nil, err
	}

	resp, err := c.expect(cmdBufReadResponse)
	if err != nil {
		return nil, fmt.Errorf("read buffer 0x%02X: %w", addr, err)
	}
	if len(resp) < 1 || resp[0] != addr || (len(resp)-1)%2 != 0 {
		return nil, fmt.Errorf("%w: malformed buffer response", ErrProtocol)
	}

	data := resp[1:]
	samples := make([]uint16, len(data)/2)
	for i := range samples {
		samples[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return samples, nil
}

func (c *Client) writeFrame(cmd byte, payload []byte) error {
	_, err := c.w.Write(encodeFrame(cmd, payload))
	return err
}

func (c *Client) expect(cmd byte) ([]byte, error) {
	got, payload, err := readFrame(c.r)
	if err != nil {
		return nil, err
	}
	if got != cmd {
		return nil, fmt.Errorf("%w: expected command 0x%02X, got 0x%02X", ErrProtocol, cmd, got)
	}
	return payload, nil
}

func encodeFrame(cmd byte, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+5)
	frame = append(frame, startMarker)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, cmd)
	frame = append(frame, payload...)
	return append(frame, endMarker)
}

func readFrame(r *bufio.Reader) (byte, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	if header[0] != startMarker {
		return 0, nil, fmt.Errorf("%w: bad start marker 0x%02X", ErrProtocol, header[0])
	}

	n := binary.LittleEndian.Uint16(header[1:3])
	body := make([]byte, int(n)+1)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	if body[n] != endMarker {
		return 0, nil, fmt.Errorf("%w: bad end marker 0x%02X", ErrProtocol, body[n])
	}

	return header[3], body[:n], nil
}
