package xm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
)

type regWrite struct {
	addr  uint8
	value uint32
}

// fakeModule answers register protocol requests the way module server
// firmware does, entirely in memory
type fakeModule struct {
	regs       map[uint8]uint32
	envelope   []uint16
	writes     []regWrite
	createFail bool
	garbage    bool // answer with a corrupt frame
	closed     bool

	in  bytes.Buffer
	out bytes.Buffer
}

func newFakeModule(envelope []uint16) *fakeModule {
	return &fakeModule{
		regs:     map[uint8]uint32{regDataLength: uint32(len(envelope))},
		envelope: envelope,
	}
}

func (f *fakeModule) Write(b []byte) (int, error) {
	f.in.Write(b)

	r := bufio.NewReader(bytes.NewReader(f.in.Bytes()))
	cmd, payload, err := readFrame(r)
	if err != nil {
		// Wait for the rest of the frame
		return len(b), nil
	}
	f.in.Reset()

	if f.garbage {
		f.out.Write([]byte{0x00, 0x01, 0x02, 0x03})
		return len(b), nil
	}

	switch cmd {
	case cmdRegWriteRequest:
		addr := payload[0]
		value := binary.LittleEndian.Uint32(payload[1:])
		f.writes = append(f.writes, regWrite{addr, value})
		f.regs[addr] = value

		if addr == regMainControl {
			switch value {
			case controlCreate:
				if f.createFail {
					f.regs[regStatus] = 0x00010000
				} else {
					f.regs[regStatus] |= statusCreated
				}
			case controlActivate:
				f.regs[regStatus] |= statusActivated
			case controlStop:
				f.regs[regStatus] = 0
			}
		}
		f.out.Write(encodeFrame(cmdRegWriteResponse, payload))

	case cmdRegReadRequest:
		addr := payload[0]
		resp := make([]byte, 5)
		resp[0] = addr
		binary.LittleEndian.PutUint32(resp[1:], f.regs[addr])
		f.out.Write(encodeFrame(cmdRegReadResponse, resp))

	case cmdBufReadRequest:
		resp := []byte{payload[0]}
		for _, s := range f.envelope {
			resp = binary.LittleEndian.AppendUint16(resp, s)
		}
		f.out.Write(encodeFrame(cmdBufReadResponse, resp))
	}

	return len(b), nil
}

func (f *fakeModule) Read(b []byte) (int, error) {
	if f.out.Len() == 0 {
		return 0, io.EOF
	}
	return f.out.Read(b)
}

func (f *fakeModule) Close() error {
	f.closed = true
	return nil
}

func (f *fakeModule) lastWrite(addr uint8) (uint32, bool) {
	for i := len(f.writes) - 1; i >= 0; i-- {
		if f.writes[i].addr == addr {
			return f.writes[i].value, true
		}
	}
	return 0, false
}
