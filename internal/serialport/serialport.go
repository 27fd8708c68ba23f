// Package serialport is the concrete bus.Transport backed by a real RS-485
// serial device. It owns the half-duplex RTS toggling the frame transport
// requires: raise RTS before transmitting, lower it once the write has
// drained and before any receive, so the line driver never contends with
// an incoming frame.
package serialport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// defaultBaud matches the device family's default line rate.
const defaultBaud = 57600

// settlePerByte is the extra pause per transmitted byte after lowering RTS
// when hardware flow control is disabled, giving the UART FIFO time to
// fully drain before the next read — roughly the line's own byte time (10
// bits, about 174µs) at the family's 57600 baud default, scaled to the size of the frame just
// written rather than a flat constant, since a 512-byte fragment needs far
// longer to clear the wire than a handful of control bytes.
const settlePerByte = 200 * time.Microsecond

// minSettleDelay is the floor applied even to zero-length writes, so a
// control frame still gets a minimal turnaround pause.
const minSettleDelay = 2 * time.Millisecond

// readChunk is the buffer size for each underlying Read call.
const readChunk = 4096

// settleFor returns the post-write pause for a frame of n bytes: the
// per-byte drain time, floored at minSettleDelay so short control frames
// still get a minimal turnaround.
func settleFor(n int) time.Duration {
	d := time.Duration(n) * settlePerByte
	if d < minSettleDelay {
		return minSettleDelay
	}
	return d
}

// Config configures a Port.
type Config struct {
	Name        string
	Baud        int
	FlowControl bool // true: let the driver manage RTS via hardware handshaking
	ReadTimeout time.Duration
}

// Port is a bus.Transport over a real serial device, driving RTS by hand
// when FlowControl is false.
type Port struct {
	port      serial.Port
	manualRTS bool
}

// Open opens and configures the named serial device.
func Open(cfg Config) (*Port, error) {
	baud := cfg.Baud
	if baud == 0 {
		baud = defaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Name, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", cfg.Name, err)
	}
	if cfg.ReadTimeout > 0 {
		if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("serialport: set read timeout: %w", err)
		}
	}
	sp := &Port{port: p, manualRTS: !cfg.FlowControl}
	if sp.manualRTS {
		if err := p.SetRTS(false); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("serialport: lower rts: %w", err)
		}
	}
	return sp, nil
}

// Read blocks for at least one byte (bounded by the configured read
// timeout) and returns whatever is available.
func (p *Port) Read() ([]byte, error) {
	buf := make([]byte, readChunk)
	n, err := p.port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("serialport: read: %w", err)
	}
	return buf[:n], nil
}

// Write raises RTS, writes raw in full, then lowers RTS once the write has
// drained and pauses briefly to let the line settle before any subsequent
// read, unless the port is configured for hardware flow control.
func (p *Port) Write(raw []byte) error {
	if p.manualRTS {
		if err := p.port.SetRTS(true); err != nil {
			return fmt.Errorf("serialport: raise rts: %w", err)
		}
	}
	_, err := p.port.Write(raw)
	if p.manualRTS {
		if drainErr := p.port.Drain(); drainErr != nil && err == nil {
			err = drainErr
		}
		if rtsErr := p.port.SetRTS(false); rtsErr != nil && err == nil {
			err = rtsErr
		}
		time.Sleep(settleFor(len(raw)))
	}
	if err != nil {
		return fmt.Errorf("serialport: write: %w", err)
	}
	return nil
}

// Close releases the underlying device.
func (p *Port) Close() error {
	return p.port.Close()
}
