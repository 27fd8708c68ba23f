// Package device implements the boot-info command and version codec shared
// by every device family, and the thin Device handle used to issue
// request/response commands over a MessageBus.
package device

import (
	"context"
	"fmt"

	"github.com/kstaniek/foconctl/internal/frame"
	"github.com/kstaniek/foconctl/internal/message"
)

// Command is a 16-bit command code understood by the device firmware.
type Command uint16

// BootInfo is the one command code every device family answers, regardless
// of whether it is currently running its application or its bootloader.
const BootInfo Command = 0x0041

// Mode is the firmware half currently running on the device.
type Mode byte

const (
	ModeBootloader  Mode = 'B'
	ModeApplication Mode = 'A'
)

func (m Mode) String() string {
	switch m {
	case ModeBootloader:
		return "bootloader"
	case ModeApplication:
		return "application"
	default:
		return fmt.Sprintf("mode(0x%02x)", byte(m))
	}
}

// Version is a two-component firmware version, encoded on the wire as one
// ASCII decimal digit for the major followed by two for the minor (e.g.
// "1" "30" -> Version{Major:1, Minor:30}).
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string { return fmt.Sprintf("%d.%02d", v.Major, v.Minor) }

// decodeDigit parses a single ASCII decimal digit byte.
func decodeDigit(c byte) (int, error) {
	if c < '0' || c > '9' {
		return 0, fmt.Errorf("device: non-digit version byte 0x%02x", c)
	}
	return int(c - '0'), nil
}

// decodeVersion parses a 2-byte ASCII-digit-pair field ("01") into the
// integer it represents.
func decodeVersion(b []byte) (int, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("device: version field must be 2 bytes, got %d", len(b))
	}
	hi, err := decodeDigit(b[0])
	if err != nil {
		return 0, err
	}
	lo, err := decodeDigit(b[1])
	if err != nil {
		return 0, err
	}
	return hi*10 + lo, nil
}

// Info is the decoded BootInfo response payload: device kind, current
// mode, and the version of each firmware half.
type Info struct {
	Kind        byte
	Mode        Mode
	BootVersion Version
	AppVersion  Version
}

// decodeInfo parses an 8-byte BootInfo payload: kind(1), mode(1), then the
// boot and app versions, each a 1-digit major followed by a 2-ASCII-digit
// minor (e.g. "1" "01" -> 1.01).
func decodeInfo(payload []byte) (Info, error) {
	if len(payload) != 8 {
		return Info{}, fmt.Errorf("device: boot info payload must be 8 bytes, got %d", len(payload))
	}
	kind := payload[0]
	mode := Mode(payload[1])
	bv, err := decodeMajorMinorVersion(payload[2], payload[3:5])
	if err != nil {
		return Info{}, fmt.Errorf("boot version: %w", err)
	}
	av, err := decodeMajorMinorVersion(payload[5], payload[6:8])
	if err != nil {
		return Info{}, fmt.Errorf("app version: %w", err)
	}
	return Info{Kind: kind, Mode: mode, BootVersion: bv, AppVersion: av}, nil
}

// decodeMajorMinorVersion decodes a single major digit and a 2-digit minor.
func decodeMajorMinorVersion(majorByte byte, minor []byte) (Version, error) {
	maj, err := decodeDigit(majorByte)
	if err != nil {
		return Version{}, err
	}
	min, err := decodeVersion(minor)
	if err != nil {
		return Version{}, err
	}
	return Version{Major: maj, Minor: min}, nil
}

// Device is a handle to one bus peer's command surface.
type Device struct {
	bus MessageBus
	id  frame.ID
}

// MessageBus is the subset of message.MessageBus a Device needs: issuing a
// request and waiting for the matching response.
type MessageBus interface {
	SendCommand(ctx context.Context, dest frame.ID, cmd uint16, payload []byte) (message.Message, error)
}

// New returns a handle to the peer at id, issuing commands over bus.
func New(bus MessageBus, id frame.ID) *Device {
	return &Device{bus: bus, id: id}
}

// ID returns the peer's bus address.
func (d *Device) ID() frame.ID { return d.id }

// SendCommand forwards a raw command to the device and returns its reply.
func (d *Device) SendCommand(ctx context.Context, cmd uint16, payload []byte) (message.Message, error) {
	return d.bus.SendCommand(ctx, d.id, cmd, payload)
}

// GetInfo issues BootInfo and decodes the reply.
func (d *Device) GetInfo(ctx context.Context) (Info, error) {
	resp, err := d.SendCommand(ctx, uint16(BootInfo), nil)
	if err != nil {
		return Info{}, fmt.Errorf("device: get info: %w", err)
	}
	info, err := decodeInfo(resp.Payload)
	if err != nil {
		return Info{}, fmt.Errorf("device: decode info: %w", err)
	}
	return info, nil
}
