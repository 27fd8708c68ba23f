// Package bootloader implements the flash-programming command surface:
// chunked image writes, the boot header checksum, and the launch command
// that hands control back to the application. It is grounded in the
// original reference's bootloader device, constrained by the link layer's
// 512-byte fragment ceiling.
package bootloader

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/foconctl/internal/crc16"
	"github.com/kstaniek/foconctl/internal/device"
	"github.com/kstaniek/foconctl/internal/frame"
)

// ErrFlashRejected reports a well-formed WriteFlash or Launch reply whose
// status byte indicates the device rejected the operation, ported from the
// original reference's "if not status[0]: raise ValueError(...)" check.
var ErrFlashRejected = errors.New("bootloader: device rejected flash operation")

// Command codes understood only while the device is running its bootloader.
const (
	CmdWriteFlash device.Command = 0x0050
	CmdLaunch     device.Command = 0x0051
)

// chunkSize is the maximum bytes written per WriteFlash call, matching the
// original reference's 0x200-byte chunking. It equals frame.MaxPayload (512),
// so with the 6-byte block header and the 10-byte message envelope a full
// chunk's command is carried in two link-layer fragments.
const chunkSize = 0x200

// checksumInit is the initial CRC-16 register value for firmware image
// checksums. It differs from the frame layer's 0xFFFF; both share the same
// polynomial and table, only the seed differs, per the original reference's
// second crcmod.mkCrcFun call with init 0.
const checksumInit = 0x0000

// FlashBlock is one chunk of firmware image data destined for a specific
// flash address.
type FlashBlock struct {
	Address uint32
	Data    []byte
}

// pack encodes a FlashBlock as length-prefixed, address-prefixed bytes:
// length(2) BE | address(4) BE | data, matching the original's
// struct.pack('>HI', ...) framing.
func (b FlashBlock) pack() []byte {
	out := make([]byte, 0, 6+len(b.Data))
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.Data)))
	out = binary.BigEndian.AppendUint32(out, b.Address)
	out = append(out, b.Data...)
	return out
}

// Header is the boot header written ahead of a firmware image: its CRC-16
// checksum (init 0) and the address range it occupies.
type Header struct {
	Checksum     uint16
	StartAddress uint32
	EndAddress   uint32
}

// Checksum computes the boot header checksum over a firmware image.
func Checksum(image []byte) uint16 {
	return crc16.Checksum(image, checksumInit)
}

// NewHeader builds a Header for image occupying [start, start+len(image)).
func NewHeader(image []byte, start uint32) Header {
	return Header{
		Checksum:     Checksum(image),
		StartAddress: start,
		EndAddress:   start + uint32(len(image)),
	}
}

// Device is a bootloader-mode handle to one bus peer, built on the same
// command plumbing as device.Device.
type Device struct {
	*device.Device
}

// New wraps bus as a bootloader Device addressed at id.
func New(bus device.MessageBus, id frame.ID) *Device {
	return &Device{Device: device.New(bus, id)}
}

// ProgressFunc is called after each chunk of WriteFlash completes, with the
// number of image bytes written so far.
type ProgressFunc func(written, total int)

// WriteFlash writes image to the device starting at startAddress, chunked
// at chunkSize bytes per command, invoking progress after each chunk if
// non-nil.
func (d *Device) WriteFlash(ctx context.Context, image []byte, startAddress uint32, progress ProgressFunc) error {
	for off := 0; off < len(image); off += chunkSize {
		end := off + chunkSize
		if end > len(image) {
			end = len(image)
		}
		block := FlashBlock{Address: startAddress + uint32(off), Data: image[off:end]}
		reply, err := d.SendCommand(ctx, uint16(CmdWriteFlash), block.pack())
		if err != nil {
			return fmt.Errorf("bootloader: write flash at 0x%08x: %w", block.Address, err)
		}
		if len(reply.Payload) == 0 || reply.Payload[0] == 0 {
			return fmt.Errorf("%w: address 0x%08x", ErrFlashRejected, block.Address)
		}
		if progress != nil {
			progress(end, len(image))
		}
	}
	return nil
}

// Launch hands control from the bootloader to the application image,
// failing if the device's reply status byte doesn't confirm the handoff.
func (d *Device) Launch(ctx context.Context) error {
	reply, err := d.SendCommand(ctx, uint16(CmdLaunch), nil)
	if err != nil {
		return fmt.Errorf("bootloader: launch: %w", err)
	}
	if len(reply.Payload) == 0 || reply.Payload[0] != 1 {
		return fmt.Errorf("%w: launch", ErrFlashRejected)
	}
	return nil
}
