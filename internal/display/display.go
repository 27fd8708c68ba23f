// Package display exposes the command-code plumbing for the display
// device family without interpreting any display-object payload: the
// protocol core forwards caller-supplied bytes verbatim.
package display

import (
	"context"
	"fmt"

	"github.com/kstaniek/foconctl/internal/device"
	"github.com/kstaniek/foconctl/internal/frame"
	"github.com/kstaniek/foconctl/internal/message"
)

// Command codes for the display device family.
const (
	CmdSetConfig  device.Command = 0x0060
	CmdPushObject device.Command = 0x0061
	// CmdDump requests a diagnostic dump identified by DumpType; most dump
	// types answer with one message, but TaskStats answers with one
	// message per task and must be drained with RecvMessages.
	CmdDump device.Command = 0xfff0
)

// DumpType selects which diagnostic text a Dump command returns.
type DumpType byte

const (
	DumpMemoryStats  DumpType = 0x01
	DumpNetworkStats DumpType = 0x02
	DumpEnvironment  DumpType = 0x03
	DumpTaskStats    DumpType = 0x06
)

// MessageBus is the subset of message.MessageBus a display Device needs:
// device.MessageBus's single-response SendCommand plus RecvMessages for
// draining a multi-part dump after its header response has arrived.
type MessageBus interface {
	device.MessageBus
	RecvMessages(ctx context.Context, dest frame.ID, command ...uint16) ([]message.Message, error)
}

// Device is a display-mode handle to one bus peer.
type Device struct {
	*device.Device
	bus MessageBus
	id  frame.ID
}

// New wraps bus as a display Device addressed at id.
func New(bus MessageBus, id frame.ID) *Device {
	return &Device{Device: device.New(bus, id), bus: bus, id: id}
}

// SetConfig forwards an opaque configuration blob to the device unchanged.
func (d *Device) SetConfig(ctx context.Context, blob []byte) error {
	if _, err := d.SendCommand(ctx, uint16(CmdSetConfig), blob); err != nil {
		return fmt.Errorf("display: set config: %w", err)
	}
	return nil
}

// PushObject forwards an opaque display-object blob for slot id, prefixed
// with its slot number, unchanged.
func (d *Device) PushObject(ctx context.Context, id uint8, blob []byte) error {
	payload := make([]byte, 0, 1+len(blob))
	payload = append(payload, id)
	payload = append(payload, blob...)
	if _, err := d.SendCommand(ctx, uint16(CmdPushObject), payload); err != nil {
		return fmt.Errorf("display: push object %d: %w", id, err)
	}
	return nil
}

// parseDumpResponse validates the echoed dump type in a Dump reply's first
// byte (its second byte is reserved, unused on the wire) and returns the
// ASCII text that follows.
func parseDumpResponse(want DumpType, payload []byte) (string, error) {
	if len(payload) < 2 {
		return "", fmt.Errorf("display: dump response too short (%d bytes)", len(payload))
	}
	if DumpType(payload[0]) != want {
		return "", fmt.Errorf("display: dump response type 0x%02x does not match request 0x%02x", payload[0], want)
	}
	return string(payload[2:]), nil
}

// dump issues a single-response Dump command for t.
func (d *Device) dump(ctx context.Context, t DumpType) (string, error) {
	reply, err := d.SendCommand(ctx, uint16(CmdDump), []byte{byte(t), 0x00})
	if err != nil {
		return "", fmt.Errorf("display: dump 0x%02x: %w", t, err)
	}
	return parseDumpResponse(t, reply.Payload)
}

// GetMemoryStats returns the device's memory usage diagnostic text.
func (d *Device) GetMemoryStats(ctx context.Context) (string, error) {
	return d.dump(ctx, DumpMemoryStats)
}

// GetNetworkStats returns the device's network diagnostic text.
func (d *Device) GetNetworkStats(ctx context.Context) (string, error) {
	return d.dump(ctx, DumpNetworkStats)
}

// GetEnvironmentBrightness returns the device's ambient brightness reading.
func (d *Device) GetEnvironmentBrightness(ctx context.Context) (string, error) {
	return d.dump(ctx, DumpEnvironment)
}

// GetTaskStats issues the task-statistics Dump command and then drains
// every further message the device sends carrying the same Dump command
// code, one per scheduled task, until the peer NAKs — the one dump type
// in this family that answers across more than one message.
func (d *Device) GetTaskStats(ctx context.Context) ([]string, error) {
	if _, err := d.dump(ctx, DumpTaskStats); err != nil {
		return nil, err
	}
	msgs, err := d.bus.RecvMessages(ctx, d.id, uint16(CmdDump))
	if err != nil {
		return nil, fmt.Errorf("display: task stats: %w", err)
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		line, err := parseDumpResponse(DumpTaskStats, m.Payload)
		if err != nil {
			return nil, fmt.Errorf("display: task stats: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}
