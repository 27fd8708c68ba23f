package bootloader

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kstaniek/foconctl/internal/frame"
	"github.com/kstaniek/foconctl/internal/message"
)

// fakeBus records every command sent and replies with a one-byte status,
// accepting (status[0]=1) unless rejectAt matches the 0-based call index,
// mirroring the device's success/failure status-byte convention.
type fakeBus struct {
	commands  [][]byte
	cmds      []uint16
	rejectAt  int
	hasReject bool
}

func (f *fakeBus) SendCommand(ctx context.Context, dest frame.ID, cmd uint16, payload []byte) (message.Message, error) {
	idx := len(f.cmds)
	f.cmds = append(f.cmds, cmd)
	f.commands = append(f.commands, append([]byte{}, payload...))
	status := byte(1)
	if f.hasReject && idx == f.rejectAt {
		status = 0
	}
	return message.Message{Src: dest, Command: cmd, Payload: []byte{status}}, nil
}

func TestFlashBlock_Pack(t *testing.T) {
	b := FlashBlock{Address: 0x00001000, Data: []byte{0x01, 0x02, 0x03}}
	got := b.pack()
	wantLen := uint16(len(b.Data))
	if gotLen := binary.BigEndian.Uint16(got[0:2]); gotLen != wantLen {
		t.Errorf("length field = %d, want %d", gotLen, wantLen)
	}
	if gotAddr := binary.BigEndian.Uint32(got[2:6]); gotAddr != b.Address {
		t.Errorf("address field = 0x%08x, want 0x%08x", gotAddr, b.Address)
	}
	if !bytes.Equal(got[6:], b.Data) {
		t.Errorf("data = % x, want % x", got[6:], b.Data)
	}
}

func TestChecksum_DiffersFromFrameLayerSeed(t *testing.T) {
	image := []byte{0x49, 0x2a, 0x01, 0x01, 0x00, 0x00}
	// Same table, different seed than the frame layer's 0xFFFF-seeded CRC.
	if Checksum(image) == 0xA6A8 {
		t.Fatal("bootloader checksum must not match the frame layer's 0xFFFF-seeded result")
	}
}

func TestNewHeader(t *testing.T) {
	image := make([]byte, 1024)
	h := NewHeader(image, 0x00002000)
	if h.StartAddress != 0x00002000 {
		t.Errorf("start = 0x%08x, want 0x00002000", h.StartAddress)
	}
	if h.EndAddress != 0x00002000+1024 {
		t.Errorf("end = 0x%08x, want 0x%08x", h.EndAddress, 0x00002000+1024)
	}
	if h.Checksum != Checksum(image) {
		t.Errorf("checksum mismatch")
	}
}

func TestWriteFlash_ChunksAtBoundary(t *testing.T) {
	fb := &fakeBus{}
	dev := New(fb, frame.ID(5))

	image := bytes.Repeat([]byte{0xAB}, chunkSize+1) // one full chunk plus one byte
	var progressCalls []int
	err := dev.WriteFlash(context.Background(), image, 0x1000, func(written, total int) {
		progressCalls = append(progressCalls, written)
	})
	if err != nil {
		t.Fatalf("WriteFlash: %v", err)
	}
	if len(fb.commands) != 2 {
		t.Fatalf("chunks sent = %d, want 2", len(fb.commands))
	}
	for _, cmd := range fb.cmds {
		if cmd != uint16(CmdWriteFlash) {
			t.Errorf("command = 0x%04x, want CmdWriteFlash", cmd)
		}
	}
	first := fb.commands[0]
	if binary.BigEndian.Uint16(first[0:2]) != chunkSize {
		t.Errorf("first chunk length = %d, want %d", binary.BigEndian.Uint16(first[0:2]), chunkSize)
	}
	if binary.BigEndian.Uint32(first[2:6]) != 0x1000 {
		t.Errorf("first chunk address = 0x%x, want 0x1000", binary.BigEndian.Uint32(first[2:6]))
	}
	second := fb.commands[1]
	if binary.BigEndian.Uint16(second[0:2]) != 1 {
		t.Errorf("second chunk length = %d, want 1", binary.BigEndian.Uint16(second[0:2]))
	}
	if binary.BigEndian.Uint32(second[2:6]) != 0x1000+chunkSize {
		t.Errorf("second chunk address = 0x%x, want 0x%x", binary.BigEndian.Uint32(second[2:6]), 0x1000+chunkSize)
	}
	if len(progressCalls) != 2 || progressCalls[1] != len(image) {
		t.Fatalf("progress calls = %v, want final call at %d", progressCalls, len(image))
	}
}

func TestLaunch(t *testing.T) {
	fb := &fakeBus{}
	dev := New(fb, frame.ID(5))
	if err := dev.Launch(context.Background()); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if len(fb.cmds) != 1 || fb.cmds[0] != uint16(CmdLaunch) {
		t.Fatalf("cmds = %v, want [CmdLaunch]", fb.cmds)
	}
}

// A well-formed reply whose status byte reports rejection must surface as
// an error, not be treated as success — the device can answer with a
// well-formed message and still reject at the payload layer.
func TestWriteFlash_StatusRejected(t *testing.T) {
	fb := &fakeBus{rejectAt: 1, hasReject: true} // reject the second chunk
	dev := New(fb, frame.ID(5))

	image := bytes.Repeat([]byte{0xAB}, chunkSize+1)
	err := dev.WriteFlash(context.Background(), image, 0x1000, nil)
	if !errors.Is(err, ErrFlashRejected) {
		t.Fatalf("err = %v, want ErrFlashRejected", err)
	}
	if len(fb.commands) != 2 {
		t.Fatalf("chunks sent before stopping = %d, want 2", len(fb.commands))
	}
}

func TestLaunch_StatusRejected(t *testing.T) {
	fb := &fakeBus{rejectAt: 0, hasReject: true}
	dev := New(fb, frame.ID(5))

	err := dev.Launch(context.Background())
	if !errors.Is(err, ErrFlashRejected) {
		t.Fatalf("err = %v, want ErrFlashRejected", err)
	}
}
