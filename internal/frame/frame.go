// Package frame implements the bit-exact binary frame layer: encoding and
// decoding of Frame values to and from the wire, CRC-16 verification, and
// the 16-address (plus broadcast) ID alphabet. It is pure — no I/O, no
// state beyond the values passed in.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/foconctl/internal/crc16"
)

// Preamble and postamble bytes bracketing a frame on the wire.
var (
	preamble  = [4]byte{0xFF, 0xFF, 0xFF, 0x01}
	postamble = byte(0xFF)
)

// crcInit is the initial CRC register value for frame checksums.
const crcInit = 0xFFFF

// MaxPayload is the largest payload a single frame may carry.
const MaxPayload = 512

// Sentinel errors for the structural decode failures named in spec §7.
var (
	// ErrNeedMore signals the buffer holds a partial frame; the caller must
	// read more bytes and retry. It is a control value, not a failure.
	ErrNeedMore         = errors.New("frame: need more data")
	ErrInvalidPreamble  = errors.New("frame: invalid preamble")
	ErrInvalidPostamble = errors.New("frame: invalid postamble")
	ErrBadChecksum      = errors.New("frame: bad checksum")
	ErrInvalidAddress   = errors.New("frame: invalid address")
)

// Frame is one unit on the wire, preamble to postamble inclusive. It is an
// immutable value; construct a new one rather than mutating in place.
type Frame struct {
	Src     ID
	Dest    ID
	Num     uint8
	Total   uint8
	Payload []byte
}

// IsControl reports whether f is a control frame (num=0, total=0).
func (f Frame) IsControl() bool { return f.Num == 0 && f.Total == 0 }

// IsAck reports the ACK overlay: empty payload, total>0. It never holds for
// a control frame (total==0). ACK and REQ/NAK are wire-identical; see Design
// Notes in SPEC_FULL.md — callers must not classify by content alone, only
// by role context.
func (f Frame) IsAck() bool { return len(f.Payload) == 0 && f.Total > 0 }

// IsNak reports the NAK overlay on a control frame: empty payload, total==0.
func (f Frame) IsNak() bool { return len(f.Payload) == 0 && f.Total == 0 }

func (f Frame) String() string {
	return fmt.Sprintf("frame{%s->%s #%d/%d len=%d}", f.Src, f.Dest, f.Num, f.Total, len(f.Payload))
}

// Pack encodes f to its wire representation.
//
//	PREAMBLE(4) | src(1) | dest(1) | total(1) | num(1) | length(2) | payload | crc(2) | POSTAMBLE(1)
//
// CRC covers everything between the preamble and the CRC field.
func Pack(f Frame) ([]byte, error) {
	src, err := byteForID(f.Src)
	if err != nil {
		return nil, fmt.Errorf("pack source: %w", err)
	}
	dest, err := byteForID(f.Dest)
	if err != nil {
		return nil, fmt.Errorf("pack destination: %w", err)
	}

	body := make([]byte, 0, 6+len(f.Payload))
	body = append(body, src, dest, f.Total, f.Num)
	body = binary.BigEndian.AppendUint16(body, uint16(len(f.Payload)))
	body = append(body, f.Payload...)

	crc := crc16.Checksum(body, crcInit)

	out := make([]byte, 0, len(preamble)+len(body)+2+1)
	out = append(out, preamble[:]...)
	out = append(out, body...)
	out = binary.BigEndian.AppendUint16(out, crc)
	out = append(out, postamble)
	return out, nil
}

// Unpack decodes one frame from the front of buf and returns it along with
// any bytes beyond its postamble. It returns ErrNeedMore if buf holds only a
// partial frame, or one of the structural errors above on malformed input.
func Unpack(buf []byte) (Frame, []byte, error) {
	// Consume leading 0xFF bytes until the fourth preamble byte (0x01).
	i := 0
	for i < len(buf) && buf[i] == 0xFF {
		i++
	}
	if i == len(buf) {
		return Frame{}, nil, ErrNeedMore
	}
	if buf[i] != 0x01 {
		return Frame{}, nil, ErrInvalidPreamble
	}
	data := buf[i+1:]

	const headerLen = 6 // src,dest,total,num,len(2)
	if len(data) < headerLen {
		return Frame{}, nil, ErrNeedMore
	}

	srcByte, destByte := data[0], data[1]
	total, num := data[2], data[3]
	length := binary.BigEndian.Uint16(data[4:6])

	src, ok := idForByte(srcByte)
	if !ok {
		return Frame{}, nil, fmt.Errorf("%w: source byte 0x%02x", ErrInvalidAddress, srcByte)
	}
	dest, ok := idForByte(destByte)
	if !ok {
		return Frame{}, nil, fmt.Errorf("%w: destination byte 0x%02x", ErrInvalidAddress, destByte)
	}

	need := headerLen + int(length) + 2 + 1 // header + payload + crc + postamble
	if len(data) < need {
		return Frame{}, nil, ErrNeedMore
	}

	covered := data[:headerLen+int(length)]
	payload := data[headerLen : headerLen+int(length)]
	gotCRC := binary.BigEndian.Uint16(data[headerLen+int(length) : headerLen+int(length)+2])
	wantCRC := crc16.Checksum(covered, crcInit)
	if gotCRC != wantCRC {
		return Frame{}, nil, fmt.Errorf("%w: got 0x%04x want 0x%04x", ErrBadChecksum, gotCRC, wantCRC)
	}

	if data[headerLen+int(length)+2] != postamble {
		return Frame{}, nil, ErrInvalidPostamble
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	f := Frame{Src: src, Dest: dest, Num: num, Total: total, Payload: payloadCopy}
	rest := data[need:]
	return f, rest, nil
}
