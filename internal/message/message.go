// Package message implements the command envelope carried inside one or
// more reassembled frame payloads, and the request/response correlation
// layer (MessageBus) built on top of a bus.Bus.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/foconctl/internal/frame"
)

// ErrInvalidID reports a source or destination ID with no ASCII token.
var ErrInvalidID = errors.New("message: invalid id")

// ErrInvalidAddress reports an address token that doesn't decode to an ID.
var ErrInvalidAddress = errors.New("message: invalid address")

// ErrTrailingData reports bytes left over after a message's declared payload.
var ErrTrailingData = errors.New("message: trailing data")

// Message is the application-level command envelope: source, destination,
// a 16-bit command code, and an opaque payload. It is an immutable value.
type Message struct {
	Src     frame.ID
	Dest    frame.ID
	Command uint16
	Payload []byte
}

// addrToken returns the two-byte ASCII address token for id: "I0".."If" or "I*".
func addrToken(id frame.ID) ([2]byte, error) {
	if id == frame.Broadcast {
		return [2]byte{'I', '*'}, nil
	}
	if id < 0 || id > 15 {
		return [2]byte{}, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	const hexDigits = "0123456789abcdef"
	return [2]byte{'I', hexDigits[id]}, nil
}

// idFromToken reverses addrToken; ok is false if tok is not a valid address.
func idFromToken(tok [2]byte) (frame.ID, bool) {
	if tok[0] != 'I' {
		return 0, false
	}
	if tok[1] == '*' {
		return frame.Broadcast, true
	}
	for i := frame.ID(0); i <= 15; i++ {
		t, _ := addrToken(i)
		if t == tok {
			return i, true
		}
	}
	return 0, false
}

// Pack encodes m to its wire representation:
//
//	src(2) ASCII | 0x0000 | dest(2) ASCII | length(2) BE | command(2) BE | payload
func Pack(m Message) ([]byte, error) {
	src, err := addrToken(m.Src)
	if err != nil {
		return nil, fmt.Errorf("pack source: %w", err)
	}
	dest, err := addrToken(m.Dest)
	if err != nil {
		return nil, fmt.Errorf("pack destination: %w", err)
	}
	out := make([]byte, 0, 10+len(m.Payload))
	out = append(out, src[:]...)
	out = binary.BigEndian.AppendUint16(out, 0)
	out = append(out, dest[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(m.Payload)))
	out = binary.BigEndian.AppendUint16(out, m.Command)
	out = append(out, m.Payload...)
	return out, nil
}

// Unpack decodes a Message from data, failing if trailing bytes remain
// after the declared payload length or if either address token is unmapped.
func Unpack(data []byte) (Message, error) {
	if len(data) < 10 {
		return Message{}, fmt.Errorf("message: short envelope (%d bytes)", len(data))
	}
	var srcTok, destTok [2]byte
	copy(srcTok[:], data[0:2])
	copy(destTok[:], data[4:6])
	length := binary.BigEndian.Uint16(data[6:8])
	cmd := binary.BigEndian.Uint16(data[8:10])

	src, ok := idFromToken(srcTok)
	if !ok {
		return Message{}, fmt.Errorf("%w: source token %q", ErrInvalidAddress, srcTok)
	}
	dest, ok := idFromToken(destTok)
	if !ok {
		return Message{}, fmt.Errorf("%w: destination token %q", ErrInvalidAddress, destTok)
	}

	rest := data[10:]
	if len(rest) < int(length) {
		return Message{}, fmt.Errorf("message: declared payload %d exceeds available %d bytes", length, len(rest))
	}
	payload := rest[:length]
	if len(rest) > int(length) {
		return Message{}, fmt.Errorf("%w: %d extra byte(s)", ErrTrailingData, len(rest)-int(length))
	}
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)
	return Message{Src: src, Dest: dest, Command: cmd, Payload: payloadCopy}, nil
}

func (m Message) String() string {
	return fmt.Sprintf("message{%s->%s cmd=0x%04x len=%d}", m.Src, m.Dest, m.Command, len(m.Payload))
}
