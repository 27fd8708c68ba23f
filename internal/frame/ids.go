package frame

import "fmt"

// ID identifies one of the 16 addressable bus peers, or Broadcast for the
// wildcard slot that matches both as a source and as a destination.
type ID int8

// Broadcast is the wildcard peer ID; it maps to the '*' byte on the wire.
const Broadcast ID = -1

// idAlphabet is the bit-exact byte sequence backing IDs 0..15.
const idAlphabet = "IJKLMNOpqrstuvwx"

// ErrInvalidID reports a source or destination ID outside the mapped set.
var ErrInvalidID = fmt.Errorf("frame: invalid id")

// byteForID returns the wire byte for id, or an error if id is out of range.
func byteForID(id ID) (byte, error) {
	if id == Broadcast {
		return '*', nil
	}
	if id < 0 || int(id) >= len(idAlphabet) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	return idAlphabet[id], nil
}

// idForByte reverse-looks-up a wire byte into an ID; ok is false on miss.
func idForByte(b byte) (ID, bool) {
	if b == '*' {
		return Broadcast, true
	}
	for i := 0; i < len(idAlphabet); i++ {
		if idAlphabet[i] == b {
			return ID(i), true
		}
	}
	return 0, false
}

func (id ID) String() string {
	if id == Broadcast {
		return "*"
	}
	return fmt.Sprintf("%d", int(id))
}
