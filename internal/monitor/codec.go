package monitor

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kstaniek/foconctl/internal/frame"
)

// encode serializes t as: direction(1) | dropped(1) | length(2) BE | packed frame.
// It is a one-directional stream format; there is no decoder in this
// package because the monitor tap is server-to-client only.
func encode(t Tapped) ([]byte, error) {
	raw, err := frame.Pack(t.Frame)
	if err != nil {
		return nil, fmt.Errorf("monitor: pack tapped frame: %w", err)
	}
	out := make([]byte, 0, 4+len(raw))
	out = append(out, byte(t.Direction))
	dropped := byte(0)
	if t.Dropped {
		dropped = 1
	}
	out = append(out, dropped)
	out = binary.BigEndian.AppendUint16(out, uint16(len(raw)))
	out = append(out, raw...)
	return out, nil
}

// encodeTo writes the encoded record of each tapped frame in batch to w,
// one Write per record, and returns the total bytes written.
func encodeTo(w io.Writer, batch []Tapped) (int, error) {
	total := 0
	for _, t := range batch {
		b, err := encode(t)
		if err != nil {
			return total, err
		}
		n, err := w.Write(b)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
