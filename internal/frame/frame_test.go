package frame

import (
	"bytes"
	"errors"
	"testing"
)

func hexBytes(t *testing.T, s string) []byte {
	t.Helper()
	var out []byte
	var hi, lo int8
	have := false
	for _, c := range s {
		if c == ' ' {
			continue
		}
		v := int8(-1)
		switch {
		case c >= '0' && c <= '9':
			v = int8(c - '0')
		case c >= 'a' && c <= 'f':
			v = int8(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int8(c-'A') + 10
		default:
			t.Fatalf("bad hex char %q", c)
		}
		if !have {
			hi = v
			have = true
			continue
		}
		lo = v
		out = append(out, byte(hi)<<4|byte(lo))
		have = false
	}
	if have {
		t.Fatalf("odd number of hex digits in %q", s)
	}
	return out
}

// S1 from the testable-properties scenarios: a one-fragment broadcast
// boot-info response from station 0.
func TestUnpack_S1_BootInfoResponse(t *testing.T) {
	in := hexBytes(t, "ff ff ff 01 49 2a 01 01 00 12 49 30 00 00 49 30 00 08 00 41 46 41 31 30 31 31 33 30 8c 03 ff")
	f, rest, err := Unpack(in)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing bytes, got %d", len(rest))
	}
	if f.Src != 0 {
		t.Errorf("src = %v, want 0", f.Src)
	}
	if f.Dest != Broadcast {
		t.Errorf("dest = %v, want broadcast", f.Dest)
	}
	if f.Num != 1 || f.Total != 1 {
		t.Errorf("num/total = %d/%d, want 1/1", f.Num, f.Total)
	}
	wantPayload := hexBytes(t, "49 30 00 00 49 30 00 08 00 41 46 41 31 30 31 31 33 30")
	if !bytes.Equal(f.Payload, wantPayload) {
		t.Errorf("payload = % x, want % x", f.Payload, wantPayload)
	}
}

// S2: an invalid preamble byte must surface ErrInvalidPreamble so the bus
// can discard the buffer and resynchronize, not ErrNeedMore.
func TestUnpack_S2_InvalidPreamble(t *testing.T) {
	in := hexBytes(t, "ee ff ff ff 01 49 2a 00 00 00 00 e1 7a ff")
	_, _, err := Unpack(in)
	if !errors.Is(err, ErrInvalidPreamble) {
		t.Fatalf("err = %v, want ErrInvalidPreamble", err)
	}
}

// S6: a known-good empty-payload broadcast frame (total=1, num=1) from peer 0
// checksums cleanly, and flipping the low CRC bit breaks it.
func TestUnpack_S6_CRCCheck(t *testing.T) {
	good := hexBytes(t, "ff ff ff 01 49 2a 01 01 00 00 a6 a8 ff")
	f, rest, err := Unpack(good)
	if err != nil {
		t.Fatalf("unpack good frame: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("trailing bytes: %d", len(rest))
	}
	if f.Num != 1 || f.Total != 1 || len(f.Payload) != 0 {
		t.Errorf("num/total/len = %d/%d/%d, want 1/1/0", f.Num, f.Total, len(f.Payload))
	}

	bad := append([]byte{}, good...)
	bad[len(bad)-2] ^= 0x01 // flip low bit of the CRC's low byte
	_, _, err = Unpack(bad)
	if !errors.Is(err, ErrBadChecksum) {
		t.Fatalf("err = %v, want ErrBadChecksum", err)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []Frame{
		{Src: 0, Dest: Broadcast, Num: 0, Total: 0, Payload: nil},
		{Src: 3, Dest: 14, Num: 1, Total: 2, Payload: []byte("hello")},
		{Src: Broadcast, Dest: 15, Num: 5, Total: 5, Payload: make([]byte, MaxPayload)},
	}
	for i, c := range cases {
		raw, err := Pack(c)
		if err != nil {
			t.Fatalf("case %d: pack: %v", i, err)
		}
		got, rest, err := Unpack(raw)
		if err != nil {
			t.Fatalf("case %d: unpack: %v", i, err)
		}
		if len(rest) != 0 {
			t.Fatalf("case %d: trailing bytes: %d", i, len(rest))
		}
		if got.Src != c.Src || got.Dest != c.Dest || got.Num != c.Num || got.Total != c.Total {
			t.Fatalf("case %d: header mismatch: got %+v want %+v", i, got, c)
		}
		if !bytes.Equal(got.Payload, c.Payload) {
			t.Fatalf("case %d: payload mismatch", i)
		}
	}
}

func TestUnpack_NeedMore(t *testing.T) {
	cases := [][]byte{
		nil,
		hexBytes(t, "ff ff ff"),
		hexBytes(t, "ff ff ff 01 49 2a 01 01 00 12"),
	}
	for i, c := range cases {
		_, _, err := Unpack(c)
		if !errors.Is(err, ErrNeedMore) {
			t.Fatalf("case %d: err = %v, want ErrNeedMore", i, err)
		}
	}
}

func TestUnpack_InvalidAddress(t *testing.T) {
	// 'z' (0x7a) is not in the id alphabet and is not '*'.
	in := hexBytes(t, "ff ff ff 01 7a 2a 00 00 00 00 00 00 ff")
	_, _, err := Unpack(in)
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("err = %v, want ErrInvalidAddress", err)
	}
}

func TestUnpack_InvalidPostamble(t *testing.T) {
	good := hexBytes(t, "ff ff ff 01 49 2a 01 01 00 00 a6 a8 ff")
	bad := append([]byte{}, good...)
	bad[len(bad)-1] = 0x00
	_, _, err := Unpack(bad)
	if !errors.Is(err, ErrInvalidPostamble) {
		t.Fatalf("err = %v, want ErrInvalidPostamble", err)
	}
}

func TestPack_InvalidID(t *testing.T) {
	_, err := Pack(Frame{Src: 99, Dest: Broadcast})
	if !errors.Is(err, ErrInvalidID) {
		t.Fatalf("err = %v, want ErrInvalidID", err)
	}
}
