package serialport

import (
	"testing"
	"time"
)

func TestSettleFor_ProportionalToSize(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{n: 0, want: minSettleDelay},
		{n: 4, want: minSettleDelay}, // a handful of control bytes still floors at the minimum
		{n: 512, want: 512 * settlePerByte},
	}
	for _, c := range cases {
		if got := settleFor(c.n); got != c.want {
			t.Errorf("settleFor(%d) = %v, want %v", c.n, got, c.want)
		}
	}
}

func TestSettleFor_LargeFragmentFarExceedsFlatDelay(t *testing.T) {
	// A 512-byte fragment must settle for far longer than the old flat
	// 2ms delay — otherwise the UART FIFO is still draining when the bus
	// turns around to read the peer's ACK.
	const flatDelay = 2 * time.Millisecond
	if got := settleFor(512); got <= flatDelay {
		t.Fatalf("settleFor(512) = %v, want more than the flat %v delay it replaces", got, flatDelay)
	}
}
