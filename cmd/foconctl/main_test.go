package main

import "testing"

func TestExtractPort(t *testing.T) {
	cases := map[string]int{
		"127.0.0.1:20100": 20100,
		"[::1]:9100":      9100,
		":8080":           8080,
		"garbage":         0,
	}
	for addr, want := range cases {
		if got := extractPort(addr); got != want {
			t.Errorf("extractPort(%q) = %d, want %d", addr, got, want)
		}
	}
}
