package main

import (
	"testing"

	"github.com/kstaniek/foconctl/internal/frame"
)

func TestParsePollIDs(t *testing.T) {
	ids, err := parsePollIDs(" 0, 3 ,15")
	if err != nil {
		t.Fatalf("parsePollIDs: %v", err)
	}
	want := []frame.ID{0, 3, 15}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids[%d] = %v, want %v", i, ids[i], want[i])
		}
	}
}

func TestParsePollIDs_Empty(t *testing.T) {
	ids, err := parsePollIDs("")
	if err != nil {
		t.Fatalf("parsePollIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("ids = %v, want empty", ids)
	}
}

func TestParsePollIDs_InvalidEntry(t *testing.T) {
	if _, err := parsePollIDs("0,bogus,3"); err == nil {
		t.Fatal("expected an error for a non-numeric id")
	}
}
