package util

import (
	"testing"
	"time"
)

func TestManualClockFiresOnAdvance(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	ch := c.After(time.Second)

	c.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(time.Unix(1, 0)) {
			t.Fatalf("fired at %v", got)
		}
	default:
		t.Fatal("did not fire")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "debug", "WARN": "warn", "bogus": "info", "": "info"}
	for in, want := range cases {
		if got := ParseLevel(in).String(); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
