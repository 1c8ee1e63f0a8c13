package envutil

import (
	"testing"
	"time"
)

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"1":     true,
		"true":  true,
		"TRUE":  true,
		"yes":   true,
		"on":    true,
		"false": false,
		"0":     false,
		"":      false,
	}
	for input, want := range cases {
		if got := ParseBool(input); got != want {
			t.Fatalf("ParseBool(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestIntFallback(t *testing.T) {
	t.Setenv("REDLINE_TEST_INT", "12")
	if got := Int("REDLINE_TEST_INT", 5); got != 12 {
		t.Fatalf("Int = %d, want 12", got)
	}
	t.Setenv("REDLINE_TEST_INT", "not-a-number")
	if got := Int("REDLINE_TEST_INT", 5); got != 5 {
		t.Fatalf("Int fallback = %d, want 5", got)
	}
	if got := Int("REDLINE_TEST_INT_UNSET", 7); got != 7 {
		t.Fatalf("Int unset = %d, want 7", got)
	}
}

func TestDurationFallback(t *testing.T) {
	t.Setenv("REDLINE_TEST_DURATION", "250ms")
	if got := Duration("REDLINE_TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Fatalf("Duration = %v, want 250ms", got)
	}
	t.Setenv("REDLINE_TEST_DURATION", "soon")
	if got := Duration("REDLINE_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("Duration fallback = %v, want 1s", got)
	}
}
