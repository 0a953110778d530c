package recovery

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	prev := time.Duration(0)
	for attempt, w := range want {
		got := b.Delay(attempt)
		if got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
		if got < prev {
			t.Errorf("Delay(%d) = %v decreased from %v", attempt, got, prev)
		}
		prev = got
	}
	if b.Delay(1000) != 60*time.Second {
		t.Errorf("huge attempt not capped: %v", b.Delay(1000))
	}
}
