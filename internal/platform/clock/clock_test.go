package clock

import (
	"testing"
	"time"
)

func TestManualClockAdvance(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	if !c.Now().Equal(start) {
		t.Fatalf("unexpected start: %s", c.Now())
	}
	got := c.Advance(179 * time.Second)
	if want := start.Add(179 * time.Second); !got.Equal(want) || !c.Now().Equal(want) {
		t.Fatalf("advance: got=%s want=%s", got, want)
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Fatalf("set did not rewind: %s", c.Now())
	}
}

func TestRealClockIsUTC(t *testing.T) {
	if loc := (RealClock{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got=%s", loc)
	}
}
