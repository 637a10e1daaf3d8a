package clock

import (
	"testing"
	"time"
)

func TestMockClock(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	if !c.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", c.Now(), start)
	}

	c.Advance(90 * time.Second)
	if got := c.Since(start); got != 90*time.Second {
		t.Errorf("Since() = %v, want 90s", got)
	}

	later := start.Add(time.Hour)
	c.Set(later)
	if !c.Now().Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", c.Now(), later)
	}
}

func TestOrReal(t *testing.T) {
	if _, ok := OrReal(nil).(RealClock); !ok {
		t.Error("OrReal(nil) should return RealClock")
	}
	mc := NewMockClock(time.Unix(0, 0))
	if OrReal(mc) != Clock(mc) {
		t.Error("OrReal should pass through a non-nil clock")
	}
}

func TestRealClock(t *testing.T) {
	var c Clock = RealClock{}
	before := time.Now()
	now := c.Now()
	if now.Before(before) {
		t.Error("RealClock.Now went backwards")
	}
	if c.Since(before) < 0 {
		t.Error("RealClock.Since negative")
	}
	if Since(before) < 0 || Now().Before(before) {
		t.Error("package helpers disagree with RealClock")
	}
}
