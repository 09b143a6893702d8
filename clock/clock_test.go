package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	if !f.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", f.Now(), start)
	}
	f.Advance(time.Hour)
	want := start.Add(time.Hour)
	if !f.Now().Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", f.Now(), want)
	}
}

func TestFakeSet(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	target := time.Unix(1000, 0)
	f.Set(target)
	if !f.Now().Equal(target) {
		t.Fatalf("Now() = %v, want %v", f.Now(), target)
	}
}
