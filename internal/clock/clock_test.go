package clock

import (
	"testing"
	"time"
)

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	fake := NewFake(start)
	ticker := fake.NewTicker(time.Minute)

	fake.Advance(30 * time.Second)
	select {
	case <-ticker.C():
		t.Fatalf("ticker fired before interval elapsed")
	default:
	}

	fake.Advance(30 * time.Second)
	select {
	case got := <-ticker.C():
		if !got.Equal(start.Add(time.Minute)) {
			t.Fatalf("unexpected tick time %v", got)
		}
	default:
		t.Fatalf("expected tick after one minute")
	}

	ticker.Stop()
	fake.Advance(time.Hour)
	select {
	case <-ticker.C():
		t.Fatalf("stopped ticker fired")
	default:
	}
}
