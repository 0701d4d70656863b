package timeutil

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRealClock(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	if now.Before(before) {
		t.Errorf("Now() = %v, before %v", now, before)
	}
	if d := clock.Since(now.Add(-time.Second)); d < time.Second {
		t.Errorf("Since() = %v, want >= 1s", d)
	}

	ticker := clock.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_SetAndSince(t *testing.T) {
	clock := NewMockClock(epoch)
	if !clock.Now().Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", clock.Now(), epoch)
	}
	clock.Set(epoch.Add(time.Minute))
	if d := clock.Since(epoch); d != time.Minute {
		t.Errorf("Since() = %v, want 1m", d)
	}
}

func TestMockTicker_FiresOnAdvance(t *testing.T) {
	clock := NewMockClock(epoch)
	ticker := clock.NewTicker(16 * time.Millisecond)

	select {
	case <-clock.TickerCreated():
	default:
		t.Fatal("TickerCreated should signal after NewTicker")
	}

	clock.Advance(10 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired before its interval")
	default:
	}

	clock.Advance(6 * time.Millisecond)
	select {
	case got := <-ticker.C():
		if want := epoch.Add(16 * time.Millisecond); !got.Equal(want) {
			t.Errorf("tick time = %v, want %v", got, want)
		}
	default:
		t.Fatal("ticker should have fired")
	}
}

func TestMockTicker_StopAndTrigger(t *testing.T) {
	clock := NewMockClock(epoch)
	ticker := clock.NewTicker(time.Millisecond).(*MockTicker)
	ticker.Stop()

	clock.Advance(10 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}

	ticker.Trigger(epoch)
	ticker.Trigger(epoch) // dropped, channel full
	<-ticker.C()
	select {
	case <-ticker.C():
		t.Fatal("second trigger should have been dropped")
	default:
	}
}
