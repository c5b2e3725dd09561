package vad

import (
	"testing"
	"time"
)

func testBargeInParams() BargeInParams {
	return BargeInParams{
		GuardWindow: 120 * time.Millisecond,
		StrongProb:  0.90,
		StrongHold:  120 * time.Millisecond,
		WeakProb:    0.80,
		WeakHold:    200 * time.Millisecond,
	}
}

func TestBargeInGuardWindowSuppresses(t *testing.T) {
	d := NewBargeIn(testBargeInParams())
	// Frames 1-3 land at 32/64/96ms, inside the 120ms guard; even prob 1.0
	// must not fire and must not count toward the hold.
	for i := 0; i < 3; i++ {
		if d.Observe(1.0, frameDur) {
			t.Fatalf("fired inside guard window at frame %d", i)
		}
	}
	// Frames 4-6 are past guard but only accumulate 96ms of strong run.
	for i := 0; i < 3; i++ {
		if d.Observe(1.0, frameDur) {
			t.Fatalf("fired before strong hold satisfied")
		}
	}
	// Frame 7 brings strong run to 128ms >= 120ms.
	if !d.Observe(1.0, frameDur) {
		t.Fatalf("expected strong-condition fire")
	}
}

func TestBargeInStrongCondition130ms(t *testing.T) {
	d := NewBargeIn(testBargeInParams())
	// Burn through the guard window with silence.
	for i := 0; i < 4; i++ {
		d.Observe(0.0, frameDur)
	}
	// 0.95 sustained: fires on the 4th frame (128ms >= 120ms).
	fired := false
	for i := 0; i < 5; i++ {
		if d.Observe(0.95, frameDur) {
			fired = true
			if i != 3 {
				t.Fatalf("fired at frame %d, want frame 3", i)
			}
			break
		}
	}
	if !fired {
		t.Fatalf("strong condition never fired")
	}
}

func TestBargeInWeakCondition(t *testing.T) {
	d := NewBargeIn(testBargeInParams())
	for i := 0; i < 4; i++ {
		d.Observe(0.0, frameDur)
	}
	// 0.85 is below strong but above weak; needs 200ms = 7 frames (224ms).
	for i := 0; i < 6; i++ {
		if d.Observe(0.85, frameDur) {
			t.Fatalf("weak condition fired early at frame %d", i)
		}
	}
	if !d.Observe(0.85, frameDur) {
		t.Fatalf("weak condition should fire at 224ms")
	}
}

func TestBargeInSubFloorFrameResetsRun(t *testing.T) {
	d := NewBargeIn(testBargeInParams())
	for i := 0; i < 4; i++ {
		d.Observe(0.0, frameDur)
	}
	// 3 strong frames (96ms), one dropout, then the run must restart from
	// zero, not resume at 96ms.
	for i := 0; i < 3; i++ {
		d.Observe(0.95, frameDur)
	}
	d.Observe(0.10, frameDur)
	for i := 0; i < 3; i++ {
		if d.Observe(0.95, frameDur) {
			t.Fatalf("run resumed instead of restarting, fired at frame %d", i)
		}
	}
	if !d.Observe(0.95, frameDur) {
		t.Fatalf("expected fire after a fresh 4-frame run")
	}
}

func TestBargeInFiresAtMostOncePerEpisode(t *testing.T) {
	d := NewBargeIn(testBargeInParams())
	fired := 0
	for i := 0; i < 40; i++ {
		if d.Observe(1.0, frameDur) {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("fired %d times in one episode, want 1", fired)
	}

	d.Reset()
	for i := 0; i < 40; i++ {
		if d.Observe(1.0, frameDur) {
			fired++
		}
	}
	if fired != 2 {
		t.Fatalf("detector should fire once per episode after Reset, total %d", fired)
	}
}

func TestBargeInNoFireOnQuietPlayback(t *testing.T) {
	d := NewBargeIn(testBargeInParams())
	for i := 0; i < 100; i++ {
		if d.Observe(0.75, frameDur) {
			t.Fatalf("fired below weak floor")
		}
	}
}
