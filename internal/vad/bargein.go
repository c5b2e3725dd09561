package vad

import "time"

// BargeInParams tunes interrupt detection during response playback.
//
// The two-tier threshold trades latency against false positives: a single low
// threshold lets background noise and TTS leakage cut the agent off, while a
// single high threshold with a long hold makes genuine interruptions feel
// sluggish.
type BargeInParams struct {
	// GuardWindow is ignored entirely after playback starts, suppressing
	// acoustic feedback from the agent's own voice.
	GuardWindow time.Duration
	// StrongProb/StrongHold: high-confidence speech sustained briefly.
	StrongProb float64
	StrongHold time.Duration
	// WeakProb/WeakHold: moderate-confidence speech sustained longer.
	WeakProb float64
	WeakHold time.Duration
}

// BargeIn detects the customer interrupting response playback. Active only
// while the session is responding; Reset must be called when playback starts.
type BargeIn struct {
	params BargeInParams

	elapsed   time.Duration
	strongRun time.Duration
	weakRun   time.Duration
	fired     bool
}

func NewBargeIn(params BargeInParams) *BargeIn {
	if params.GuardWindow <= 0 {
		params.GuardWindow = 120 * time.Millisecond
	}
	if params.StrongProb <= 0 {
		params.StrongProb = 0.90
	}
	if params.StrongHold <= 0 {
		params.StrongHold = 120 * time.Millisecond
	}
	if params.WeakProb <= 0 {
		params.WeakProb = 0.80
	}
	if params.WeakHold <= 0 {
		params.WeakHold = 200 * time.Millisecond
	}
	return &BargeIn{params: params}
}

// Observe consumes one frame's speech probability and reports whether the
// interrupt fires on this frame. Fires at most once per responding episode.
//
// "Sustained continuously" is strict: any frame below a condition's floor
// zeroes that condition's run, it never resumes from the prior accumulation.
func (d *BargeIn) Observe(prob float64, frameDuration time.Duration) bool {
	if d.fired {
		return false
	}

	d.elapsed += frameDuration
	if d.elapsed <= d.params.GuardWindow {
		return false
	}

	if prob >= d.params.StrongProb {
		d.strongRun += frameDuration
	} else {
		d.strongRun = 0
	}
	if prob >= d.params.WeakProb {
		d.weakRun += frameDuration
	} else {
		d.weakRun = 0
	}

	if d.strongRun >= d.params.StrongHold || d.weakRun >= d.params.WeakHold {
		d.fired = true
		return true
	}
	return false
}

// Fired reports whether the interrupt already fired this episode.
func (d *BargeIn) Fired() bool { return d.fired }

// Reset restarts the guard window; call when response playback begins.
func (d *BargeIn) Reset() {
	d.elapsed = 0
	d.strongRun = 0
	d.weakRun = 0
	d.fired = false
}
