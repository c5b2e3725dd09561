package vad

import "time"

// SilenceTimeout watches VAD decisions during a listening episode and fires
// exactly once when continuous non-speech lasts for the configured duration
// after at least one speech interval has started. Before the first
// EventSpeechStart, silence never triggers: the customer may simply not have
// begun speaking yet.
//
// Time is accounted in frame durations rather than wall clock so behavior is
// deterministic under uneven network delivery.
type SilenceTimeout struct {
	timeout time.Duration

	armed   bool
	fired   bool
	silence time.Duration
}

func NewSilenceTimeout(timeout time.Duration) *SilenceTimeout {
	if timeout <= 0 {
		timeout = 2000 * time.Millisecond
	}
	return &SilenceTimeout{timeout: timeout}
}

// Observe consumes one frame decision and reports whether the auto-stop
// signal fires on this frame. It fires at most once per episode.
func (d *SilenceTimeout) Observe(dec Decision, frameDuration time.Duration) bool {
	if dec.Event == EventSpeechStart {
		d.armed = true
	}
	if !d.armed || d.fired {
		return false
	}

	if dec.IsSpeech {
		d.silence = 0
		return false
	}

	d.silence += frameDuration
	if d.silence >= d.timeout {
		d.fired = true
		return true
	}
	return false
}

// Fired reports whether the detector already fired this episode.
func (d *SilenceTimeout) Fired() bool { return d.fired }

// Reset rearms the detector for the next listening episode.
func (d *SilenceTimeout) Reset() {
	d.armed = false
	d.fired = false
	d.silence = 0
}
