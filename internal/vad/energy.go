package vad

import "math"

// EnergySource maps root-mean-square frame energy onto a speech probability.
// It is a heuristic stand-in for a model-backed source; the hysteresis layer
// above it does not care which one it runs on. Safe for concurrent use.
type EnergySource struct {
	// Reference is the RMS level mapped to probability 0.5. Typical close-mic
	// speech at int16 scale sits well above 2000.
	Reference float64
}

func NewEnergySource(reference float64) *EnergySource {
	if reference <= 0 {
		reference = 2500
	}
	return &EnergySource{Reference: reference}
}

func (s *EnergySource) SpeechProb(frame []int16) (float64, error) {
	if len(frame) == 0 {
		return 0, nil
	}
	var sum float64
	for _, sample := range frame {
		f := float64(sample)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(frame)))

	// Smooth monotonic mapping: 0 at silence, 0.5 at the reference level,
	// asymptotically 1 for loud sustained speech.
	return rms / (rms + s.Reference), nil
}
