package audio

import (
	"log"
	"time"
)

// Framer converts incoming PCM at an arbitrary source rate into fixed-size
// mono frames at the target processing rate, resampling with linear
// interpolation. Leftover samples that do not yet fill a whole frame carry
// across calls, as do the resampler's fractional phase and last source
// sample, so chunk boundaries do not shift the output stream.
type Framer struct {
	targetRate   int
	frameSamples int
	pending      []int16

	srcRate int
	phase   float64 // next output position, in source samples past prev
	prev    int16
	hasPrev bool
}

// NewFramer builds a framer emitting frames of frameDuration at targetRate.
func NewFramer(targetRate int, frameDuration time.Duration) *Framer {
	if targetRate <= 0 {
		targetRate = 16000
	}
	samples := int(int64(targetRate) * frameDuration.Nanoseconds() / int64(time.Second))
	if samples <= 0 {
		samples = 512
	}
	return &Framer{
		targetRate:   targetRate,
		frameSamples: samples,
	}
}

// FrameSamples returns the number of samples per emitted frame.
func (f *Framer) FrameSamples() int { return f.frameSamples }

// PushPCM16 ingests little-endian int16 mono PCM at srcRate and returns zero
// or more complete frames. Malformed input is dropped, never surfaced as an
// error; losing a network chunk must not take down a live session.
func (f *Framer) PushPCM16(pcm []byte, srcRate int) [][]int16 {
	if len(pcm) == 0 {
		return nil
	}
	if len(pcm)%2 != 0 {
		log.Printf("audio: dropping odd-length pcm chunk (%d bytes)", len(pcm))
		return nil
	}
	if srcRate <= 0 {
		log.Printf("audio: dropping pcm chunk with invalid sample rate %d", srcRate)
		return nil
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return f.push(samples, srcRate)
}

// PushFloat32 ingests float32 mono samples in [-1, 1] at srcRate.
func (f *Framer) PushFloat32(in []float32, srcRate int) [][]int16 {
	if len(in) == 0 {
		return nil
	}
	if srcRate <= 0 {
		log.Printf("audio: dropping float chunk with invalid sample rate %d", srcRate)
		return nil
	}

	samples := make([]int16, len(in))
	for i, s := range in {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		samples[i] = int16(s * 32767)
	}
	return f.push(samples, srcRate)
}

// Reset discards any buffered partial frame and the resampler carry.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
	f.phase = 0
	f.hasPrev = false
}

func (f *Framer) push(samples []int16, srcRate int) [][]int16 {
	f.pending = append(f.pending, f.resample(samples, srcRate)...)

	var frames [][]int16
	for len(f.pending) >= f.frameSamples {
		frame := make([]int16, f.frameSamples)
		copy(frame, f.pending[:f.frameSamples])
		frames = append(frames, frame)
		f.pending = f.pending[:copy(f.pending, f.pending[f.frameSamples:])]
	}
	return frames
}

// resample converts in from srcRate to the target rate with linear
// interpolation, treating successive calls as one continuous stream: the
// fractional output position and final source sample carry over so no input
// is lost at chunk boundaries. Returns the input unchanged when rates match.
func (f *Framer) resample(in []int16, srcRate int) []int16 {
	if srcRate != f.srcRate {
		// Rate change restarts the stream.
		f.srcRate = srcRate
		f.phase = 0
		f.hasPrev = false
	}
	if srcRate == f.targetRate || len(in) == 0 {
		return in
	}

	// The stream visible to this call: the carried sample (if any)
	// followed by in. Positions index into that stream.
	last := len(in) - 1
	if f.hasPrev {
		last = len(in)
	}
	at := func(i int) int16 {
		if f.hasPrev {
			if i == 0 {
				return f.prev
			}
			i--
		}
		if i >= len(in) {
			i = len(in) - 1
		}
		return in[i]
	}

	ratio := float64(srcRate) / float64(f.targetRate)
	out := make([]int16, 0, int(float64(len(in))/ratio)+1)
	pos := f.phase
	for pos <= float64(last) {
		i := int(pos)
		frac := pos - float64(i)
		s0 := at(i)
		s1 := at(i + 1)
		out = append(out, int16(float64(s0)*(1-frac)+float64(s1)*frac))
		pos += ratio
	}

	f.prev = in[len(in)-1]
	f.hasPrev = true
	f.phase = pos - float64(last)
	return out
}

// PCM16Bytes flattens frames back into little-endian PCM bytes.
func PCM16Bytes(frames [][]int16) []byte {
	total := 0
	for _, fr := range frames {
		total += len(fr) * 2
	}
	out := make([]byte, 0, total)
	for _, fr := range frames {
		for _, s := range fr {
			out = append(out, byte(s), byte(s>>8))
		}
	}
	return out
}
