package audio

import (
	"log/slog"
	"sync"
)

// Resampler converts mono sample buffers between two sample rates. It is used
// when the hardware cannot run at the rate negotiated with the agent. A
// warning is logged once, on the first buffer that actually needs converting.
// Create one per stream; not designed for shared use across goroutines.
type Resampler struct {
	From int
	To   int

	warnedMismatch sync.Once
}

// NewResampler returns a Resampler from rate from to rate to.
func NewResampler(from, to int) *Resampler {
	return &Resampler{From: from, To: to}
}

// Passthrough reports whether the resampler leaves buffers untouched.
func (r *Resampler) Passthrough() bool {
	return r == nil || r.From <= 0 || r.To <= 0 || r.From == r.To
}

// Convert resamples samples. If the rates already match the input slice is
// returned unchanged (zero allocation).
func (r *Resampler) Convert(samples []float32) []float32 {
	if r.Passthrough() {
		return samples
	}
	r.warnedMismatch.Do(func() {
		slog.Warn("audio sample rate mismatch: resampling",
			"from_hz", r.From,
			"to_hz", r.To,
		)
	})
	return ResampleMono(samples, r.From, r.To)
}

// ResampleMono resamples mono float samples from srcRate to dstRate using
// linear interpolation. If either rate is non-positive, or they are equal, the
// input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	srcN := len(samples)
	dstN := int(int64(srcN) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	out := make([]float32, dstN)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstN {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < srcN {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
