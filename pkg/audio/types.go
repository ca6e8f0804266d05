package audio

import "time"

// Frame is a single block of mono audio captured together. Samples are
// floating-point values in [-1, 1]. A frame carries no timestamp; ordering is
// implied by the order frames are delivered on an [InputStream].
//
// Frames are owned by the component that received them until they are handed
// to [EncodePayload]; nothing retains a frame after it has been encoded.
type Frame struct {
	// Samples holds the mono sample data.
	Samples []float32

	// SampleRate in Hz (e.g., 24000 for the default agent session rate).
	SampleRate int
}

// Duration returns the playback length of the frame. A frame with a
// non-positive sample rate has zero duration.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// Payload is the transport-safe form of a PCM16 buffer: the base64 text of the
// little-endian samples plus the sample rate they were encoded at. Payload is
// a value type and is never mutated after construction.
type Payload struct {
	// Audio is the base64 encoding of little-endian int16 PCM.
	Audio string

	// SampleRate is the rate the samples were captured at, in Hz.
	SampleRate int
}

// SamplesDuration converts a sample count at rate Hz into a duration.
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}

// DurationSamples converts d into a sample index at rate Hz, rounded to the
// nearest sample. It inverts [SamplesDuration] exactly, so positions that
// were computed as sample counts survive the trip through a duration.
func DurationSamples(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}
