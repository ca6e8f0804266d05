package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrDecode is matched (via [errors.Is]) by every [*DecodeError]. Callers that
// only need to know "this payload was unusable" should compare against it.
var ErrDecode = errors.New("audio: malformed payload")

// DecodeError reports an inbound payload that could not be turned back into
// samples. It is always local to the component that received the payload:
// the chunk is skipped and the stream continues.
type DecodeError struct {
	// Op names the failed step ("base64", "pcm16").
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrDecode].
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// FloatToPCM16 converts floating-point samples to signed 16-bit PCM.
//
// Each sample is clamped to [-1, 1] first. Negative values scale by 32768 and
// non-negative values by 32767, so -1.0 maps to -32768 and 1.0 maps to 32767.
// The product is truncated toward zero. NaN encodes as silence.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s)
		switch {
		case v != v:
			v = 0
		case v < -1:
			v = -1
		case v > 1:
			v = 1
		}
		if v < 0 {
			out[i] = int16(v * 32768)
		} else {
			out[i] = int16(v * 32767)
		}
	}
	return out
}

// PCM16ToFloat is the inverse of [FloatToPCM16]: every sample is divided by
// 32768.
func PCM16ToFloat(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// PCM16ToBytes serialises samples as little-endian int16.
func PCM16ToBytes(pcm []int16) []byte {
	buf := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToPCM16 parses little-endian int16 samples. An odd byte count cannot
// be PCM16 and yields a [*DecodeError].
func BytesToPCM16(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, &DecodeError{Op: "pcm16", Err: fmt.Errorf("odd byte count %d", len(b))}
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out, nil
}

// EncodeTransport encodes an arbitrary byte buffer as standard base64 text.
// The empty buffer encodes to the empty string.
func EncodeTransport(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeTransport reverses [EncodeTransport]. Malformed text fails with a
// [*DecodeError].
func DecodeTransport(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Op: "base64", Err: err}
	}
	return b, nil
}

// EncodePayload runs the full outbound chain for one frame:
// float → PCM16 → little-endian bytes → base64.
func EncodePayload(f Frame) Payload {
	return Payload{
		Audio:      EncodeTransport(PCM16ToBytes(FloatToPCM16(f.Samples))),
		SampleRate: f.SampleRate,
	}
}

// DecodePayload runs the inbound chain for one chunk of base64 PCM16 text and
// returns float samples ready for playback.
func DecodePayload(text string) ([]float32, error) {
	raw, err := DecodeTransport(text)
	if err != nil {
		return nil, err
	}
	pcm, err := BytesToPCM16(raw)
	if err != nil {
		return nil, err
	}
	return PCM16ToFloat(pcm), nil
}
