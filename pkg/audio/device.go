// Package audio defines the sample codec and the hardware abstractions used
// by the voxline call pipeline.
//
// The codec half ([FloatToPCM16], [EncodePayload], [DecodePayload], …) is a
// set of pure functions converting between float samples, 16-bit PCM and the
// base64 text carried on the wire.
//
// The device half is intentionally narrow:
//
//   - [Device] opens hardware streams.
//   - [InputStream] delivers fixed-size microphone [Frame] values.
//   - [OutputStream] exposes a monotonic playback clock and accepts sample
//     buffers scheduled against it.
//
// Implementations live in adapter packages (audio/portaudio for real
// hardware, audio/mock for tests). This package lives under pkg/ so that
// other programs can provide their own devices.
package audio

import (
	"context"
	"time"
)

// StreamConfig describes the stream a caller wants from a [Device].
type StreamConfig struct {
	// SampleRate in Hz. Must be > 0.
	SampleRate int

	// FrameSize is the number of samples per delivered input frame. Ignored
	// for output streams.
	FrameSize int
}

// InputStream is an open microphone handle.
//
// Frames returns a read-only channel that delivers one [Frame] per hardware
// buffer, in capture order. The channel is closed after Close has released
// the hardware. Implementations must never block the hardware callback on a
// slow consumer; they drop frames instead.
type InputStream interface {
	Frames() <-chan Frame

	// Close releases the hardware handle. It is safe to call Close more than
	// once; subsequent calls are no-ops and return nil.
	Close() error
}

// OutputStream is an open speaker handle with its own clock.
//
// Now reports how much audio the hardware has rendered since the stream was
// opened. It never decreases. Schedule queues samples to begin exactly at
// position at on that clock; a start time already in the past plays
// immediately. Buffers are rendered in the order they were scheduled.
type OutputStream interface {
	Now() time.Duration
	Schedule(samples []float32, at time.Duration) error

	// Close stops playback and releases the hardware. Idempotent.
	Close() error
}

// Device opens audio streams on the default input and output hardware.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// OpenInput acquires the default input device. It returns an error if the
	// device is missing, busy, or permission is denied.
	OpenInput(ctx context.Context, cfg StreamConfig) (InputStream, error)

	// OpenOutput acquires the default output device.
	OpenOutput(ctx context.Context, cfg StreamConfig) (OutputStream, error)
}
