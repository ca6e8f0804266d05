// Package mock provides in-memory implementations of [audio.Device],
// [audio.InputStream] and [audio.OutputStream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := mock.NewInput(8)
//	out := &mock.Output{}
//	dev := &mock.Device{InputResult: in, OutputResult: out}
//	// ... run the code under test ...
//	in.Feed(audio.Frame{Samples: make([]float32, 4096), SampleRate: 24000})
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Device       = (*Device)(nil)
	_ audio.InputStream  = (*Input)(nil)
	_ audio.OutputStream = (*Output)(nil)
)

// ─── Device ──────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
// Set the exported Result fields before use; inspect the Call* fields after.
type Device struct {
	mu sync.Mutex

	// InputResult is returned by OpenInput when InputError is nil.
	InputResult audio.InputStream

	// InputError is returned by OpenInput.
	InputError error

	// OutputResult is returned by OpenOutput when OutputError is nil.
	OutputResult audio.OutputStream

	// OutputError is returned by OpenOutput.
	OutputError error

	// InputConfigs records the config of every OpenInput call.
	InputConfigs []audio.StreamConfig

	// OutputConfigs records the config of every OpenOutput call.
	OutputConfigs []audio.StreamConfig
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(_ context.Context, cfg audio.StreamConfig) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InputConfigs = append(d.InputConfigs, cfg)
	if d.InputError != nil {
		return nil, d.InputError
	}
	return d.InputResult, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(_ context.Context, cfg audio.StreamConfig) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OutputConfigs = append(d.OutputConfigs, cfg)
	if d.OutputError != nil {
		return nil, d.OutputError
	}
	return d.OutputResult, nil
}

// CallCountOpenInput returns how many times OpenInput was called.
func (d *Device) CallCountOpenInput() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.InputConfigs)
}

// CallCountOpenOutput returns how many times OpenOutput was called.
func (d *Device) CallCountOpenOutput() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OutputConfigs)
}

// ─── Input ───────────────────────────────────────────────────────────────────

// Input is a mock [audio.InputStream] fed by the test through [Input.Feed].
type Input struct {
	mu     sync.Mutex
	frames chan audio.Frame
	closed bool

	// CloseError is returned by the first Close call.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewInput returns an Input whose frame channel has the given buffer size.
func NewInput(buffer int) *Input {
	return &Input{frames: make(chan audio.Frame, buffer)}
}

// Frames implements [audio.InputStream].
func (in *Input) Frames() <-chan audio.Frame { return in.frames }

// Feed delivers f on the frame channel as the hardware would. It blocks if the
// buffer is full and reports false if the stream is already closed.
func (in *Input) Feed(f audio.Frame) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	in.frames <- f
	return true
}

// Close implements [audio.InputStream]. The frame channel is closed on the
// first call.
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.CallCountClose++
	if in.closed {
		return nil
	}
	in.closed = true
	close(in.frames)
	return in.CloseError
}

// Closed reports whether Close has been called.
func (in *Input) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// ─── Output ──────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Output.Schedule] invocation.
type ScheduleCall struct {
	// Samples is the buffer passed to Schedule.
	Samples []float32

	// At is the requested start position on the output clock.
	At time.Duration
}

// Output is a mock [audio.OutputStream] with a clock the test controls via
// [Output.SetNow].
type Output struct {
	mu     sync.Mutex
	now    time.Duration
	closed bool

	// ScheduleError is returned by every Schedule call when non-nil.
	ScheduleError error

	// CloseError is returned by the first Close call.
	CloseError error

	// ScheduleCalls records all Schedule invocations.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// SetNow moves the output clock to d.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Now implements [audio.OutputStream].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.OutputStream]. Records the call.
func (o *Output) Schedule(samples []float32, at time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("mock: schedule on closed output")
	}
	if o.ScheduleError != nil {
		return o.ScheduleError
	}
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{Samples: samples, At: at})
	return nil
}

// Scheduled returns a copy of the recorded Schedule calls.
func (o *Output) Scheduled() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ScheduleCall(nil), o.ScheduleCalls...)
}

// Close implements [audio.OutputStream].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	if o.closed {
		return nil
	}
	o.closed = true
	return o.CloseError
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
