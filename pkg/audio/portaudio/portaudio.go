// Package portaudio implements [audio.Device] on top of the PortAudio C
// library via github.com/gordonklaus/portaudio.
//
// Both directions run in callback mode. The input callback copies each
// hardware buffer into a fresh [audio.Frame] and hands it off without
// blocking. The output callback renders a queue of scheduled buffers against
// a sample counter that doubles as the stream clock.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxline/pkg/audio"
)

// frameBuffer is the number of captured frames that may wait for a consumer
// before new frames are dropped.
const frameBuffer = 32

// Compile-time interface assertions.
var (
	_ audio.Device       = (*Device)(nil)
	_ audio.InputStream  = (*inputStream)(nil)
	_ audio.OutputStream = (*outputStream)(nil)
)

// PortAudio must be initialised once per process before any stream is opened
// and terminated after the last one closes. Streams share a reference count.
var (
	libMu   sync.Mutex
	libRefs int
)

func acquireLib() error {
	libMu.Lock()
	defer libMu.Unlock()
	if libRefs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	libRefs++
	return nil
}

func releaseLib() error {
	libMu.Lock()
	defer libMu.Unlock()
	if libRefs == 0 {
		return nil
	}
	libRefs--
	if libRefs == 0 {
		if err := pa.Terminate(); err != nil {
			return fmt.Errorf("portaudio: terminate: %w", err)
		}
	}
	return nil
}

// Device opens streams on the system default input and output devices.
// The zero value is ready to use.
type Device struct{}

// New returns a PortAudio-backed [audio.Device].
func New() *Device { return &Device{} }

// OpenInput implements [audio.Device]. It opens a mono float32 stream on the
// default input device delivering cfg.FrameSize samples per frame.
func (d *Device) OpenInput(_ context.Context, cfg audio.StreamConfig) (audio.InputStream, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: open input: invalid sample rate %d", cfg.SampleRate)
	}
	if err := acquireLib(); err != nil {
		return nil, err
	}

	in := &inputStream{
		rate:   cfg.SampleRate,
		frames: make(chan audio.Frame, frameBuffer),
	}
	stream, err := pa.OpenDefaultStream(1, 0, float64(cfg.SampleRate), cfg.FrameSize, in.process)
	if err != nil {
		_ = releaseLib()
		return nil, fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = releaseLib()
		return nil, fmt.Errorf("portaudio: start input: %w", err)
	}
	in.stream = stream
	slog.Debug("portaudio input started", "sample_rate", cfg.SampleRate, "frame_size", cfg.FrameSize)
	return in, nil
}

// OpenOutput implements [audio.Device]. It opens a mono float32 stream on the
// default output device.
func (d *Device) OpenOutput(_ context.Context, cfg audio.StreamConfig) (audio.OutputStream, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: open output: invalid sample rate %d", cfg.SampleRate)
	}
	if err := acquireLib(); err != nil {
		return nil, err
	}

	out := &outputStream{rate: cfg.SampleRate}
	stream, err := pa.OpenDefaultStream(0, 1, float64(cfg.SampleRate), 0, out.process)
	if err != nil {
		_ = releaseLib()
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = releaseLib()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	out.stream = stream
	slog.Debug("portaudio output started", "sample_rate", cfg.SampleRate)
	return out, nil
}

// ─── Input ───────────────────────────────────────────────────────────────────

type inputStream struct {
	stream *pa.Stream
	rate   int
	frames chan audio.Frame

	// mu serialises the callback's channel send against close(frames).
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// process runs on the PortAudio callback thread. It must not block.
func (s *inputStream) process(in []float32) {
	samples := make([]float32, len(in))
	copy(samples, in)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- audio.Frame{Samples: samples, SampleRate: s.rate}:
	default:
		s.dropped.Add(1)
	}
}

func (s *inputStream) Frames() <-chan audio.Frame { return s.frames }

func (s *inputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop input: %w", err))
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close input: %w", err))
	}
	if err := releaseLib(); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	close(s.frames)
	s.mu.Unlock()

	if n := s.dropped.Load(); n > 0 {
		slog.Warn("portaudio input dropped frames", "count", n)
	}
	return errors.Join(errs...)
}

// ─── Output ──────────────────────────────────────────────────────────────────

// chunk is a buffer scheduled to start at sample index start.
type chunk struct {
	start   int64
	samples []float32
}

type outputStream struct {
	stream *pa.Stream
	rate   int

	// rendered counts samples handed to the hardware; it is the stream clock.
	rendered atomic.Int64

	mu     sync.Mutex
	queue  []chunk
	closed bool
}

// process fills out from the schedule queue and advances the clock.
func (s *outputStream) process(out []float32) {
	clear(out)
	base := s.rendered.Load()
	end := base + int64(len(out))

	s.mu.Lock()
	keep := s.queue[:0]
	for _, c := range s.queue {
		cEnd := c.start + int64(len(c.samples))
		if cEnd <= base {
			continue
		}
		if c.start < end {
			from := max(c.start, base)
			to := min(cEnd, end)
			copy(out[from-base:to-base], c.samples[from-c.start:to-c.start])
		}
		if cEnd > end {
			keep = append(keep, c)
		}
	}
	s.queue = keep
	s.mu.Unlock()

	s.rendered.Store(end)
}

func (s *outputStream) Now() time.Duration {
	return audio.SamplesDuration(int(s.rendered.Load()), s.rate)
}

func (s *outputStream) Schedule(samples []float32, at time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("portaudio: schedule on closed output")
	}
	start := audio.DurationSamples(at, s.rate)
	// Anything already in the past starts at the next rendered sample.
	start = max(start, s.rendered.Load())
	s.queue = append(s.queue, chunk{start: start, samples: samples})
	return nil
}

func (s *outputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	var errs []error
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop output: %w", err))
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close output: %w", err))
	}
	if err := releaseLib(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
