// Package capture owns the microphone side of a call.
//
// A [Pipe] holds an exclusive handle on the default input device for its whole
// lifetime. A single reader goroutine drains hardware frames at device
// cadence; when a [Sender] is connected and the pipe is not muted, each frame
// is encoded with [audio.EncodePayload] and handed to the sender. Muting and
// disconnecting only affect what is forwarded, never the hardware.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/audio"
)

// DefaultFrameSize is the number of samples per captured frame when
// [Config.FrameSize] is zero.
const DefaultFrameSize = 4096

// ErrCaptureUnavailable is returned by [Open] when the input device cannot be
// acquired (missing, busy, or permission denied).
var ErrCaptureUnavailable = errors.New("capture: microphone unavailable")

// Sender receives encoded frames. transport.Conn satisfies it.
type Sender interface {
	SendAudio(p audio.Payload) error
}

// Config describes the stream a [Pipe] opens.
type Config struct {
	// SampleRate is the rate frames are encoded and sent at, in Hz.
	SampleRate int

	// DeviceSampleRate is the rate the hardware is opened at. Zero means
	// SampleRate. When the two differ frames are resampled before encoding.
	DeviceSampleRate int

	// FrameSize is the number of device samples per frame. Default: 4096.
	FrameSize int
}

// Stats is a snapshot of a pipe's frame counters.
type Stats struct {
	// Captured counts every frame delivered by the hardware.
	Captured uint64

	// Forwarded counts frames handed to a connected Sender.
	Forwarded uint64

	// Muted counts frames dropped because the pipe was muted.
	Muted uint64
}

// Option is a functional option for [Open].
type Option func(*Pipe)

// WithMetrics records frame dispositions on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipe) { p.metrics = m }
}

// WithLogger sets the logger used for send failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipe) { p.log = l }
}

// Pipe is an open microphone. Create with [Open]; release with [Pipe.Release].
// All methods are safe for concurrent use.
type Pipe struct {
	in        audio.InputStream
	rate      int
	resampler *audio.Resampler
	metrics   *observe.Metrics
	log       *slog.Logger

	muted atomic.Bool

	// mu guards sender. It is held across SendAudio so that no frame is
	// forwarded after Disconnect returns.
	mu     sync.Mutex
	sender Sender

	captured  atomic.Uint64
	forwarded atomic.Uint64
	mutedN    atomic.Uint64

	done        chan struct{}
	releaseOnce sync.Once
	releaseErr  error
}

// Open acquires the default input device through dev and starts draining it.
// Failure to acquire the device returns an error matching
// [ErrCaptureUnavailable]. No retry is attempted.
func Open(ctx context.Context, dev audio.Device, cfg Config, opts ...Option) (*Pipe, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("capture: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.DeviceSampleRate <= 0 {
		cfg.DeviceSampleRate = cfg.SampleRate
	}

	p := &Pipe{
		rate:      cfg.SampleRate,
		resampler: audio.NewResampler(cfg.DeviceSampleRate, cfg.SampleRate),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.log == nil {
		p.log = slog.Default()
	}

	in, err := dev.OpenInput(ctx, audio.StreamConfig{
		SampleRate: cfg.DeviceSampleRate,
		FrameSize:  cfg.FrameSize,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}
	p.in = in

	go p.readLoop()
	return p, nil
}

// readLoop drains the hardware until the input stream is closed.
func (p *Pipe) readLoop() {
	defer close(p.done)
	ctx := context.Background()

	for f := range p.in.Frames() {
		p.captured.Add(1)

		if p.muted.Load() {
			p.mutedN.Add(1)
			p.metrics.RecordFrame(ctx, observe.FrameMuted)
			continue
		}
		p.forward(ctx, f)
	}
}

func (p *Pipe) forward(ctx context.Context, f audio.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sender == nil {
		p.metrics.RecordFrame(ctx, observe.FrameIdle)
		return
	}

	if !p.resampler.Passthrough() {
		f = audio.Frame{Samples: p.resampler.Convert(f.Samples), SampleRate: p.rate}
	} else if f.SampleRate == 0 {
		f.SampleRate = p.rate
	}

	if err := p.sender.SendAudio(audio.EncodePayload(f)); err != nil {
		p.metrics.RecordFrame(ctx, observe.FrameDropped)
		p.log.Debug("capture: send frame", "err", err)
		return
	}
	p.forwarded.Add(1)
	p.metrics.RecordFrame(ctx, observe.FrameForwarded)
}

// Connect starts forwarding frames to s, replacing any previous sender.
func (p *Pipe) Connect(s Sender) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sender = s
}

// Disconnect stops forwarding. Capture keeps running. Safe to call when not
// connected.
func (p *Pipe) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sender = nil
}

// SetMuted toggles outbound silence. Muted frames are still captured, then
// dropped before encoding.
func (p *Pipe) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// Muted reports the current mute flag.
func (p *Pipe) Muted() bool {
	return p.muted.Load()
}

// Stats returns a snapshot of the frame counters.
func (p *Pipe) Stats() Stats {
	return Stats{
		Captured:  p.captured.Load(),
		Forwarded: p.forwarded.Load(),
		Muted:     p.mutedN.Load(),
	}
}

// Release disconnects any sender, closes the hardware handle, and waits for
// the reader goroutine to exit. Subsequent calls return the first result.
func (p *Pipe) Release() error {
	p.releaseOnce.Do(func() {
		p.Disconnect()
		if err := p.in.Close(); err != nil {
			p.releaseErr = fmt.Errorf("capture: release: %w", err)
		}
		<-p.done
	})
	return p.releaseErr
}
