package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/audio"
)

// Config describes the audio a [Player] receives and the device it drives.
type Config struct {
	// SampleRate is the negotiated rate of inbound chunks, in Hz.
	SampleRate int

	// DeviceSampleRate is the rate the output is opened at. Zero means
	// SampleRate.
	DeviceSampleRate int
}

// Option is a functional option for [Open] and [NewPlayer].
type Option func(*Player)

// WithMetrics records chunk and decode counters on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Player) { p.metrics = m }
}

// WithLogger sets the logger for skipped chunks.
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) { p.log = l }
}

// Player decodes inbound chunks and schedules them back to back on an
// [audio.OutputStream]. Play is meant to be called from a single dispatcher
// goroutine; Reset, Cursor and Close may be called from anywhere.
type Player struct {
	out       audio.OutputStream
	rate      int
	resampler *audio.Resampler
	metrics   *observe.Metrics
	log       *slog.Logger

	sched Scheduler

	chunks       atomic.Uint64
	decodeErrors atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// Open acquires the default output device through dev and returns a Player
// driving it.
func Open(ctx context.Context, dev audio.Device, cfg Config, opts ...Option) (*Player, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("playback: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.DeviceSampleRate <= 0 {
		cfg.DeviceSampleRate = cfg.SampleRate
	}
	out, err := dev.OpenOutput(ctx, audio.StreamConfig{SampleRate: cfg.DeviceSampleRate})
	if err != nil {
		return nil, fmt.Errorf("playback: open output: %w", err)
	}
	return NewPlayer(out, cfg, opts...), nil
}

// NewPlayer wraps an already open output stream.
func NewPlayer(out audio.OutputStream, cfg Config, opts ...Option) *Player {
	if cfg.DeviceSampleRate <= 0 {
		cfg.DeviceSampleRate = cfg.SampleRate
	}
	p := &Player{
		out:       out,
		rate:      cfg.SampleRate,
		resampler: audio.NewResampler(cfg.SampleRate, cfg.DeviceSampleRate),
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
	return p
}

// Play decodes one base64 PCM16 chunk and schedules it right after the
// previous one. A malformed chunk is logged, counted and skipped; the
// returned error matches [audio.ErrDecode] and never affects later chunks.
func (p *Player) Play(payload string) error {
	ctx := context.Background()

	samples, err := audio.DecodePayload(payload)
	if err != nil {
		p.decodeErrors.Add(1)
		p.metrics.DecodeErrors.Add(ctx, 1)
		p.log.Warn("playback: skipping undecodable chunk", "err", err)
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	prev := p.sched.Cursor()
	now := audio.DurationSamples(p.out.Now(), p.rate)
	start := p.sched.Schedule(now, int64(len(samples)))
	if prev > 0 && start > prev {
		p.metrics.PlaybackGaps.Add(ctx, 1)
	}

	at := audio.SamplesDuration(int(start), p.rate)
	if err := p.out.Schedule(p.resampler.Convert(samples), at); err != nil {
		return fmt.Errorf("playback: schedule: %w", err)
	}
	p.chunks.Add(1)
	p.metrics.PlaybackChunks.Add(ctx, 1)
	return nil
}

// Cursor returns the end of the last scheduled chunk on the output clock.
func (p *Player) Cursor() time.Duration {
	return audio.SamplesDuration(int(p.sched.Cursor()), p.rate)
}

// Reset zeroes the playback cursor.
func (p *Player) Reset() { p.sched.Reset() }

// Chunks returns the number of chunks scheduled so far.
func (p *Player) Chunks() uint64 { return p.chunks.Load() }

// DecodeErrors returns the number of chunks skipped as undecodable.
func (p *Player) DecodeErrors() uint64 { return p.decodeErrors.Load() }

// Close resets the cursor and releases the output. Idempotent.
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		p.sched.Reset()
		if err := p.out.Close(); err != nil {
			p.closeErr = fmt.Errorf("playback: close output: %w", err)
		}
	})
	return p.closeErr
}
