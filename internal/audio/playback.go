package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hajimehoshi/oto"
	"go.uber.org/multierr"

	"github.com/example/go-vits-stream/internal/stream"
)

// DefaultFramesPerBuffer is the device buffer size in frames.
const DefaultFramesPerBuffer = 1024

var (
	// ErrInvalidPlayback is returned by OpenPlayback for an unusable config.
	ErrInvalidPlayback = errors.New("invalid playback config")
	// ErrPlaybackClosed is returned by WriteChunk after Close.
	ErrPlaybackClosed = errors.New("playback sink closed")
)

// PlaybackConfig describes the output device stream.
type PlaybackConfig struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

func DefaultPlaybackConfig(sampleRate int) PlaybackConfig {
	return PlaybackConfig{
		SampleRate:      sampleRate,
		Channels:        1,
		FramesPerBuffer: DefaultFramesPerBuffer,
	}
}

func (c PlaybackConfig) validate() error {
	if c.SampleRate < 1 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidPlayback, c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("%w: channels %d (want 1 or 2)", ErrInvalidPlayback, c.Channels)
	}
	if c.FramesPerBuffer < 1 {
		return fmt.Errorf("%w: frames per buffer %d", ErrInvalidPlayback, c.FramesPerBuffer)
	}

	return nil
}

// bufferDuration is the audio held by one device buffer.
func (c PlaybackConfig) bufferDuration() time.Duration {
	return time.Duration(c.FramesPerBuffer) * time.Second / time.Duration(c.SampleRate)
}

// device is a blocking 16-bit little-endian PCM output.
type device interface {
	io.Writer
	Close() error
}

type otoDevice struct {
	ctx    *oto.Context
	player *oto.Player
}

func (d *otoDevice) Write(p []byte) (int, error) { return d.player.Write(p) }

func (d *otoDevice) Close() error {
	return multierr.Combine(d.player.Close(), d.ctx.Close())
}

// openDevice is replaced in tests.
var openDevice = func(cfg PlaybackConfig) (device, error) {
	const bytesPerSample = 2

	ctx, err := oto.NewContext(cfg.SampleRate, cfg.Channels, bytesPerSample, cfg.FramesPerBuffer*cfg.Channels*bytesPerSample)
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}

	return &otoDevice{ctx: ctx, player: ctx.NewPlayer()}, nil
}

// PlaybackOption configures a PlaybackSink.
type PlaybackOption func(*PlaybackSink)

func WithPlaybackLogger(l *slog.Logger) PlaybackOption {
	return func(s *PlaybackSink) { s.log = l }
}

// WithUnderrunHook registers fn to be called for every detected underrun.
func WithUnderrunHook(fn func()) PlaybackOption {
	return func(s *PlaybackSink) { s.onUnderrun = fn }
}

func withClock(now func() time.Time) PlaybackOption {
	return func(s *PlaybackSink) { s.now = now }
}

// PlaybackSink writes chunks to the live audio device. The device is fed
// synchronously from the consumer goroutine; a write that arrives after the
// previously queued audio has finished playing is reported as an underrun.
type PlaybackSink struct {
	cfg    PlaybackConfig
	format stream.SampleFormat
	dev    device
	log    *slog.Logger
	now    func() time.Time

	onUnderrun func()
	underruns  atomic.Int64

	// playhead is the wall time at which the queued audio runs out.
	playhead time.Time
	buf      []byte

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// OpenPlayback opens the output device for a stream of the given negotiated
// format.
func OpenPlayback(cfg PlaybackConfig, format stream.SampleFormat, opts ...PlaybackOption) (*PlaybackSink, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if format == stream.FormatUnknown {
		return nil, fmt.Errorf("open playback: %w", stream.ErrUnknownFormat)
	}

	s := &PlaybackSink{
		cfg:    cfg,
		format: format,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "playback"))

	dev, err := openDevice(cfg)
	if err != nil {
		return nil, err
	}
	s.dev = dev

	s.log.Debug("audio device opened",
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("channels", cfg.Channels),
		slog.Int("frames_per_buffer", cfg.FramesPerBuffer),
		slog.String("format", format.String()),
	)

	return s, nil
}

func (s *PlaybackSink) WriteChunk(ctx context.Context, c stream.Chunk) error {
	if s.closed.Load() {
		return ErrPlaybackClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Format != s.format {
		return fmt.Errorf("%w: device opened for %s, got %s", stream.ErrFormatChanged, s.format, c.Format)
	}

	now := s.now()
	if !s.playhead.IsZero() && now.After(s.playhead) {
		s.underrun(now.Sub(s.playhead), c.Seq)
	}

	s.buf = s.encode(s.buf[:0], c)
	if _, err := s.dev.Write(s.buf); err != nil {
		return fmt.Errorf("device write: %w", err)
	}

	start := s.playhead
	if now.After(start) {
		start = now
	}
	s.playhead = start.Add(c.Duration(s.cfg.SampleRate))

	return nil
}

func (s *PlaybackSink) underrun(gap time.Duration, seq int) {
	s.underruns.Add(1)
	if s.onUnderrun != nil {
		s.onUnderrun()
	}
	s.log.Warn("playback underrun",
		slog.Int("seq", seq),
		slog.Duration("gap", gap),
		slog.Duration("device_buffer", s.cfg.bufferDuration()),
	)
}

// encode converts a chunk to interleaved 16-bit little-endian frames.
func (s *PlaybackSink) encode(dst []byte, c stream.Chunk) []byte {
	pcm := c.PCM16()
	if s.cfg.Channels == 1 {
		return AppendPCM16LE(dst, pcm)
	}

	for _, v := range pcm {
		for range s.cfg.Channels {
			dst = append(dst, byte(v), byte(uint16(v)>>8))
		}
	}

	return dst
}

// Underruns returns the number of underruns detected so far.
func (s *PlaybackSink) Underruns() int64 { return s.underruns.Load() }

// Close stops the player and releases the device. It is idempotent.
func (s *PlaybackSink) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.dev.Close()
		s.log.Debug("audio device closed", slog.Int64("underruns", s.underruns.Load()))
	})

	return s.closeErr
}
