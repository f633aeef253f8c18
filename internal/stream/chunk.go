package stream

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// SampleFormat is the sample representation carried by a chunk. It is
// negotiated once per session, before any sink is opened.
type SampleFormat int

const (
	FormatUnknown SampleFormat = iota
	FormatInt16
	FormatFloat32
)

// ErrUnknownFormat is returned when a chunk's sample representation cannot be
// identified.
var ErrUnknownFormat = errors.New("unknown sample format")

func (f SampleFormat) String() string {
	switch f {
	case FormatInt16:
		return "int16"
	case FormatFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the wire width of one sample, or 0 for FormatUnknown.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatInt16:
		return 2
	case FormatFloat32:
		return 4
	default:
		return 0
	}
}

// ParseSampleFormat accepts "int16"/"pcm16"/"s16" and "float32"/"f32".
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch s {
	case "int16", "pcm16", "s16":
		return FormatInt16, nil
	case "float32", "f32":
		return FormatFloat32, nil
	default:
		return FormatUnknown, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Chunk is one block of audio samples emitted atomically by a chunk source.
// Exactly one of Int16 or Float32 is populated, matching Format.
type Chunk struct {
	Seq     int
	Format  SampleFormat
	Int16   []int16
	Float32 []float32
}

// Float32Chunk wraps float samples without copying.
func Float32Chunk(samples []float32) Chunk {
	return Chunk{Format: FormatFloat32, Float32: samples}
}

// Int16Chunk wraps PCM16 samples without copying.
func Int16Chunk(samples []int16) Chunk {
	return Chunk{Format: FormatInt16, Int16: samples}
}

// Len returns the number of samples in the chunk.
func (c Chunk) Len() int {
	switch c.Format {
	case FormatInt16:
		return len(c.Int16)
	case FormatFloat32:
		return len(c.Float32)
	default:
		return 0
	}
}

// Duration returns the playback length of the chunk for a mono stream at
// sampleRate.
func (c Chunk) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Len()) * time.Second / time.Duration(sampleRate)
}

// Float32s returns the samples as floats in [-1, 1]. Float chunks are returned
// as-is; PCM16 chunks are converted into a new slice.
func (c Chunk) Float32s() []float32 {
	switch c.Format {
	case FormatFloat32:
		return c.Float32
	case FormatInt16:
		out := make([]float32, len(c.Int16))
		for i, s := range c.Int16 {
			out[i] = float32(s) / 32768
		}
		return out
	default:
		return nil
	}
}

// PCM16 returns the samples as 16-bit integers. Float samples are clamped to
// [-1, 1] before quantization.
func (c Chunk) PCM16() []int16 {
	switch c.Format {
	case FormatInt16:
		return c.Int16
	case FormatFloat32:
		out := make([]int16, len(c.Float32))
		for i, s := range c.Float32 {
			clamped := math.Max(-1.0, math.Min(1.0, float64(s)))
			out[i] = int16(clamped * 32767)
		}
		return out
	default:
		return nil
	}
}

// validate checks that Format matches the populated sample slice.
func (c Chunk) validate() error {
	switch c.Format {
	case FormatInt16:
		if c.Float32 != nil {
			return fmt.Errorf("%w: int16 chunk carries float samples", ErrUnknownFormat)
		}
	case FormatFloat32:
		if c.Int16 != nil {
			return fmt.Errorf("%w: float32 chunk carries int16 samples", ErrUnknownFormat)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownFormat, int(c.Format))
	}
	return nil
}

// NegotiateFormat inspects a probe chunk and decides the session format.
func NegotiateFormat(probe Chunk) (SampleFormat, error) {
	if err := probe.validate(); err != nil {
		return FormatUnknown, err
	}
	return probe.Format, nil
}
