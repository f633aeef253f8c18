package synth

import (
	"context"
	"math"
	"time"

	"github.com/example/go-vits-stream/internal/stream"
)

// ToneSource renders every token as a short sine burst whose pitch depends
// on the token id. Output is a pure function of the request, which makes it
// useful for demos, benchmarks and tests without a model.
type ToneSource struct {
	SampleRate      int
	BlockSize       int
	SamplesPerToken int
	Format          stream.SampleFormat
	Amplitude       float64
	// Delay is slept before each chunk to emulate model latency.
	Delay time.Duration
}

// NewToneSource returns a float32 tone source with 20 ms per token.
func NewToneSource(sampleRate, blockSize int) *ToneSource {
	return &ToneSource{
		SampleRate:      sampleRate,
		BlockSize:       blockSize,
		SamplesPerToken: sampleRate / 50,
		Format:          stream.FormatFloat32,
		Amplitude:       0.3,
	}
}

// Frequency returns the tone pitch for a token id.
func (s *ToneSource) Frequency(token int64) float64 {
	step := token % 24
	if step < 0 {
		step += 24
	}

	return 220 * math.Pow(2, float64(step)/12)
}

// Render returns the full waveform for tokens, independent of blocking.
func (s *ToneSource) Render(tokens []int64) []float32 {
	per := s.samplesPerToken()
	out := make([]float32, 0, len(tokens)*per)

	phase := 0.0
	for _, tok := range tokens {
		inc := 2 * math.Pi * s.Frequency(tok) / float64(s.sampleRate())
		for range per {
			out = append(out, float32(s.amplitude()*math.Sin(phase)))
			phase = math.Mod(phase+inc, 2*math.Pi)
		}
	}

	return out
}

// Stream implements stream.Source.
func (s *ToneSource) Stream(ctx context.Context, req stream.Request, emit func(stream.Chunk) error) error {
	tokens := req.Tokens()
	if len(tokens) == 0 {
		return ErrEmptyRequest
	}

	wav := s.Render(tokens)
	size := s.BlockSize
	if size <= 0 {
		size = DefaultBlockSize
	}

	for start := 0; start < len(wav); start += size {
		if err := sleep(ctx, s.Delay); err != nil {
			return err
		}

		block := wav[start:min(start+size, len(wav))]

		c := stream.Float32Chunk(block)
		if s.Format == stream.FormatInt16 {
			c = stream.Int16Chunk(c.PCM16())
		}

		if err := emit(c); err != nil {
			return err
		}
	}

	return nil
}

func (s *ToneSource) sampleRate() int {
	if s.SampleRate <= 0 {
		return 22050
	}
	return s.SampleRate
}

func (s *ToneSource) samplesPerToken() int {
	if s.SamplesPerToken <= 0 {
		return max(1, s.sampleRate()/50)
	}
	return s.SamplesPerToken
}

func (s *ToneSource) amplitude() float64 {
	if s.Amplitude <= 0 || s.Amplitude > 1 {
		return 0.3
	}
	return s.Amplitude
}
