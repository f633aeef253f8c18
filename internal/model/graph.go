package model

import (
	"errors"
	"fmt"

	"github.com/example/go-vits-stream/internal/onnx"
)

// Input and output names of an exported VITS graph.
const (
	InputTokens  = "input"
	InputLengths = "input_lengths"
	InputScales  = "scales"
	InputProsody = "prosody"
	OutputAudio  = "output"
)

// ErrNoAudio is returned when a graph run yields no waveform.
var ErrNoAudio = errors.New("graph produced no audio")

// Scales are the noise, length and noise-w scales fed to the graph.
type Scales struct {
	Noise  float32
	Length float32
	NoiseW float32
}

// DefaultScales mirrors the values the reference streaming script uses.
func DefaultScales() Scales {
	return Scales{Noise: 0.5, Length: 1.0, NoiseW: 0.8}
}

// Recommend layers a checkpoint's recommended scales over s. Fields named
// in pinned keep the value of s, zero included.
func (s Scales) Recommend(p InferenceParams, pinned ScaleSet) Scales {
	pick := func(dst *float32, pin bool, rec *float32) {
		if !pin && rec != nil {
			*dst = *rec
		}
	}
	pick(&s.Noise, pinned.Noise, p.NoiseScale)
	pick(&s.Length, pinned.Length, p.LengthScale)
	pick(&s.NoiseW, pinned.NoiseW, p.NoiseScaleW)

	return s
}

// ScaleSet marks which scales were set explicitly.
type ScaleSet struct {
	Noise, Length, NoiseW bool
}

// BuildInputs assembles the graph inputs for one token sequence. prosody is
// optional; when set it must hold len(tokens)*dim values.
func BuildInputs(tokens []int64, scales Scales, prosody []float32, dim int) (map[string]*onnx.Tensor, error) {
	if len(tokens) == 0 {
		return nil, errors.New("tokens must not be empty")
	}

	n := int64(len(tokens))

	ids, err := onnx.NewTensor(tokens, []int64{1, n})
	if err != nil {
		return nil, fmt.Errorf("%s tensor: %w", InputTokens, err)
	}

	lengths, err := onnx.NewTensor([]int64{n}, []int64{1})
	if err != nil {
		return nil, fmt.Errorf("%s tensor: %w", InputLengths, err)
	}

	sc, err := onnx.NewTensor([]float32{scales.Noise, scales.Length, scales.NoiseW}, []int64{3})
	if err != nil {
		return nil, fmt.Errorf("%s tensor: %w", InputScales, err)
	}

	inputs := map[string]*onnx.Tensor{
		InputTokens:  ids,
		InputLengths: lengths,
		InputScales:  sc,
	}

	if len(prosody) > 0 {
		if dim <= 0 || len(prosody) != len(tokens)*dim {
			return nil, fmt.Errorf("prosody has %d values, want %d tokens x dim %d", len(prosody), len(tokens), dim)
		}

		p, err := onnx.NewTensor(prosody, []int64{1, n, int64(dim)})
		if err != nil {
			return nil, fmt.Errorf("%s tensor: %w", InputProsody, err)
		}

		inputs[InputProsody] = p
	}

	return inputs, nil
}

// Waveform extracts the flattened float32 audio from graph outputs.
func Waveform(outputs map[string]*onnx.Tensor) ([]float32, error) {
	t, ok := outputs[OutputAudio]
	if !ok {
		return nil, fmt.Errorf("missing %q output", OutputAudio)
	}

	wav, err := onnx.ExtractFloat32(t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", OutputAudio, err)
	}

	if len(wav) == 0 {
		return nil, ErrNoAudio
	}

	return wav, nil
}
