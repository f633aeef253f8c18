// Package model describes the VITS model files: the hyper-parameter JSON,
// the ONNX graph contract, a checksum-pinned fetch manifest and a smoke
// verifier.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrInvalidHParams is returned when a hyper-parameter file is missing
// required fields.
var ErrInvalidHParams = errors.New("invalid hparams")

// DataParams is the "data" section of a VITS config.json.
type DataParams struct {
	SamplingRate int  `json:"sampling_rate"`
	AddBlank     bool `json:"add_blank"`
	NSpeakers    int  `json:"n_speakers"`
	HopLength    int  `json:"hop_length"`
}

// InferenceParams holds the synthesis scales a checkpoint recommends. A nil
// field was absent from the file.
type InferenceParams struct {
	NoiseScale  *float32 `json:"noise_scale"`
	LengthScale *float32 `json:"length_scale"`
	NoiseScaleW *float32 `json:"noise_scale_w"`
}

// HParams is the subset of a VITS config.json the streaming runtime needs.
type HParams struct {
	Data      DataParams      `json:"data"`
	Symbols   []string        `json:"symbols"`
	Inference InferenceParams `json:"inference"`
}

// LoadHParams reads and validates a VITS config.json.
func LoadHParams(path string) (*HParams, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hparams %q: %w", path, err)
	}

	hp, err := ParseHParams(b)
	if err != nil {
		return nil, fmt.Errorf("hparams %q: %w", path, err)
	}

	return hp, nil
}

// ParseHParams decodes and validates hyper-parameters from JSON.
func ParseHParams(b []byte) (*HParams, error) {
	var hp HParams
	if err := json.Unmarshal(b, &hp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if err := hp.Validate(); err != nil {
		return nil, err
	}

	return &hp, nil
}

// Validate checks the fields the runtime depends on.
func (h *HParams) Validate() error {
	if h.Data.SamplingRate <= 0 {
		return fmt.Errorf("%w: data.sampling_rate must be > 0", ErrInvalidHParams)
	}

	if len(h.Symbols) == 0 {
		return fmt.Errorf("%w: symbols must not be empty", ErrInvalidHParams)
	}

	if negative(h.Inference.NoiseScale) || negative(h.Inference.LengthScale) || negative(h.Inference.NoiseScaleW) {
		return fmt.Errorf("%w: inference scales must be >= 0", ErrInvalidHParams)
	}

	return nil
}

func negative(p *float32) bool { return p != nil && *p < 0 }
