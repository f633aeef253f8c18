package model

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleHParams = `{
  "train": {"segment_size": 8192},
  "data": {"sampling_rate": 16000, "add_blank": true, "n_speakers": 0, "hop_length": 256},
  "model": {"inter_channels": 192},
  "symbols": ["_", " ", "a", "b"],
  "inference": {"noise_scale": 0.4}
}`

func TestLoadHParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(sampleHParams), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	hp, err := LoadHParams(path)
	if err != nil {
		t.Fatalf("LoadHParams: %v", err)
	}

	if hp.Data.SamplingRate != 16000 || !hp.Data.AddBlank || hp.Data.HopLength != 256 {
		t.Fatalf("unexpected data section: %+v", hp.Data)
	}

	if len(hp.Symbols) != 4 || hp.Symbols[2] != "a" {
		t.Fatalf("unexpected symbols: %v", hp.Symbols)
	}

	if hp.Inference.NoiseScale == nil || *hp.Inference.NoiseScale != 0.4 || hp.Inference.LengthScale != nil {
		t.Fatalf("unexpected inference section: %+v", hp.Inference)
	}
}

func TestLoadHParams_MissingFile(t *testing.T) {
	if _, err := LoadHParams(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseHParams_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{name: "no sampling rate", json: `{"data": {}, "symbols": ["_"]}`},
		{name: "no symbols", json: `{"data": {"sampling_rate": 22050}}`},
		{name: "negative scale", json: `{"data": {"sampling_rate": 22050}, "symbols": ["_"], "inference": {"length_scale": -1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHParams([]byte(tt.json))
			if !errors.Is(err, ErrInvalidHParams) {
				t.Fatalf("expected ErrInvalidHParams, got %v", err)
			}
		})
	}

	if _, err := ParseHParams([]byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
}
