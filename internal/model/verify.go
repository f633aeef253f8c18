package model

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/example/go-vits-stream/internal/onnx"
	"github.com/example/go-vits-stream/internal/tokenizer"
)

// VerifyOptions configures VerifyONNX.
type VerifyOptions struct {
	ModelPath string
	HParams   *HParams
	Runner    onnx.RunnerConfig
	Stdout    io.Writer
}

var newRunner = func(path string, cfg onnx.RunnerConfig) (onnx.GraphRunner, error) {
	return onnx.NewRunner(path, cfg)
}

// VerifyONNX loads the graph and runs a short smoke inference built from
// the first non-blank symbols of the hparams table. It reports the number of
// samples produced.
func VerifyONNX(ctx context.Context, opts VerifyOptions) (int, error) {
	if opts.ModelPath == "" {
		return 0, errors.New("model path is required")
	}
	if opts.HParams == nil {
		return 0, errors.New("hparams are required")
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	runner, err := newRunner(opts.ModelPath, opts.Runner)
	if err != nil {
		return 0, fmt.Errorf("load graph: %w", err)
	}
	defer runner.Close()

	inputs, err := BuildInputs(smokeTokens(opts.HParams), DefaultScales(), nil, 0)
	if err != nil {
		return 0, err
	}

	outputs, err := runner.Run(ctx, inputs)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stdout, "FAIL %s: %v\n", runner.Name(), err)
		return 0, fmt.Errorf("smoke inference: %w", err)
	}

	wav, err := Waveform(outputs)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stdout, "FAIL %s: %v\n", runner.Name(), err)
		return 0, err
	}

	_, _ = fmt.Fprintf(opts.Stdout, "PASS %s (%d samples at %d Hz)\n", runner.Name(), len(wav), opts.HParams.Data.SamplingRate)

	return len(wav), nil
}

func smokeTokens(hp *HParams) []int64 {
	const n = 8

	tokens := make([]int64, 0, n)
	for i := 1; i < len(hp.Symbols) && len(tokens) < n; i++ {
		tokens = append(tokens, int64(i))
	}
	if len(tokens) == 0 {
		tokens = append(tokens, 0)
	}

	if hp.Data.AddBlank {
		return tokenizer.Intersperse(tokens, tokenizer.BlankID)
	}

	return tokens
}
