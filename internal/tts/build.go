package tts

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/example/go-vits-stream/internal/config"
	"github.com/example/go-vits-stream/internal/model"
	"github.com/example/go-vits-stream/internal/onnx"
	"github.com/example/go-vits-stream/internal/stream"
	"github.com/example/go-vits-stream/internal/synth"
	"github.com/example/go-vits-stream/internal/text"
	"github.com/example/go-vits-stream/internal/tokenizer"
)

var bootstrapRuntime = onnx.Bootstrap

var newRunner = func(path string, cfg onnx.RunnerConfig) (onnx.GraphRunner, error) {
	return onnx.NewRunner(path, cfg)
}

// StreamOptions maps the stream config section onto session options.
func StreamOptions(c config.StreamConfig) stream.Options {
	return stream.Options{
		Capacity:    c.Capacity,
		GetTimeout:  c.GetTimeout,
		StallLimit:  c.StallLimit,
		JoinTimeout: c.JoinTimeout,
	}
}

// NewFromConfig builds the service for the configured backend. Extra options
// are applied after the config-derived ones.
func NewFromConfig(cfg config.Config, logger *slog.Logger, extra ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := config.NormalizeBackend(cfg.Synth.Backend)
	if err != nil {
		return nil, err
	}

	hp, err := loadHParams(cfg.Paths.HParamsPath, backend == config.BackendONNX)
	if err != nil {
		return nil, err
	}

	sampleRate := cfg.Audio.SampleRate
	if hp != nil && hp.Data.SamplingRate != sampleRate {
		logger.Info("using model sample rate",
			slog.Int("configured", sampleRate),
			slog.Int("model", hp.Data.SamplingRate),
		)
		sampleRate = hp.Data.SamplingRate
	}

	tok, err := buildTokenizer(cfg.Paths.TokenizerPath, hp)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithLogger(logger),
		WithMaxChunkChars(cfg.Synth.MaxChunkChars),
		WithStreamOptions(StreamOptions(cfg.Stream)),
	}

	var src stream.Source
	switch backend {
	case config.BackendONNX:
		runner, err := openRunner(cfg, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithCloser(runner.Close))

		src = synth.NewONNXSource(runner, resolveScales(cfg.Synth, hp), cfg.Synth.BlockSize, logger)
	case config.BackendExec:
		ex, err := synth.NewExecSource(cfg.Synth.ExecCommand, sampleRate, logger)
		if err != nil {
			return nil, err
		}
		src = ex
	default:
		tone := synth.NewToneSource(sampleRate, cfg.Synth.BlockSize)
		if cfg.Synth.ToneFormat != "" {
			f, err := stream.ParseSampleFormat(cfg.Synth.ToneFormat)
			if err != nil {
				return nil, fmt.Errorf("synth.tone_format: %w", err)
			}
			tone.Format = f
		}
		src = tone
	}

	logger.Debug("tts service configured",
		slog.String("backend", backend),
		slog.Int("sample_rate", sampleRate),
		slog.Int("block_size", cfg.Synth.BlockSize),
	)

	return New(src, tok, sampleRate, append(opts, extra...)...)
}

// loadHParams reads the hparams file. A missing file is only an error when
// required is set.
func loadHParams(path string, required bool) (*model.HParams, error) {
	if path == "" {
		if required {
			return nil, errors.New("paths.hparams_path is required for the onnx backend")
		}
		return nil, nil
	}

	if _, err := os.Stat(path); err != nil && !required {
		return nil, nil
	}

	return model.LoadHParams(path)
}

// buildTokenizer prefers an explicit SentencePiece model, then the hparams
// symbol table, then the rune fallback.
func buildTokenizer(spPath string, hp *model.HParams) (text.Tokenizer, error) {
	if spPath != "" {
		var opts []tokenizer.SentencePieceOption
		if hp != nil {
			opts = append(opts, tokenizer.WithBlank(hp.Data.AddBlank))
		}
		sp, err := tokenizer.NewSentencePieceTokenizer(spPath, opts...)
		if err != nil {
			return nil, err
		}
		return sp, nil
	}

	if hp != nil {
		sym, err := tokenizer.NewSymbolTokenizer(hp.Symbols, hp.Data.AddBlank)
		if err != nil {
			return nil, err
		}
		return sym, nil
	}

	return tokenizer.RuneTokenizer{}, nil
}

func openRunner(cfg config.Config, logger *slog.Logger) (onnx.GraphRunner, error) {
	info, err := bootstrapRuntime(cfg.Runtime)
	if err != nil {
		return nil, err
	}

	if cfg.Runtime.Threads > 0 {
		logger.Debug("ort session threads left to runtime defaults", slog.Int("requested", cfg.Runtime.Threads))
	}

	runner, err := newRunner(cfg.Paths.ModelPath, onnx.RunnerConfig{LibraryPath: info.LibraryPath})
	if err != nil {
		return nil, fmt.Errorf("open model %q: %w", cfg.Paths.ModelPath, err)
	}

	logger.Info("onnx model loaded",
		slog.String("model", cfg.Paths.ModelPath),
		slog.String("ort_library", info.LibraryPath),
		slog.String("ort_version", info.Version),
		slog.String("ort_source", info.Source),
	)

	return runner, nil
}

// resolveScales takes the configured scales and lets the checkpoint's
// recommendations replace the ones the user did not set.
func resolveScales(c config.SynthConfig, hp *model.HParams) model.Scales {
	s := model.Scales{
		Noise:  float32(c.NoiseScale),
		Length: float32(c.LengthScale),
		NoiseW: float32(c.NoiseScaleW),
	}
	if hp == nil {
		return s
	}

	return s.Recommend(hp.Inference, model.ScaleSet{
		Noise:  c.Explicit.NoiseScale,
		Length: c.Explicit.LengthScale,
		NoiseW: c.Explicit.NoiseScaleW,
	})
}
