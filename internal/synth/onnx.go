package synth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/go-vits-stream/internal/model"
	"github.com/example/go-vits-stream/internal/onnx"
	"github.com/example/go-vits-stream/internal/stream"
)

// ONNXSource runs an exported VITS graph once per request segment and emits
// the waveform in BlockSize chunks as soon as each segment is decoded.
type ONNXSource struct {
	Runner    onnx.GraphRunner
	Scales    model.Scales
	BlockSize int
	Logger    *slog.Logger
}

// NewONNXSource wraps runner. scales are fed to the graph as given.
func NewONNXSource(runner onnx.GraphRunner, scales model.Scales, blockSize int, logger *slog.Logger) *ONNXSource {
	if logger == nil {
		logger = slog.Default()
	}

	return &ONNXSource{
		Runner:    runner,
		Scales:    scales,
		BlockSize: blockSize,
		Logger:    logger,
	}
}

// Stream implements stream.Source.
func (s *ONNXSource) Stream(ctx context.Context, req stream.Request, emit func(stream.Chunk) error) error {
	if len(req.Tokens()) == 0 {
		return ErrEmptyRequest
	}

	for i, seg := range req.Segments {
		if len(seg.Tokens) == 0 {
			continue
		}

		inputs, err := model.BuildInputs(seg.Tokens, s.Scales, seg.Prosody, req.ProsodyDim)
		if err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}

		start := time.Now()
		outputs, err := s.Runner.Run(ctx, inputs)
		if err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}

		wav, err := model.Waveform(outputs)
		if err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}

		s.Logger.Debug("segment decoded",
			slog.Int("segment", i),
			slog.Int("tokens", len(seg.Tokens)),
			slog.Int("samples", len(wav)),
			slog.Duration("elapsed", time.Since(start)),
		)

		if err := emitBlocks(ctx, wav, s.BlockSize, emit); err != nil {
			return err
		}
	}

	return nil
}
