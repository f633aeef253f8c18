// Package synth provides the chunk sources that feed a stream session: a
// deterministic tone generator, a VITS ONNX graph and an external engine
// subprocess.
package synth

import (
	"context"
	"errors"
	"time"

	"github.com/example/go-vits-stream/internal/stream"
)

// DefaultBlockSize is the number of samples per emitted chunk.
const DefaultBlockSize = 1024

// ErrEmptyRequest is returned when a request carries no tokens.
var ErrEmptyRequest = errors.New("request has no tokens")

// emitBlocks slices samples into blocks of at most size and emits each as
// a float32 chunk. The blocks alias samples.
func emitBlocks(ctx context.Context, samples []float32, size int, emit func(stream.Chunk) error) error {
	if size <= 0 {
		size = DefaultBlockSize
	}

	for start := 0; start < len(samples); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+size, len(samples))
		if err := emit(stream.Float32Chunk(samples[start:end])); err != nil {
			return err
		}
	}

	return nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
