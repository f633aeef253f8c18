package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"

	"go.uber.org/multierr"

	"github.com/example/go-vits-stream/internal/stream"
)

// Sink receives chunks in stream order. Close releases the sink's resources
// and must be safe to call once after any WriteChunk outcome.
type Sink interface {
	WriteChunk(ctx context.Context, c stream.Chunk) error
	Close() error
}

// ChunkStream is the consumer side of a streaming session.
type ChunkStream interface {
	All(ctx context.Context) iter.Seq2[stream.Chunk, error]
	Close() error
}

// Consume pulls every chunk from s and writes it to sink. The sink and the
// stream are both closed on every return path.
func Consume(ctx context.Context, s ChunkStream, sink Sink) (err error) {
	defer func() {
		if f, ok := sink.(Failer); ok && err != nil {
			f.Fail(err)
		}
		err = multierr.Combine(err, sink.Close(), s.Close())
	}()

	for c, nextErr := range s.All(ctx) {
		if nextErr != nil {
			return nextErr
		}
		if err := sink.WriteChunk(ctx, c); err != nil {
			return fmt.Errorf("sink write chunk %d: %w", c.Seq, err)
		}
	}

	return nil
}

// Failer is implemented by sinks that report a failed stream on Close.
// Consume calls Fail before Close when the stream ends with an error.
type Failer interface {
	Fail(err error)
}

// MultiSink fans each chunk out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) WriteChunk(ctx context.Context, c stream.Chunk) error {
	for _, s := range m {
		if err := s.WriteChunk(ctx, c); err != nil {
			return err
		}
	}

	return nil
}

// Fail forwards err to every member that implements Failer.
func (m MultiSink) Fail(err error) {
	for _, s := range m {
		if f, ok := s.(Failer); ok {
			f.Fail(err)
		}
	}
}

func (m MultiSink) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}

	return err
}

// Accumulator collects chunks in memory for offline export.
type Accumulator struct {
	mu      sync.Mutex
	samples []float32
	chunks  int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) WriteChunk(_ context.Context, c stream.Chunk) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples = append(a.samples, c.Float32s()...)
	a.chunks++

	return nil
}

func (a *Accumulator) Close() error { return nil }

// Samples returns the concatenation of every chunk received so far.
func (a *Accumulator) Samples() []float32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]float32, len(a.samples))
	copy(out, a.samples)

	return out
}

// Chunks returns the number of chunks received.
func (a *Accumulator) Chunks() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.chunks
}

// WriteWAV peak-normalizes the collected audio to FileHeadroom and writes it
// as a 16-bit PCM WAV file.
func (a *Accumulator) WriteWAV(w io.Writer, sampleRate int) error {
	return WriteWAV(w, PeakNormalize(a.Samples(), FileHeadroom, PeakFloor), sampleRate)
}

// ErrStreamHeader is returned by WAVStreamSink.WriteChunk after a failed
// header write.
var ErrStreamHeader = errors.New("write streaming WAV header")

// WAVStreamSink writes a streaming WAV (unknown length) to w, flushing after
// every chunk when w is an http.Flusher.
type WAVStreamSink struct {
	w          io.Writer
	flusher    http.Flusher
	sampleRate int

	header  bool
	headErr error
	buf     []byte
	written int64
}

func NewWAVStreamSink(w io.Writer, sampleRate int) *WAVStreamSink {
	f, _ := w.(http.Flusher)
	return &WAVStreamSink{w: w, flusher: f, sampleRate: sampleRate}
}

// WriteHeader writes the WAV header if it has not been written yet. It is
// called implicitly by the first WriteChunk.
func (s *WAVStreamSink) WriteHeader() error {
	if s.header {
		return s.headErr
	}
	s.header = true

	if _, err := WriteWAVHeaderStreaming(s.w, s.sampleRate); err != nil {
		s.headErr = fmt.Errorf("%w: %w", ErrStreamHeader, err)
		return s.headErr
	}
	s.flush()

	return nil
}

func (s *WAVStreamSink) WriteChunk(_ context.Context, c stream.Chunk) error {
	if err := s.WriteHeader(); err != nil {
		return err
	}

	s.buf = AppendPCM16LE(s.buf[:0], c.PCM16())
	n, err := s.w.Write(s.buf)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("write pcm: %w", err)
	}
	s.flush()

	return nil
}

// BytesWritten returns the number of PCM bytes written after the header.
func (s *WAVStreamSink) BytesWritten() int64 { return s.written }

// Close writes the header for an empty stream so the output is still a
// valid WAV file.
func (s *WAVStreamSink) Close() error {
	if !s.header {
		return s.WriteHeader()
	}

	return nil
}

func (s *WAVStreamSink) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
