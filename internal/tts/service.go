// Package tts ties the text front-end, a chunk source and the stream
// session together.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/go-vits-stream/internal/stream"
	"github.com/example/go-vits-stream/internal/text"
)

// Service turns text into streaming sessions over one chunk source. It is
// safe for concurrent use when its source is.
type Service struct {
	src        stream.Source
	tok        text.Tokenizer
	sampleRate int
	maxChars   int
	opts       stream.Options
	log        *slog.Logger
	closers    []func()
}

// Option configures a Service.
type Option func(*Service)

// WithStreamOptions sets the session options used for every request.
func WithStreamOptions(o stream.Options) Option {
	return func(s *Service) { s.opts = o }
}

// WithMaxChunkChars sets the sentence grouping limit, in runes.
func WithMaxChunkChars(n int) Option {
	return func(s *Service) { s.maxChars = n }
}

// WithLogger sets the service logger. Sessions inherit it unless the stream
// options carry their own.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithObserver attaches an observer to every session.
func WithObserver(o stream.Observer) Option {
	return func(s *Service) { s.opts.Observer = o }
}

// WithCloser registers a release hook run by Close, e.g. an ONNX runner.
func WithCloser(fn func()) Option {
	return func(s *Service) { s.closers = append(s.closers, fn) }
}

// New builds a service over src.
func New(src stream.Source, tok text.Tokenizer, sampleRate int, opts ...Option) (*Service, error) {
	if src == nil {
		return nil, errors.New("tts: nil source")
	}
	if tok == nil {
		return nil, errors.New("tts: nil tokenizer")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("tts: sample rate must be > 0 (got %d)", sampleRate)
	}

	s := &Service{
		src:        src,
		tok:        tok,
		sampleRate: sampleRate,
		opts:       stream.DefaultOptions(),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.opts.Logger == nil {
		s.opts.Logger = s.log
	}

	return s, nil
}

// SampleRate returns the rate of every chunk this service produces.
func (s *Service) SampleRate() int { return s.sampleRate }

// StreamOptions returns the session options used per request.
func (s *Service) StreamOptions() stream.Options { return s.opts }

// Prepare runs the text front-end without starting synthesis.
func (s *Service) Prepare(input string) (stream.Request, error) {
	segments, err := text.Prepare(input, s.tok, s.maxChars)
	if err != nil {
		return stream.Request{}, err
	}

	return stream.Request{Text: input, Segments: segments}, nil
}

// Stream starts a session for input. The caller owns the session and must
// Close it.
func (s *Service) Stream(ctx context.Context, input string) (*stream.Session, error) {
	req, err := s.Prepare(input)
	if err != nil {
		return nil, err
	}

	sess, err := stream.Start(ctx, s.src, req, s.opts)
	if err != nil {
		return nil, err
	}

	s.log.Debug("tts stream started",
		slog.String("session", sess.ID()),
		slog.Int("segments", len(req.Segments)),
		slog.Int("tokens", len(req.Tokens())),
	)

	return sess, nil
}

// Synthesize runs a full session and returns the concatenated waveform.
func (s *Service) Synthesize(ctx context.Context, input string) ([]float32, error) {
	sess, err := s.Stream(ctx, input)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var out []float32
	for c, err := range sess.All(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, c.Float32s()...)
	}

	return out, nil
}

// Close releases the resources registered with WithCloser.
func (s *Service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
