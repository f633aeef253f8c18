package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/example/go-vits-stream/internal/audio"
	"github.com/example/go-vits-stream/internal/stream"
)

// FormatPCM16LE is the only payload encoding published on the bus.
const FormatPCM16LE = "pcm16le"

// ErrSinkClosed is returned by WriteChunk after Close.
var ErrSinkClosed = errors.New("bus sink closed")

// AudioChunk is the JSON envelope published per chunk. PCM is base64 in
// JSON.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
	Error      string `json:"error,omitempty"`
}

// Subject returns the per-session audio subject under prefix.
func Subject(prefix, sessionID string) string {
	return prefix + "." + sessionID
}

// Sink publishes every chunk of one session and a terminal envelope with
// Final set on Close.
type Sink struct {
	pub        Publisher
	subject    string
	sessionID  string
	sampleRate int
	onPublish  func()

	mu     sync.Mutex
	next   int
	closed bool
	failed error
}

var (
	_ audio.Sink   = (*Sink)(nil)
	_ audio.Failer = (*Sink)(nil)
)

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithPublishHook registers fn to be called after every published chunk.
func WithPublishHook(fn func()) SinkOption {
	return func(s *Sink) { s.onPublish = fn }
}

// NewSink publishes to Subject(prefix, sessionID).
func NewSink(pub Publisher, prefix, sessionID string, sampleRate int, opts ...SinkOption) *Sink {
	s := &Sink{
		pub:        pub,
		subject:    Subject(prefix, sessionID),
		sessionID:  sessionID,
		sampleRate: sampleRate,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SubjectName returns the subject this sink publishes to.
func (s *Sink) SubjectName() string { return s.subject }

// WriteChunk implements audio.Sink.
func (s *Sink) WriteChunk(_ context.Context, c stream.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	env := s.envelope()
	env.PCM = audio.AppendPCM16LE(nil, c.PCM16())

	if err := s.publish(env); err != nil {
		s.failed = err
		return err
	}
	s.next++

	if s.onPublish != nil {
		s.onPublish()
	}

	return nil
}

// Fail marks the stream as failed; the terminal envelope carries err.
func (s *Sink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed == nil {
		s.failed = err
	}
}

// Close implements audio.Sink. It is idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	env := s.envelope()
	env.Final = true
	if s.failed != nil {
		env.Error = s.failed.Error()
	}

	return s.publish(env)
}

func (s *Sink) envelope() AudioChunk {
	return AudioChunk{
		SessionID:  s.sessionID,
		Sequence:   s.next,
		SampleRate: s.sampleRate,
		Channels:   1,
		Format:     FormatPCM16LE,
	}
}

func (s *Sink) publish(env AudioChunk) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode audio chunk: %w", err)
	}

	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", s.subject, err)
	}

	return nil
}
