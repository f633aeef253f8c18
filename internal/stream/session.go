// Package stream relays audio chunks from a synthesis source running in its
// own goroutine to a consumer that needs ordered, steady delivery.
//
// A Session owns a bounded Relay, a single producer goroutine and the
// terminal status of that producer. Consumers pull chunks with Next (or range
// over All) and learn about producer failures from the returned error rather
// than from a silently truncated stream.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
)

const (
	DefaultCapacity    = 8
	DefaultGetTimeout  = time.Second
	DefaultJoinTimeout = 5 * time.Second
)

var (
	// ErrInvalidOptions wraps every session option validation failure.
	ErrInvalidOptions = errors.New("invalid stream options")
	// ErrSourceFailed wraps the cause when the chunk source fails mid-stream.
	ErrSourceFailed = errors.New("chunk source failed")
	// ErrStallTimeout is returned when the relay stays empty for more than
	// Options.StallLimit consecutive waits.
	ErrStallTimeout = errors.New("stream stalled")
	// ErrProducerDead is returned when the producer goroutine exited without
	// setting the terminal latch.
	ErrProducerDead = errors.New("producer exited without finishing")
	// ErrProducerStuck is returned by Close when the producer does not exit
	// within Options.JoinTimeout.
	ErrProducerStuck = errors.New("producer did not exit after close")
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("stream session closed")
	// ErrNoAudio is returned by Probe for a stream that finished without chunks.
	ErrNoAudio = errors.New("stream produced no audio")
	// ErrFormatChanged is returned to the source when a chunk's format differs
	// from the first chunk of the session.
	ErrFormatChanged = errors.New("sample format changed mid-stream")
)

// Segment is one front-end unit of a request (usually a sentence).
// Prosody, when present, holds len(Tokens)*ProsodyDim values in row order.
type Segment struct {
	Text    string
	Tokens  []int64
	Prosody []float32
}

// Request is the input handed to a chunk source.
type Request struct {
	Text       string
	Segments   []Segment
	ProsodyDim int
}

// Tokens returns the token ids of every segment, concatenated.
func (r Request) Tokens() []int64 {
	var n int
	for _, s := range r.Segments {
		n += len(s.Tokens)
	}
	out := make([]int64, 0, n)
	for _, s := range r.Segments {
		out = append(out, s.Tokens...)
	}
	return out
}

// Source produces a finite, non-restartable sequence of chunks for a request.
// Stream calls emit once per chunk, in order, from its own goroutine, and
// must return once emit returns an error. emit must not be retained or called
// after Stream returns; such calls get ErrRelayFinished.
type Source interface {
	Stream(ctx context.Context, req Request, emit func(Chunk) error) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request, emit func(Chunk) error) error

func (f SourceFunc) Stream(ctx context.Context, req Request, emit func(Chunk) error) error {
	return f(ctx, req, emit)
}

// Status is the terminal state of a session's producer.
type Status int

const (
	StatusRunning Status = iota
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Observer receives session lifecycle events. Implementations must be safe
// for concurrent use: producer and consumer report from different goroutines.
type Observer interface {
	SessionStarted()
	ChunkRelayed(occupancy int)
	EmptyTimeout()
	FirstChunk(latency time.Duration)
	SessionFinished(status Status, chunks int)
}

type nopObserver struct{}

func (nopObserver) SessionStarted()             {}
func (nopObserver) ChunkRelayed(int)            {}
func (nopObserver) EmptyTimeout()               {}
func (nopObserver) FirstChunk(time.Duration)    {}
func (nopObserver) SessionFinished(Status, int) {}

// Options configures a session.
type Options struct {
	// Capacity is the relay depth in chunks.
	Capacity int
	// GetTimeout bounds each consumer wait before the termination state is
	// re-checked.
	GetTimeout time.Duration
	// StallLimit is the number of consecutive empty waits tolerated while
	// the producer is still running. 0 disables the bound.
	StallLimit int
	// JoinTimeout bounds how long Close waits for the producer to exit.
	// 0 waits indefinitely.
	JoinTimeout time.Duration
	Logger      *slog.Logger
	Observer    Observer
}

func DefaultOptions() Options {
	return Options{
		Capacity:    DefaultCapacity,
		GetTimeout:  DefaultGetTimeout,
		JoinTimeout: DefaultJoinTimeout,
	}
}

func (o Options) validate() error {
	if o.Capacity < 1 {
		return fmt.Errorf("%w: %w (got %d)", ErrInvalidOptions, ErrInvalidCapacity, o.Capacity)
	}
	if o.GetTimeout <= 0 {
		return fmt.Errorf("%w: get timeout must be > 0 (got %s)", ErrInvalidOptions, o.GetTimeout)
	}
	if o.StallLimit < 0 {
		return fmt.Errorf("%w: stall limit must be >= 0 (got %d)", ErrInvalidOptions, o.StallLimit)
	}
	if o.JoinTimeout < 0 {
		return fmt.Errorf("%w: join timeout must be >= 0 (got %s)", ErrInvalidOptions, o.JoinTimeout)
	}
	return nil
}

// Session is one streaming synthesis request. Next, All, Probe and Collect
// must be called from a single consumer goroutine; Close, Err, Status and
// Wait are safe from any goroutine.
type Session struct {
	id    string
	opts  Options
	relay *Relay
	log   *slog.Logger
	obs   Observer

	cancel      context.CancelFunc // producer context
	closeCtx    context.Context
	closeCancel context.CancelFunc
	exited      chan struct{}
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error

	mu     sync.Mutex
	status Status
	cause  error
	chunks int

	// consumer-side state
	started   time.Time
	delivered int
	stalls    int
	pending   *Chunk
	format    SampleFormat
}

// Start validates opts, creates the relay and launches the producer.
func Start(ctx context.Context, src Source, req Request, opts Options) (*Session, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidOptions)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	relay, err := NewRelay(opts.Capacity)
	if err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	id := uuid.NewString()
	prodCtx, cancel := context.WithCancel(ctx)
	closeCtx, closeCancel := context.WithCancel(context.Background())

	s := &Session{
		id:          id,
		opts:        opts,
		relay:       relay,
		log:         opts.Logger.With(slog.String("component", "stream"), slog.String("session", id)),
		obs:         opts.Observer,
		cancel:      cancel,
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
		exited:      make(chan struct{}),
		started:     time.Now(),
	}

	s.obs.SessionStarted()
	s.log.Debug("stream session started",
		slog.Int("capacity", opts.Capacity),
		slog.Duration("get_timeout", opts.GetTimeout),
		slog.Int("segments", len(req.Segments)),
	)

	go s.produce(prodCtx, src, req)

	return s, nil
}

// ID returns the session identifier used in logs and bus subjects.
func (s *Session) ID() string { return s.id }

// Capacity returns the relay depth.
func (s *Session) Capacity() int { return s.relay.Cap() }

// Occupancy returns the number of chunks currently buffered.
func (s *Session) Occupancy() int { return s.relay.Len() }

func (s *Session) produce(ctx context.Context, src Source, req Request) {
	defer close(s.exited)

	var (
		seq      int
		format   SampleFormat
		returned atomic.Bool
	)
	emit := func(c Chunk) error {
		if returned.Load() {
			return ErrRelayFinished
		}
		if err := c.validate(); err != nil {
			return err
		}
		if c.Len() == 0 {
			return nil
		}
		if format == FormatUnknown {
			format = c.Format
		} else if c.Format != format {
			return fmt.Errorf("%w: %s then %s", ErrFormatChanged, format, c.Format)
		}

		c.Seq = seq
		if err := s.relay.Put(ctx, c); err != nil {
			return err
		}
		seq++
		s.obs.ChunkRelayed(s.relay.Len())
		return nil
	}

	var (
		pc  panics.Catcher
		err error
	)
	pc.Try(func() { err = src.Stream(ctx, req, emit) })
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}
	returned.Store(true)

	s.finish(ctx, err, seq)
}

// finish records the terminal status before setting the relay latch, so a
// consumer that observes ErrDrained always sees the final status.
func (s *Session) finish(ctx context.Context, err error, chunks int) {
	status := StatusSucceeded
	switch {
	case err == nil:
	case errors.Is(err, ErrRelayAborted),
		ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		status = StatusCancelled
	default:
		status = StatusFailed
	}

	s.mu.Lock()
	s.status = status
	s.cause = err
	s.chunks = chunks
	s.mu.Unlock()

	switch status {
	case StatusFailed:
		s.log.Error("chunk source failed",
			slog.Int("chunks", chunks),
			slog.String("error", err.Error()),
		)
	case StatusCancelled:
		s.log.Info("stream session cancelled", slog.Int("chunks", chunks))
	default:
		s.log.Debug("chunk source finished", slog.Int("chunks", chunks))
	}

	s.obs.SessionFinished(status, chunks)
	s.relay.Finish()
}

// Status returns the producer's terminal status, or StatusRunning.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the producer's failure cause once it has finished, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

func (s *Session) terminalErr() error {
	s.mu.Lock()
	status, cause := s.status, s.cause
	s.mu.Unlock()

	switch status {
	case StatusSucceeded:
		return io.EOF
	case StatusFailed:
		return fmt.Errorf("%w: %w", ErrSourceFailed, cause)
	case StatusCancelled:
		if s.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("stream cancelled: %w", cause)
	default:
		return ErrProducerDead
	}
}

// Next returns the next chunk in production order. It returns io.EOF once
// the producer succeeded and every chunk was delivered, and an error wrapping
// ErrSourceFailed when the producer failed.
func (s *Session) Next(ctx context.Context) (Chunk, error) {
	if s.closed.Load() {
		return Chunk{}, ErrClosed
	}
	if s.pending != nil {
		c := *s.pending
		s.pending = nil
		return c, nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.closeCtx, cancel)
	defer stop()

	for {
		c, err := s.relay.Get(waitCtx, s.opts.GetTimeout)
		switch {
		case err == nil:
			s.stalls = 0
			if s.delivered == 0 {
				s.obs.FirstChunk(time.Since(s.started))
			}
			s.delivered++
			return c, nil
		case errors.Is(err, ErrDrained):
			return Chunk{}, s.terminalErr()
		case errors.Is(err, ErrEmptyTimeout):
			s.stalls++
			s.obs.EmptyTimeout()
			if err := s.checkLiveness(); err != nil {
				return Chunk{}, err
			}
		default:
			if s.closed.Load() {
				return Chunk{}, ErrClosed
			}
			return Chunk{}, err
		}
	}
}

func (s *Session) checkLiveness() error {
	select {
	case <-s.exited:
		if !s.relay.Finished() {
			s.log.Error("producer exited without finishing")
			return ErrProducerDead
		}
		// Latch set after our wait began; the next Get drains.
		return nil
	default:
	}

	if s.opts.StallLimit > 0 && s.stalls >= s.opts.StallLimit {
		s.log.Warn("stream stalled",
			slog.Int("empty_waits", s.stalls),
			slog.Duration("get_timeout", s.opts.GetTimeout),
		)
		return fmt.Errorf("%w: no chunk after %d waits of %s", ErrStallTimeout, s.stalls, s.opts.GetTimeout)
	}

	s.log.Debug("relay empty, waiting", slog.Int("empty_waits", s.stalls))
	return nil
}

// All returns a single-pass iterator over the session's chunks. A normal end
// of stream ends the iteration; any other error is yielded once.
func (s *Session) All(ctx context.Context) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for {
			c, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Collect drains the session and returns every chunk in order.
func (s *Session) Collect(ctx context.Context) ([]Chunk, error) {
	var out []Chunk
	for c, err := range s.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Probe negotiates the session format from the first chunk. The probed chunk
// is retained and returned by the next call to Next.
func (s *Session) Probe(ctx context.Context) (SampleFormat, error) {
	if s.format != FormatUnknown {
		return s.format, nil
	}

	c, err := s.Next(ctx)
	if errors.Is(err, io.EOF) {
		return FormatUnknown, ErrNoAudio
	}
	if err != nil {
		return FormatUnknown, err
	}

	format, err := NegotiateFormat(c)
	if err != nil {
		return FormatUnknown, err
	}

	s.pending = &c
	s.format = format
	s.log.Debug("sample format negotiated", slog.String("format", format.String()))

	return format, nil
}

// Wait blocks until the producer exits and returns its failure cause.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.exited:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the producer, unblocks a pending Put and joins the producer
// goroutine. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeCancel()
		s.cancel()
		s.relay.Abort()

		if s.opts.JoinTimeout == 0 {
			<-s.exited
			return
		}

		timer := time.NewTimer(s.opts.JoinTimeout)
		defer timer.Stop()
		select {
		case <-s.exited:
		case <-timer.C:
			s.log.Warn("producer did not exit after close", slog.Duration("join_timeout", s.opts.JoinTimeout))
			s.closeErr = ErrProducerStuck
		}
	})
	return s.closeErr
}
