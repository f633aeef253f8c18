package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/go-vits-stream/internal/audio"
	"github.com/example/go-vits-stream/internal/stream"
)

// Request is the JSON body accepted on the request subject.
type Request struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// Accepted is sent as the reply when the request message has a reply
// subject.
type Accepted struct {
	SessionID string `json:"session_id"`
	Subject   string `json:"subject"`
	Error     string `json:"error,omitempty"`
}

// Streamer starts synthesis sessions; *tts.Service satisfies it.
type Streamer interface {
	Stream(ctx context.Context, text string) (*stream.Session, error)
	SampleRate() int
}

// Service answers synthesis requests on a subject by streaming the audio to
// Subject(prefix, session).
type Service struct {
	pub       Publisher
	streamer  Streamer
	prefix    string
	timeout   time.Duration
	onPublish func()
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription

	// mu orders wg.Add against closing so no stream starts once Shutdown
	// or Close is waiting.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// ErrShuttingDown is reported to requests that arrive after Shutdown or
// Close began.
var ErrShuttingDown = errors.New("shutting down")

// NewService builds a request handler. timeout bounds each request.
func NewService(parent context.Context, pub Publisher, streamer Streamer, prefix string, timeout time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)

	return &Service{
		pub:      pub,
		streamer: streamer,
		prefix:   prefix,
		timeout:  timeout,
		log:      log.With(slog.String("component", "bus")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnPublish registers a hook run after every published chunk.
func (s *Service) OnPublish(fn func()) { s.onPublish = fn }

// Start subscribes to subject on client.
func (s *Service) Start(client *Client, subject string) error {
	sub, err := client.Subscribe(subject, s.HandleMsg)
	if err != nil {
		return err
	}
	s.sub = sub
	s.log.Info("listening for synthesis requests", slog.String("subject", subject))

	return nil
}

// HandleMsg decodes one request and streams it in the background.
func (s *Service) HandleMsg(msg *nats.Msg) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode tts request", slog.String("error", err.Error()))
		s.reply(msg, Accepted{Error: "invalid request: " + err.Error()})
		return
	}

	if !s.begin() {
		s.reply(msg, Accepted{SessionID: req.SessionID, Error: ErrShuttingDown.Error()})
		return
	}

	ctx, cancel := s.requestContext()

	sess, err := s.streamer.Stream(ctx, req.Text)
	if err != nil {
		cancel()
		s.wg.Done()
		s.log.Warn("tts request rejected", slog.String("error", err.Error()))
		s.reply(msg, Accepted{SessionID: req.SessionID, Error: err.Error()})
		return
	}

	id := req.SessionID
	if id == "" {
		id = sess.ID()
	}

	var opts []SinkOption
	if s.onPublish != nil {
		opts = append(opts, WithPublishHook(s.onPublish))
	}
	sink := NewSink(s.pub, s.prefix, id, s.streamer.SampleRate(), opts...)
	s.reply(msg, Accepted{SessionID: id, Subject: sink.SubjectName()})

	go func() {
		defer s.wg.Done()
		defer cancel()

		if err := audio.Consume(ctx, sess, sink); err != nil {
			s.log.Warn("bus stream failed", slog.String("session", id), slog.String("error", err.Error()))
			return
		}
		s.log.Debug("bus stream finished", slog.String("session", id))
	}()
}

// begin reserves a slot in wg unless the service is closing.
func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.wg.Add(1)

	return true
}

func (s *Service) stopAccepting() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) requestContext() (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(s.ctx, s.timeout)
	}
	return context.WithCancel(s.ctx)
}

func (s *Service) reply(msg *nats.Msg, a Accepted) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := s.pub.Publish(msg.Reply, data); err != nil {
		s.log.Warn("failed to reply", slog.String("error", err.Error()))
	}
}

// Shutdown stops accepting requests and waits for running streams to
// finish. When ctx expires first the streams are cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopAccepting()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// Close cancels running streams and waits for them to release their sinks.
func (s *Service) Close() {
	s.stopAccepting()
	s.cancel()
	s.wg.Wait()
}
