package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/example/go-vits-stream/internal/audio"
	"github.com/example/go-vits-stream/internal/config"
	"github.com/example/go-vits-stream/internal/metrics"
	"github.com/example/go-vits-stream/internal/stream"
	"github.com/example/go-vits-stream/internal/text"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Streamer starts streaming sessions. *tts.Service satisfies it.
type Streamer interface {
	Stream(ctx context.Context, input string) (*stream.Session, error)
	SampleRate() int
}

// HealthCheck reports the state of a dependency on GET /health.
type HealthCheck func() error

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxTextBytes   int
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	checks         map[string]HealthCheck
}

func defaultOptions() options {
	return options{
		maxTextBytes:   4096,
		workers:        2,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxTextBytes sets the maximum allowed text length in bytes.
func WithMaxTextBytes(n int) Option {
	return func(o *options) { o.maxTextBytes = n }
}

// WithWorkers sets the maximum number of concurrent sessions. Zero disables
// the limit.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request synthesis deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records per-route request metrics and serves GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHealthCheck adds a named dependency check to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(o *options) {
		if o.checks == nil {
			o.checks = make(map[string]HealthCheck)
		}
		o.checks[name] = check
	}
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	svc  Streamer
	opts options
	sem  chan struct{}
	log  *slog.Logger
}

// NewHandler returns an http.Handler that serves GET /health, POST /tts,
// POST /tts/stream and, with WithMetrics, GET /metrics.
func NewHandler(svc Streamer, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		svc:  svc,
		opts: opts,
		log:  opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.Handle("/health", h.instrument("/health", h.handleHealth))
	mux.Handle("/tts", h.instrument("/tts", h.handleTTS))
	mux.Handle("/tts/stream", h.instrument("/tts/stream", h.handleTTSStream))
	if opts.metrics != nil {
		mux.Handle("/metrics", opts.metrics.Handler())
	}
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{
		"status":      "ok",
		"version":     buildVersion(),
		"sample_rate": strconv.Itoa(h.svc.SampleRate()),
	}
	status := http.StatusOK

	for name, check := range h.opts.checks {
		if err := check(); err != nil {
			body[name] = err.Error()
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		body[name] = "ok"
	}

	writeJSON(w, status, body)
}

type ttsRequest struct {
	Text string `json:"text"`
}

// decode validates the request and returns its text. It writes the error
// response itself and returns false on failure.
func (h *handler) decode(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return "", false
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return "", false
	}

	var req ttsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return "", false
	}

	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text field is required")
		return "", false
	}

	if len(req.Text) > h.opts.maxTextBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("text exceeds maximum size of %d bytes", h.opts.maxTextBytes))
		return "", false
	}

	return req.Text, true
}

// acquire takes a worker slot, honouring cancellation while waiting. The
// returned func releases it.
func (h *handler) acquire(w http.ResponseWriter, r *http.Request) (func(), bool) {
	if h.sem == nil {
		return func() {}, true
	}

	select {
	case h.sem <- struct{}{}:
		return func() { <-h.sem }, true
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
		return nil, false
	}
}

// start opens a session and probes its first chunk so failures are still
// reported with a proper status code.
func (h *handler) start(ctx context.Context, w http.ResponseWriter, input string) (*stream.Session, bool) {
	sess, err := h.svc.Stream(ctx, input)
	if err != nil {
		h.fail(ctx, w, "", len(input), err)
		return nil, false
	}

	if _, err := sess.Probe(ctx); err != nil {
		_ = sess.Close()
		h.fail(ctx, w, sess.ID(), len(input), err)
		return nil, false
	}

	return sess, true
}

func (h *handler) fail(ctx context.Context, w http.ResponseWriter, session string, textLen int, err error) {
	attrs := []any{
		slog.String("session", session),
		slog.Int("text_len", textLen),
		slog.String("error", err.Error()),
	}

	switch {
	case errors.Is(err, text.ErrEmptyText), errors.Is(err, text.ErrNoTokens):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		h.log.WarnContext(ctx, "synthesis timed out", attrs...)
		writeError(w, http.StatusGatewayTimeout, "synthesis timed out")
	default:
		h.log.ErrorContext(ctx, "synthesis failed", attrs...)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	input, ok := h.decode(w, r)
	if !ok {
		return
	}

	release, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	sess, ok := h.start(ctx, w, input)
	if !ok {
		return
	}

	acc := audio.NewAccumulator()
	if err := audio.Consume(ctx, sess, acc); err != nil {
		h.fail(ctx, w, sess.ID(), len(input), err)
		return
	}

	var buf bytes.Buffer
	if err := acc.WriteWAV(&buf, h.svc.SampleRate()); err != nil {
		h.fail(ctx, w, sess.ID(), len(input), err)
		return
	}

	h.log.InfoContext(r.Context(), "synthesis complete",
		slog.String("session", sess.ID()),
		slog.Int("text_len", len(input)),
		slog.Int("chunks", acc.Chunks()),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.Int("wav_bytes", buf.Len()),
	)

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("X-Session-ID", sess.ID())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *handler) handleTTSStream(w http.ResponseWriter, r *http.Request) {
	input, ok := h.decode(w, r)
	if !ok {
		return
	}

	release, ok := h.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	sess, ok := h.start(ctx, w, input)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("X-Session-ID", sess.ID())
	w.WriteHeader(http.StatusOK)

	sink := audio.NewWAVStreamSink(w, h.svc.SampleRate())
	err := audio.Consume(ctx, sess, sink)

	attrs := []any{
		slog.String("session", sess.ID()),
		slog.Int("text_len", len(input)),
		slog.Int64("pcm_bytes", sink.BytesWritten()),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if err != nil {
		// Headers are already sent; the client sees a truncated stream.
		h.log.WarnContext(r.Context(), "stream aborted", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	h.log.InfoContext(r.Context(), "stream complete", attrs...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server wires the handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.ServerConfig
	svc             Streamer
	extra           []Option
	shutdownTimeout time.Duration
}

// New builds a server from cfg. extra options are applied after the ones
// derived from cfg.
func New(cfg config.ServerConfig, svc Streamer, extra ...Option) *Server {
	shutdown := time.Duration(cfg.ShutdownTimeout) * time.Second
	if shutdown <= 0 {
		shutdown = 30 * time.Second
	}

	return &Server{
		cfg:             cfg,
		svc:             svc,
		extra:           extra,
		shutdownTimeout: shutdown,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Handler returns the configured http.Handler.
func (s *Server) Handler() http.Handler {
	opts := []Option{
		WithWorkers(s.cfg.Workers),
		WithMaxTextBytes(s.cfg.MaxTextBytes),
	}
	if s.cfg.RequestTimeout > 0 {
		opts = append(opts, WithRequestTimeout(time.Duration(s.cfg.RequestTimeout)*time.Second))
	}

	return NewHandler(s.svc, append(opts, s.extra...)...)
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	if s.svc == nil {
		return errors.New("server: nil streamer")
	}

	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP checks GET /health on addr.
func ProbeHTTP(ctx context.Context, addr string) error {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
