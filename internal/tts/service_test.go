package tts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/example/go-vits-stream/internal/config"
	"github.com/example/go-vits-stream/internal/model"
	"github.com/example/go-vits-stream/internal/onnx"
	"github.com/example/go-vits-stream/internal/stream"
	"github.com/example/go-vits-stream/internal/synth"
	"github.com/example/go-vits-stream/internal/text"
	"github.com/example/go-vits-stream/internal/tokenizer"
)

func newToneService(t *testing.T, opts ...Option) (*Service, *synth.ToneSource) {
	t.Helper()

	src := &synth.ToneSource{SampleRate: 8000, BlockSize: 64, SamplesPerToken: 40}
	svc, err := New(src, tokenizer.RuneTokenizer{}, 8000, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return svc, src
}

func TestNew_Validation(t *testing.T) {
	src := synth.NewToneSource(8000, 64)

	if _, err := New(nil, tokenizer.RuneTokenizer{}, 8000); err == nil {
		t.Error("expected error for nil source")
	}
	if _, err := New(src, nil, 8000); err == nil {
		t.Error("expected error for nil tokenizer")
	}
	if _, err := New(src, tokenizer.RuneTokenizer{}, 0); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestService_Stream(t *testing.T) {
	svc, _ := newToneService(t, WithMaxChunkChars(4))

	sess, err := svc.Stream(context.Background(), "你好。世界。")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer sess.Close()

	chunks, err := sess.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	total := 0
	for i, c := range chunks {
		if c.Seq != i {
			t.Fatalf("chunk %d has seq %d", i, c.Seq)
		}
		total += c.Len()
	}

	// 6 runes, 40 samples each
	if total != 240 {
		t.Fatalf("total samples = %d, want 240", total)
	}
	if sess.Status() != stream.StatusSucceeded {
		t.Fatalf("status = %s", sess.Status())
	}
}

func TestService_PrepareSplitsSentences(t *testing.T) {
	svc, _ := newToneService(t, WithMaxChunkChars(3))

	req, err := svc.Prepare("你好。世界。")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(req.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(req.Segments))
	}

	if _, err := svc.Prepare("  "); !errors.Is(err, text.ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestService_SynthesizeMatchesRender(t *testing.T) {
	svc, src := newToneService(t)

	got, err := svc.Synthesize(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	want := src.Render([]int64{'a', 'b', 'c'})
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestService_SynthesizeCancelled(t *testing.T) {
	src := &synth.ToneSource{SampleRate: 8000, BlockSize: 8, SamplesPerToken: 40, Delay: time.Second}
	svc, err := New(src, tokenizer.RuneTokenizer{}, 8000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := svc.Synthesize(ctx, "abc"); err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestService_CloseRunsClosers(t *testing.T) {
	var order []int
	svc, _ := newToneService(t,
		WithCloser(func() { order = append(order, 1) }),
		WithCloser(func() { order = append(order, 2) }),
	)

	svc.Close()
	svc.Close()

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("closer order = %v, want [2 1]", order)
	}
}

func TestStreamOptions(t *testing.T) {
	o := StreamOptions(config.StreamConfig{Capacity: 3, GetTimeout: time.Second, StallLimit: 4, JoinTimeout: 2 * time.Second})
	if o.Capacity != 3 || o.GetTimeout != time.Second || o.StallLimit != 4 || o.JoinTimeout != 2*time.Second {
		t.Fatalf("unexpected options: %+v", o)
	}
}

func TestNewFromConfig_ToneDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Paths.HParamsPath = filepath.Join(t.TempDir(), "missing.json")
	cfg.Synth.ToneFormat = "int16"

	svc, err := NewFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	defer svc.Close()

	if svc.SampleRate() != cfg.Audio.SampleRate {
		t.Fatalf("sample rate = %d", svc.SampleRate())
	}
	if svc.StreamOptions().Capacity != cfg.Stream.Capacity {
		t.Fatalf("capacity = %d", svc.StreamOptions().Capacity)
	}

	sess, err := svc.Stream(context.Background(), "hello.")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer sess.Close()

	format, err := sess.Probe(context.Background())
	if err != nil || format != stream.FormatInt16 {
		t.Fatalf("Probe = %s, %v", format, err)
	}
}

func writeHParams(t *testing.T, rate int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"data":{"sampling_rate":` + strconv.Itoa(rate) + `,"add_blank":true},"symbols":["_"," ","a","b"],"inference":{"noise_scale":0.3}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write hparams: %v", err)
	}

	return path
}

func TestNewFromConfig_HParamsRateAndSymbols(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Paths.HParamsPath = writeHParams(t, 16000)

	svc, err := NewFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}

	if svc.SampleRate() != 16000 {
		t.Fatalf("sample rate = %d, want 16000", svc.SampleRate())
	}

	req, err := svc.Prepare("ab")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	want := []int64{0, 2, 0, 3, 0}
	got := req.Tokens()
	if len(got) != len(want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tokens = %v, want %v", got, want)
		}
	}
}

func TestNewFromConfig_Errors(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Synth.Backend = "bogus"
	if _, err := NewFromConfig(cfg, nil); err == nil {
		t.Error("expected error for unknown backend")
	}

	cfg = config.DefaultConfig()
	cfg.Synth.Backend = config.BackendExec
	cfg.Synth.ExecCommand = ""
	cfg.Paths.HParamsPath = ""
	if _, err := NewFromConfig(cfg, nil); !errors.Is(err, synth.ErrEmptyCommand) {
		t.Errorf("expected ErrEmptyCommand, got %v", err)
	}

	cfg = config.DefaultConfig()
	cfg.Synth.Backend = config.BackendONNX
	cfg.Paths.HParamsPath = ""
	if _, err := NewFromConfig(cfg, nil); err == nil {
		t.Error("expected error for onnx backend without hparams")
	}

	cfg = config.DefaultConfig()
	cfg.Paths.HParamsPath = ""
	cfg.Synth.ToneFormat = "mp3"
	if _, err := NewFromConfig(cfg, nil); !errors.Is(err, stream.ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
}

type stubGraph struct{ closed bool }

func (g *stubGraph) Run(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	n := inputs[model.InputTokens].Shape()[1]
	out, err := onnx.NewTensor(make([]float32, n*10), []int64{1, 1, n * 10})
	if err != nil {
		return nil, err
	}
	return map[string]*onnx.Tensor{model.OutputAudio: out}, nil
}

func (g *stubGraph) Name() string { return "stub" }
func (g *stubGraph) Close()       { g.closed = true }

func TestNewFromConfig_ONNX(t *testing.T) {
	graph := &stubGraph{}

	origBoot, origRunner := bootstrapRuntime, newRunner
	t.Cleanup(func() { bootstrapRuntime, newRunner = origBoot, origRunner })

	bootstrapRuntime = func(config.RuntimeConfig) (onnx.RuntimeInfo, error) {
		return onnx.RuntimeInfo{LibraryPath: "/opt/ort/libonnxruntime.so", Version: "1.20.0"}, nil
	}
	newRunner = func(path string, rc onnx.RunnerConfig) (onnx.GraphRunner, error) {
		if rc.LibraryPath != "/opt/ort/libonnxruntime.so" {
			t.Fatalf("runner library = %q", rc.LibraryPath)
		}
		return graph, nil
	}

	cfg := config.DefaultConfig()
	cfg.Synth.Backend = "vits"
	cfg.Paths.HParamsPath = writeHParams(t, 22050)

	svc, err := NewFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}

	samples, err := svc.Synthesize(context.Background(), "ab")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(samples) != 50 {
		t.Fatalf("samples = %d, want 50", len(samples))
	}

	svc.Close()
	if !graph.closed {
		t.Fatal("runner not closed by service")
	}
}

func TestResolveScales(t *testing.T) {
	rec := func(v float32) *float32 { return &v }
	hp := &model.HParams{Inference: model.InferenceParams{NoiseScale: rec(0.333), LengthScale: rec(1.5)}}

	c := config.DefaultConfig().Synth
	c.NoiseScale = 0
	c.Explicit.NoiseScale = true

	got := resolveScales(c, hp)
	want := model.Scales{Noise: 0, Length: 1.5, NoiseW: float32(c.NoiseScaleW)}
	if got != want {
		t.Fatalf("resolveScales = %+v, want %+v", got, want)
	}

	if got := resolveScales(c, nil); got.Noise != 0 || got.Length != float32(c.LengthScale) {
		t.Fatalf("without hparams = %+v", got)
	}
}
