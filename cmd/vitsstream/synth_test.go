package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/go-vits-stream/internal/bus"
	"github.com/example/go-vits-stream/internal/config"
	"github.com/example/go-vits-stream/internal/metrics"
	"github.com/example/go-vits-stream/internal/synth"
	"github.com/example/go-vits-stream/internal/testutil"
	"github.com/example/go-vits-stream/internal/tokenizer"
	"github.com/example/go-vits-stream/internal/tts"
)

// toneService renders 160 samples per rune at 8 kHz in 80-sample chunks,
// so "abcde" is 10 chunks and 100ms of audio.
func toneService(t *testing.T) *tts.Service {
	t.Helper()

	src := &synth.ToneSource{SampleRate: 8000, BlockSize: 80, SamplesPerToken: 160}
	svc, err := tts.New(src, tokenizer.RuneTokenizer{}, 8000)
	if err != nil {
		t.Fatalf("tts.New: %v", err)
	}
	t.Cleanup(svc.Close)

	return svc
}

type fakeBus struct {
	mu      sync.Mutex
	msgs    map[string][][]byte
	healthy bool
	closed  bool
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.msgs == nil {
		b.msgs = make(map[string][][]byte)
	}
	b.msgs[subject] = append(b.msgs[subject], data)

	return nil
}

func (b *fakeBus) Healthy() bool { return b.healthy }

func (b *fakeBus) Close() { b.closed = true }

func useBus(t *testing.T, b *fakeBus, err error) {
	t.Helper()

	orig := connectBus
	t.Cleanup(func() { connectBus = orig })

	connectBus = func(config.BusConfig) (busConn, error) {
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

func TestRunSynth_WritesWAVFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.wav")

	res, err := runSynth(context.Background(), toneService(t), config.BusConfig{}, metrics.New(false),
		"abcde", synthOptions{Out: out}, nil)
	if err != nil {
		t.Fatalf("runSynth: %v", err)
	}

	if res.Chunks != 10 || res.Audio != 100*time.Millisecond {
		t.Errorf("result = %+v, want 10 chunks of 100ms audio", res)
	}
	if res.Session == "" {
		t.Error("missing session id")
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if n := testutil.AssertValidWAV(t, data, 8000); n != 800 {
		t.Errorf("samples = %d, want 800", n)
	}
}

func TestRunSynth_StreamsToStdout(t *testing.T) {
	var stdout bytes.Buffer

	if _, err := runSynth(context.Background(), toneService(t), config.BusConfig{}, metrics.New(false),
		"abcde", synthOptions{Out: "-"}, &stdout); err != nil {
		t.Fatalf("runSynth: %v", err)
	}

	if n := testutil.AssertValidWAV(t, stdout.Bytes(), 8000); n != 800 {
		t.Errorf("samples = %d, want 800", n)
	}
}

func TestRunSynth_PublishesToBus(t *testing.T) {
	fb := &fakeBus{healthy: true}
	useBus(t, fb, nil)

	m := metrics.New(false)
	bc := config.BusConfig{NATSURL: "nats://fake:4222", SubjectPrefix: "tts.audio"}
	out := filepath.Join(t.TempDir(), "out.wav")

	res, err := runSynth(context.Background(), toneService(t), bc, m, "abcde", synthOptions{Out: out, Publish: true}, nil)
	if err != nil {
		t.Fatalf("runSynth: %v", err)
	}

	if res.Subject != bus.Subject("tts.audio", res.Session) {
		t.Errorf("subject = %q", res.Subject)
	}
	if !fb.closed {
		t.Error("bus connection was not closed")
	}

	msgs := fb.msgs[res.Subject]
	if len(msgs) != 11 {
		t.Fatalf("published %d messages, want 10 chunks plus final", len(msgs))
	}

	var last bus.AudioChunk
	if err := json.Unmarshal(msgs[len(msgs)-1], &last); err != nil {
		t.Fatalf("decode final envelope: %v", err)
	}
	if !last.Final || last.Error != "" || last.Sequence != 10 {
		t.Errorf("final envelope = %+v", last)
	}

	expected := `
# HELP vitsstream_bus_chunks_published_total Chunks published to the message bus.
# TYPE vitsstream_bus_chunks_published_total counter
vitsstream_bus_chunks_published_total 10
`
	if err := promtest.GatherAndCompare(m.Registry(), strings.NewReader(expected), "vitsstream_bus_chunks_published_total"); err != nil {
		t.Fatal(err)
	}
}

func TestRunSynth_PublishRequiresNATSURL(t *testing.T) {
	_, err := runSynth(context.Background(), toneService(t), config.BusConfig{}, metrics.New(false),
		"abcde", synthOptions{Out: "-", Publish: true}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "--nats-url") {
		t.Fatalf("expected --nats-url error, got: %v", err)
	}
}

func TestRunSynth_ConnectFailure(t *testing.T) {
	useBus(t, nil, errors.New("connection refused"))

	bc := config.BusConfig{NATSURL: "nats://fake:4222", SubjectPrefix: "tts.audio"}
	_, err := runSynth(context.Background(), toneService(t), bc, metrics.New(false),
		"abcde", synthOptions{Out: "-", Publish: true}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected connect error, got: %v", err)
	}
}

func TestRunSynth_EmptyText(t *testing.T) {
	_, err := runSynth(context.Background(), toneService(t), config.BusConfig{}, metrics.New(false),
		"   ", synthOptions{Out: "-"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error for blank text")
	}
}

func TestSynthCmd_ToneBackend(t *testing.T) {
	out := filepath.Join(t.TempDir(), "cli.wav")

	_, _, err := execute(t, "hello",
		"synth", "--backend", "tone", "--sample-rate", "8000", "--out", out)
	if err != nil {
		t.Fatalf("synth: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	// 5 runes at 20ms each.
	testutil.AssertWAVDurationApprox(t, data, 8000, 0.09, 0.11)
}

func TestSynthCmd_StdoutStream(t *testing.T) {
	stdout, _, err := execute(t, "",
		"synth", "--backend", "tone", "--sample-rate", "8000", "--text", "hi", "--out", "-")
	if err != nil {
		t.Fatalf("synth: %v", err)
	}

	if n := testutil.AssertValidWAV(t, []byte(stdout), 8000); n != 320 {
		t.Errorf("samples = %d, want 320", n)
	}
}

func TestRunBatch_WritesOneWAVPerLine(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "batch")
	input := "ab\n\n  cde  \nf\n"

	paths, err := runBatch(context.Background(), toneService(t), strings.NewReader(input), dir, "stream")
	if err != nil {
		t.Fatalf("runBatch: %v", err)
	}

	// Blank lines are skipped and numbering follows line order.
	want := []struct {
		name    string
		samples int
	}{
		{"stream_1.wav", 320},
		{"stream_2.wav", 480},
		{"stream_3.wav", 160},
	}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %d files", paths, len(want))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != len(want) {
		t.Errorf("dir holds %d files, want %d", len(entries), len(want))
	}

	for i, w := range want {
		if got := filepath.Base(paths[i]); got != w.name {
			t.Errorf("paths[%d] = %s, want %s", i, got, w.name)
		}

		data, err := os.ReadFile(filepath.Join(dir, w.name))
		if err != nil {
			t.Fatalf("read %s: %v", w.name, err)
		}
		if n := testutil.AssertValidWAV(t, data, 8000); n != w.samples {
			t.Errorf("%s: samples = %d, want %d", w.name, n, w.samples)
		}
	}
}

func TestRunBatch_NoTextLines(t *testing.T) {
	dir := t.TempDir()

	paths, err := runBatch(context.Background(), toneService(t), strings.NewReader("\n  \n"), dir, "stream")
	if err == nil {
		t.Fatal("expected error for input without text")
	}
	if len(paths) != 0 {
		t.Errorf("paths = %v, want none", paths)
	}
}

func TestRunBatch_CancelledStopsEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	paths, err := runBatch(ctx, toneService(t), strings.NewReader("ab\ncd\n"), t.TempDir(), "stream")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(paths) != 0 {
		t.Errorf("paths = %v, want none", paths)
	}
}

func TestSynthCmd_Batch(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "lines.txt")
	if err := os.WriteFile(list, []byte("hello\nhi\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	outDir := filepath.Join(dir, "out")

	stdout, _, err := execute(t, "",
		"synth", "--backend", "tone", "--sample-rate", "8000", "--batch", list, "--out-dir", outDir)
	if err != nil {
		t.Fatalf("synth --batch: %v", err)
	}

	lines := strings.Fields(stdout)
	if len(lines) != 2 {
		t.Fatalf("stdout = %q, want two paths", stdout)
	}

	for i, wantSec := range []float64{0.1, 0.04} {
		data, err := os.ReadFile(filepath.Join(outDir, "stream_"+string(rune('1'+i))+".wav"))
		if err != nil {
			t.Fatalf("read item %d: %v", i+1, err)
		}
		testutil.AssertWAVDurationApprox(t, data, 8000, wantSec-0.01, wantSec+0.01)
	}
}

func TestSynthCmd_BatchRejectsText(t *testing.T) {
	_, _, err := execute(t, "",
		"synth", "--backend", "tone", "--batch", "lines.txt", "--text", "hi")
	if err == nil || !strings.Contains(err.Error(), "--batch") {
		t.Fatalf("err = %v, want --batch conflict", err)
	}
}
