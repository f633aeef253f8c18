package synth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/go-vits-stream/internal/stream"
)

func toneRequest(tokens ...int64) stream.Request {
	return stream.Request{Segments: []stream.Segment{{Text: "x", Tokens: tokens}}}
}

func collect(t *testing.T, src stream.Source, req stream.Request) []stream.Chunk {
	t.Helper()

	var chunks []stream.Chunk
	err := src.Stream(context.Background(), req, func(c stream.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	return chunks
}

func TestToneSource_Blocks(t *testing.T) {
	src := &ToneSource{SampleRate: 8000, BlockSize: 100, SamplesPerToken: 120}

	chunks := collect(t, src, toneRequest(1, 2, 3))

	total := 0
	for i, c := range chunks {
		if c.Format != stream.FormatFloat32 {
			t.Fatalf("chunk %d format = %s", i, c.Format)
		}
		if i < len(chunks)-1 && c.Len() != 100 {
			t.Fatalf("chunk %d has %d samples, want 100", i, c.Len())
		}
		total += c.Len()
	}

	if total != 360 {
		t.Fatalf("total samples = %d, want 360", total)
	}
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
}

func TestToneSource_Deterministic(t *testing.T) {
	src := NewToneSource(16000, 256)

	a := src.Render([]int64{5, 9, 5})
	b := src.Render([]int64{5, 9, 5})
	if len(a) != len(b) || len(a) != 3*320 {
		t.Fatalf("render lengths %d, %d", len(a), len(b))
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sample %d differs: %v vs %v", i, a[i], b[i])
		}
		if a[i] > 0.3 || a[i] < -0.3 {
			t.Fatalf("sample %d = %v exceeds amplitude", i, a[i])
		}
	}
}

func TestToneSource_Frequency(t *testing.T) {
	src := NewToneSource(22050, 1024)

	if got := src.Frequency(0); got != 220 {
		t.Fatalf("Frequency(0) = %v, want 220", got)
	}
	if got := src.Frequency(12); got < 439.99 || got > 440.01 {
		t.Fatalf("Frequency(12) = %v, want 440", got)
	}
	if src.Frequency(-1) != src.Frequency(23) {
		t.Fatal("negative ids should wrap")
	}
}

func TestToneSource_Int16(t *testing.T) {
	src := NewToneSource(8000, 64)
	src.Format = stream.FormatInt16

	for _, c := range collect(t, src, toneRequest(4)) {
		if c.Format != stream.FormatInt16 || c.Float32 != nil {
			t.Fatalf("expected int16 chunk, got %+v", c.Format)
		}
	}
}

func TestToneSource_EmptyRequest(t *testing.T) {
	src := NewToneSource(8000, 64)

	err := src.Stream(context.Background(), stream.Request{}, func(stream.Chunk) error { return nil })
	if !errors.Is(err, ErrEmptyRequest) {
		t.Fatalf("expected ErrEmptyRequest, got %v", err)
	}
}

func TestToneSource_DelayHonoursCancel(t *testing.T) {
	src := NewToneSource(8000, 16)
	src.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := src.Stream(ctx, toneRequest(1, 2), func(stream.Chunk) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("delay did not observe cancellation")
	}
}

func TestToneSource_EmitErrorStops(t *testing.T) {
	src := NewToneSource(8000, 16)
	boom := errors.New("sink full")

	calls := 0
	err := src.Stream(context.Background(), toneRequest(1, 2, 3), func(stream.Chunk) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestToneSource_InSession(t *testing.T) {
	src := NewToneSource(8000, 50)

	opts := stream.DefaultOptions()
	opts.Capacity = 2

	sess, err := stream.Start(context.Background(), src, toneRequest(1, 2, 3, 4), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	chunks, err := sess.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	want := collect(t, src, toneRequest(1, 2, 3, 4))
	if len(chunks) != len(want) {
		t.Fatalf("session chunks = %d, direct = %d", len(chunks), len(want))
	}
	for i := range chunks {
		if chunks[i].Seq != i {
			t.Fatalf("chunk %d has seq %d", i, chunks[i].Seq)
		}
	}
}
