package synth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/example/go-vits-stream/internal/stream"
)

// maxLineBytes bounds a single NDJSON response line.
const maxLineBytes = 16 << 20

// ErrEmptyCommand is returned when the engine command line is blank.
var ErrEmptyCommand = errors.New("exec command is empty")

// ExecSource drives an external engine process. The request is written to
// stdin as one JSON object; every stdout line is a JSON chunk envelope.
type ExecSource struct {
	args       []string
	sampleRate int
	logger     *slog.Logger
}

type execRequest struct {
	Text       string   `json:"text"`
	Segments   []string `json:"segments,omitempty"`
	Tokens     []int64  `json:"tokens"`
	SampleRate int      `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Format    string `json:"format"`
	Final     bool   `json:"final"`
	Error     string `json:"error"`
}

// NewExecSource parses command with shell quoting rules.
func NewExecSource(command string, sampleRate int, logger *slog.Logger) (*ExecSource, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true

	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse exec command: %w", err)
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ExecSource{args: args, sampleRate: sampleRate, logger: logger}, nil
}

// Args returns the parsed command line.
func (s *ExecSource) Args() []string { return append([]string(nil), s.args...) }

// Stream implements stream.Source.
func (s *ExecSource) Stream(ctx context.Context, req stream.Request, emit func(stream.Chunk) error) error {
	payload := execRequest{
		Text:       req.Text,
		Tokens:     req.Tokens(),
		SampleRate: s.sampleRate,
	}
	for _, seg := range req.Segments {
		payload.Segments = append(payload.Segments, seg.Text)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode exec request: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	cmd.Stdin = bytes.NewReader(append(data, '\n'))

	var stderr tailBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("exec stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.args[0], err)
	}
	s.logger.Debug("exec engine started", slog.String("command", s.args[0]), slog.Int("pid", cmd.Process.Pid))

	readErr := s.readChunks(stdout, emit)
	// Drain so an engine still writing after "final" or an error can exit.
	_, _ = io.Copy(io.Discard, stdout)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if readErr != nil {
		return readErr
	}
	if waitErr != nil {
		if tail := stderr.String(); tail != "" {
			return fmt.Errorf("%s: %w: %s", s.args[0], waitErr, tail)
		}
		return fmt.Errorf("%s: %w", s.args[0], waitErr)
	}

	return nil
}

func (s *ExecSource) readChunks(r io.Reader, emit func(stream.Chunk) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var resp execResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("exec line %d: %w", line, err)
		}
		if resp.Error != "" {
			return fmt.Errorf("exec engine: %s", resp.Error)
		}

		if resp.PCMBase64 != "" {
			c, err := decodeChunk(resp)
			if err != nil {
				return fmt.Errorf("exec line %d: %w", line, err)
			}
			if err := emit(c); err != nil {
				return err
			}
		}

		if resp.Final {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read exec output: %w", err)
	}

	return nil
}

// decodeChunk turns a base64 little-endian payload into a chunk. An empty
// format means int16.
func decodeChunk(resp execResponse) (stream.Chunk, error) {
	pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
	if err != nil {
		return stream.Chunk{}, fmt.Errorf("decode pcm: %w", err)
	}

	format := stream.FormatInt16
	if resp.Format != "" {
		format, err = stream.ParseSampleFormat(resp.Format)
		if err != nil {
			return stream.Chunk{}, err
		}
	}

	width := format.BytesPerSample()
	if len(pcm)%width != 0 {
		return stream.Chunk{}, fmt.Errorf("%d payload bytes are not a multiple of %d", len(pcm), width)
	}

	n := len(pcm) / width
	switch format {
	case stream.FormatFloat32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
		}
		return stream.Float32Chunk(out), nil
	default:
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		}
		return stream.Int16Chunk(out), nil
	}
}

// tailBuffer keeps the last few KiB written to it.
type tailBuffer struct {
	buf []byte
}

const tailLimit = 4096

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailLimit {
		t.buf = t.buf[len(t.buf)-tailLimit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}
