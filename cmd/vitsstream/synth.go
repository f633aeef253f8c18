package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-vits-stream/internal/audio"
	"github.com/example/go-vits-stream/internal/bus"
	"github.com/example/go-vits-stream/internal/config"
	"github.com/example/go-vits-stream/internal/metrics"
	"github.com/example/go-vits-stream/internal/stream"
	"github.com/example/go-vits-stream/internal/tts"
)

// connectBus dials NATS. Tests replace it.
var connectBus = func(cfg config.BusConfig) (busConn, error) {
	c, err := bus.Connect(cfg, slog.Default())
	if err != nil {
		return nil, err
	}
	return c, nil
}

// busConn is the part of *bus.Client the commands use.
type busConn interface {
	bus.Publisher
	Healthy() bool
	Close()
}

type synthOptions struct {
	Out     string
	Publish bool

	Batch  string
	OutDir string
	Prefix string
}

type synthResult struct {
	Session string
	Chunks  int
	Audio   time.Duration
	Subject string
}

func newSynthCmd() *cobra.Command {
	var (
		text string
		opts synthOptions
	)

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize text to a WAV file or stream it to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if opts.Batch != "" {
				if text != "" || opts.Publish {
					return errors.New("--batch cannot be combined with --text or --publish")
				}
				return synthBatchFile(cmd, cfg, opts)
			}

			input, err := readText(text, cmd.InOrStdin())
			if err != nil {
				return err
			}

			m := metrics.New(false)
			svc, err := tts.NewFromConfig(cfg, slog.Default(), tts.WithObserver(m.Observer()))
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := runSynth(cmd.Context(), svc, cfg.Bus, m, input, opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			slog.Info("synthesis complete",
				slog.String("session", res.Session),
				slog.Int("chunks", res.Chunks),
				slog.Duration("audio", res.Audio),
				slog.String("out", opts.Out),
				slog.String("subject", res.Subject),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize (if empty, read from stdin)")
	cmd.Flags().StringVar(&opts.Out, "out", "out.wav", "Output WAV path ('-' streams to stdout)")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "Also publish chunks to NATS (requires --nats-url)")
	cmd.Flags().StringVar(&opts.Batch, "batch", "", "File with one text per line; each line becomes its own WAV in --out-dir ('-' reads stdin)")
	cmd.Flags().StringVar(&opts.OutDir, "out-dir", "out", "Output directory for --batch")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "stream", "File name prefix for --batch outputs (<prefix>_<n>.wav)")

	return cmd
}

// runSynth consumes one session into the selected sinks. "-" streams a WAV
// to stdout chunk by chunk; any other path is written once the session ends.
func runSynth(ctx context.Context, svc *tts.Service, bc config.BusConfig, m *metrics.Metrics, input string, opts synthOptions, stdout io.Writer) (synthResult, error) {
	if opts.Out == "" {
		return synthResult{}, fmt.Errorf("--out is required")
	}
	if opts.Publish && bc.NATSURL == "" {
		return synthResult{}, fmt.Errorf("--publish requires --nats-url")
	}

	sess, err := svc.Stream(ctx, input)
	if err != nil {
		return synthResult{}, err
	}
	res := synthResult{Session: sess.ID()}

	var (
		sinks   audio.MultiSink
		acc     *audio.Accumulator
		counter = &chunkCounter{rate: svc.SampleRate()}
	)
	if opts.Out == "-" {
		sinks = append(sinks, audio.NewWAVStreamSink(stdout, svc.SampleRate()))
	} else {
		acc = audio.NewAccumulator()
		sinks = append(sinks, acc)
	}
	sinks = append(sinks, counter)

	if opts.Publish {
		conn, err := connectBus(bc)
		if err != nil {
			_ = sess.Close()
			return res, fmt.Errorf("connect nats: %w", err)
		}
		defer conn.Close()

		bs := bus.NewSink(conn, bc.SubjectPrefix, sess.ID(), svc.SampleRate(), bus.WithPublishHook(m.Published))
		res.Subject = bs.SubjectName()
		sinks = append(sinks, bs)
	}

	if err := audio.Consume(ctx, sess, sinks); err != nil {
		return res, err
	}
	res.Chunks, res.Audio = counter.chunks, counter.audio

	if acc != nil {
		if err := writeWAVFile(opts.Out, acc, svc.SampleRate()); err != nil {
			return res, err
		}
	}

	return res, nil
}

func writeWAVFile(path string, acc *audio.Accumulator, sampleRate int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
	}()

	return acc.WriteWAV(f, sampleRate)
}

// chunkCounter tallies delivered chunks and their playback length.
type chunkCounter struct {
	rate   int
	chunks int
	audio  time.Duration
}

func (c *chunkCounter) WriteChunk(_ context.Context, ch stream.Chunk) error {
	c.chunks++
	c.audio += ch.Duration(c.rate)
	return nil
}

func (c *chunkCounter) Close() error { return nil }

func synthBatchFile(cmd *cobra.Command, cfg config.Config, opts synthOptions) error {
	var in io.Reader = cmd.InOrStdin()
	if opts.Batch != "-" {
		f, err := os.Open(opts.Batch)
		if err != nil {
			return fmt.Errorf("open batch file: %w", err)
		}
		defer f.Close()
		in = f
	}

	svc, err := tts.NewFromConfig(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer svc.Close()

	paths, err := runBatch(cmd.Context(), svc, in, opts.OutDir, opts.Prefix)
	for _, p := range paths {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	if err != nil {
		return err
	}

	slog.Info("batch synthesis complete", slog.Int("files", len(paths)), slog.String("out_dir", opts.OutDir))
	return nil
}

// runBatch synthesizes every non-blank line of r as its own session and
// writes it, peak-normalized, to outDir/<prefix>_<n>.wav with n counting
// from 1. It stops at the first failing item and returns the files written
// so far.
func runBatch(ctx context.Context, svc *tts.Service, r io.Reader, outDir, prefix string) ([]string, error) {
	if outDir == "" {
		return nil, errors.New("--out-dir is required")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var (
		paths []string
		n     int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		item := strings.TrimSpace(sc.Text())
		if item == "" {
			continue
		}
		n++
		if err := ctx.Err(); err != nil {
			return paths, fmt.Errorf("item %d: %w", n, err)
		}

		sess, err := svc.Stream(ctx, item)
		if err != nil {
			return paths, fmt.Errorf("item %d: %w", n, err)
		}
		acc := audio.NewAccumulator()
		if err := audio.Consume(ctx, sess, acc); err != nil {
			return paths, fmt.Errorf("item %d: %w", n, err)
		}

		path := filepath.Join(outDir, fmt.Sprintf("%s_%d.wav", prefix, n))
		if err := writeWAVFile(path, acc, svc.SampleRate()); err != nil {
			return paths, fmt.Errorf("item %d: %w", n, err)
		}
		slog.Debug("batch item written", slog.Int("item", n), slog.String("path", path), slog.Int("chunks", acc.Chunks()))
		paths = append(paths, path)
	}
	if err := sc.Err(); err != nil {
		return paths, fmt.Errorf("read batch file: %w", err)
	}
	if n == 0 {
		return nil, errors.New("batch file has no text lines")
	}

	return paths, nil
}
