package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/go-vits-stream/internal/audio"
	"github.com/example/go-vits-stream/internal/config"
	"github.com/example/go-vits-stream/internal/metrics"
	"github.com/example/go-vits-stream/internal/stream"
	"github.com/example/go-vits-stream/internal/tts"
)

// openPlayback opens the output device. Tests replace it.
var openPlayback = func(cfg audio.PlaybackConfig, format stream.SampleFormat, onUnderrun func()) (audio.Sink, error) {
	p, err := audio.OpenPlayback(cfg, format,
		audio.WithPlaybackLogger(slog.Default()),
		audio.WithUnderrunHook(onUnderrun),
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newSpeakCmd() *cobra.Command {
	var text string

	cmd := &cobra.Command{
		Use:   "speak",
		Short: "Synthesize text and play it while it streams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runSpeak(ctx, svc, cfg.Audio, m.Underrun, input)
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to speak (if empty, read from stdin)")

	return cmd
}

// runSpeak plays input and treats an interrupt (ctx cancelled) as a normal
// end of playback.
func runSpeak(ctx context.Context, svc *tts.Service, ac config.AudioConfig, onUnderrun func(), input string) error {
	err := speak(ctx, svc, ac, onUnderrun, input)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		slog.Info("playback interrupted")
		return nil
	}
	return err
}

// speak streams input to the playback device. The device is opened only
// after the first chunk fixes the sample format.
func speak(ctx context.Context, svc *tts.Service, ac config.AudioConfig, onUnderrun func(), input string) error {
	sess, err := svc.Stream(ctx, input)
	if err != nil {
		return err
	}

	format, err := sess.Probe(ctx)
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("first chunk: %w", err)
	}

	pc := audio.PlaybackConfig{
		SampleRate:      svc.SampleRate(),
		Channels:        ac.Channels,
		FramesPerBuffer: ac.FramesPerBuffer,
	}
	sink, err := openPlayback(pc, format, onUnderrun)
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("open playback: %w", err)
	}

	slog.Debug("playback started",
		slog.String("session", sess.ID()),
		slog.String("format", format.String()),
		slog.Int("sample_rate", pc.SampleRate),
	)

	return audio.Consume(ctx, sess, sink)
}
