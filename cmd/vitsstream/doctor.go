package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/example/go-vits-stream/internal/config"
	"github.com/example/go-vits-stream/internal/doctor"
	"github.com/example/go-vits-stream/internal/model"
	"github.com/example/go-vits-stream/internal/onnx"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime, model and engine checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			backend, err := config.NormalizeBackend(cfg.Synth.Backend)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "backend: %s\n", backend)

			result := doctor.Run(doctorConfig(cmd.Context(), cfg, backend), out)

			if backend == config.BackendExec && cfg.Synth.ExecCommand == "" {
				result.AddFailure("exec engine: synth.exec_command is empty")
				_, _ = fmt.Fprintf(out, "%s exec engine: synth.exec_command is empty\n", doctor.FailMark)
			}

			if result.Failed() {
				for _, f := range result.Failures() {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	return cmd
}

func doctorConfig(ctx context.Context, cfg config.Config, backend string) doctor.Config {
	dcfg := doctor.Config{
		SkipRuntime:     backend != config.BackendONNX,
		MinRuntimeMinor: onnx.DefaultAPIVersion,
		RuntimeVersion: func() (string, error) {
			info, err := onnx.DetectRuntime(cfg.Runtime)
			if err == nil {
				slog.Debug("onnx runtime located", slog.String("path", info.LibraryPath), slog.String("source", info.Source))
			}
			return info.Version, err
		},
		LookPath: exec.LookPath,
	}

	if cfg.Paths.TokenizerPath != "" {
		dcfg.Files = append(dcfg.Files, cfg.Paths.TokenizerPath)
	}

	switch backend {
	case config.BackendONNX:
		dcfg.Files = append(dcfg.Files, cfg.Paths.ModelPath, cfg.Paths.HParamsPath)
		dcfg.ModelPath = cfg.Paths.ModelPath
		dcfg.VerifyModel = func(path string) error {
			return verifyModel(ctx, cfg, path, io.Discard)
		}
	case config.BackendExec:
		dcfg.ExecCommand = cfg.Synth.ExecCommand
	}

	if cfg.Bus.NATSURL != "" {
		dcfg.Bus = func() error {
			conn, err := connectBus(cfg.Bus)
			if err != nil {
				return err
			}
			defer conn.Close()

			if !conn.Healthy() {
				return errBusDisconnected
			}
			return nil
		}
	}

	return dcfg
}

// verifyModel runs the smoke inference against the graph at path using the
// configured hparams and runtime.
func verifyModel(ctx context.Context, cfg config.Config, path string, w io.Writer) error {
	hp, err := model.LoadHParams(cfg.Paths.HParamsPath)
	if err != nil {
		return err
	}

	info, err := onnx.DetectRuntime(cfg.Runtime)
	if err != nil {
		return err
	}

	_, err = model.VerifyONNX(ctx, model.VerifyOptions{
		ModelPath: path,
		HParams:   hp,
		Runner:    onnx.RunnerConfig{LibraryPath: info.LibraryPath},
		Stdout:    w,
	})
	return err
}
