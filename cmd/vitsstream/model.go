package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-vits-stream/internal/model"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Model acquisition and verification commands",
	}

	cmd.AddCommand(newModelFetchCmd())
	cmd.AddCommand(newModelVerifyCmd())
	return cmd
}

func newModelFetchCmd() *cobra.Command {
	var (
		manifestPath string
		outDir       string
		token        string
		parallel     int
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the files listed in a model manifest and pin their checksums",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				token = os.Getenv("HF_TOKEN")
			}

			m, err := model.LoadManifest(manifestPath)
			if err != nil {
				return err
			}

			err = model.Fetch(cmd.Context(), model.FetchOptions{
				Manifest: m,
				OutDir:   outDir,
				Token:    token,
				Stdout:   cmd.OutOrStdout(),
				Parallel: parallel,
			})

			var denied *model.ErrAccessDenied
			if errors.As(err, &denied) && token == "" {
				return fmt.Errorf("model fetch failed: %w (set --token or HF_TOKEN)", err)
			}
			if err != nil {
				return fmt.Errorf("model fetch failed: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "models/manifest.json", "Path to the model manifest")
	cmd.Flags().StringVar(&outDir, "out-dir", "models", "Directory where model files are stored")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (falls back to HF_TOKEN)")
	cmd.Flags().IntVar(&parallel, "parallel", model.DefaultParallel, "Files downloaded at once")

	return cmd
}

func newModelVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run a smoke inference on the configured ONNX graph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if err := verifyModel(cmd.Context(), cfg, cfg.Paths.ModelPath, cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("model verify failed: %w", err)
			}

			return nil
		},
	}

	return cmd
}
