package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-vits-stream/internal/bus"
	"github.com/example/go-vits-stream/internal/metrics"
	"github.com/example/go-vits-stream/internal/server"
	"github.com/example/go-vits-stream/internal/tts"
)

var errBusDisconnected = errors.New("disconnected")

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the optional NATS request subscriber",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			m := metrics.New(true)
			svc, err := tts.NewFromConfig(cfg, slog.Default(), tts.WithObserver(m.Observer()))
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdown := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
			extra := []server.Option{
				server.WithMetrics(m),
				server.WithLogger(slog.Default()),
			}

			if cfg.Bus.NATSURL != "" {
				client, err := bus.Connect(cfg.Bus, slog.Default())
				if err != nil {
					return fmt.Errorf("connect nats: %w", err)
				}
				defer client.Close()

				extra = append(extra, server.WithHealthCheck("nats", func() error {
					if !client.Healthy() {
						return errBusDisconnected
					}
					return nil
				}))

				if cfg.Bus.RequestSubject != "" {
					requestTimeout := time.Duration(cfg.Server.RequestTimeout) * time.Second
					busSvc := bus.NewService(ctx, client, svc, cfg.Bus.SubjectPrefix, requestTimeout, slog.Default())
					busSvc.OnPublish(m.Published)
					if err := busSvc.Start(client, cfg.Bus.RequestSubject); err != nil {
						return fmt.Errorf("subscribe %s: %w", cfg.Bus.RequestSubject, err)
					}
					defer func() {
						drainCtx, cancel := context.WithTimeout(context.Background(), shutdown)
						defer cancel()
						if err := busSvc.Shutdown(drainCtx); err != nil {
							slog.Warn("bus shutdown incomplete", slog.String("error", err.Error()))
						}
					}()
				}
			}

			srv := server.New(cfg.Server, svc, extra...).WithShutdownTimeout(shutdown)
			slog.Info("serving", slog.String("addr", cfg.Server.ListenAddr), slog.Int("sample_rate", svc.SampleRate()))

			return srv.Start(ctx)
		},
	}

	return cmd
}
