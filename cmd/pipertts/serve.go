package main

import (
	"context"
	"log/slog"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/example/go-piper-tts/internal/bus"
	"github.com/example/go-piper-tts/internal/server"
	"github.com/example/go-piper-tts/internal/telemetry"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the synthesis HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			logger := slog.Default()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tel, err := telemetry.Setup(ctx, telemetry.Options{
				ServiceName:  cfg.Server.ServiceName,
				Version:      version(),
				Metrics:      cfg.Telemetry.Metrics,
				OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
				OTLPInsecure: cfg.Telemetry.OTLPInsecure,
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
				}
			}()

			rt, err := buildRuntime(cfg, logger)
			if err != nil {
				return err
			}

			opts := []server.Option{
				server.WithLogger(logger),
				server.WithMetricsHandler(tel.MetricsHandler()),
			}

			if cfg.Bus.NATSURL != "" {
				conn, err := bus.Connect(cfg.Bus.NATSURL, logger)
				if err != nil {
					return err
				}
				defer conn.Close()

				responder := bus.NewResponder(ctx, conn, rt.service, bus.ResponderOptions{
					Subject: cfg.Bus.Subject,
					Timeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
					Logger:  logger,
				})
				if err := responder.Start(); err != nil {
					return err
				}
				defer responder.Close()

				opts = append(opts, server.WithHealthCheck("nats", responder.Healthy))
			}

			srv := server.New(cfg, rt.service, rt.registry, opts...)

			logger.Info("starting synthesis service",
				slog.String("backend", rt.backend),
				slog.String("addr", cfg.Server.ListenAddr),
				slog.Int("voices", len(rt.registry.Keys())),
			)

			return srv.Start(ctx)
		},
	}
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
