package main

import (
	"fmt"
	"log/slog"

	"github.com/example/go-piper-tts/internal/config"
	"github.com/example/go-piper-tts/internal/piper"
	"github.com/example/go-piper-tts/internal/pocket"
	"github.com/example/go-piper-tts/internal/tts"
)

// runtime is the synthesis pipeline shared by serve and synth.
type runtime struct {
	backend  string
	registry *tts.Registry
	engine   tts.Engine
	service  *tts.Service
}

func buildRuntime(cfg config.Config, logger *slog.Logger) (*runtime, error) {
	backend, err := config.NormalizeBackend(cfg.TTS.Backend)
	if err != nil {
		return nil, err
	}

	registry, err := tts.LoadRegistry(tts.RegistryOptions{
		ManifestPath: cfg.Paths.VoiceManifest,
		VoicesDir:    cfg.Paths.VoicesDir,
		DefaultVoice: cfg.TTS.DefaultVoice,
		SampleRate:   cfg.TTS.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("load voices: %w", err)
	}

	engine, err := newEngine(backend, cfg, logger)
	if err != nil {
		return nil, err
	}

	svc := tts.NewService(registry, engine,
		tts.WithMinAudioBytes(cfg.TTS.MinAudioBytes),
		tts.WithServiceLogger(logger),
	)

	logger.Debug("synthesis runtime ready",
		slog.String("backend", backend),
		slog.Any("voices", registry.Keys()),
		slog.String("default_voice", registry.Default().ID),
	)

	return &runtime{backend: backend, registry: registry, engine: engine, service: svc}, nil
}

func newEngine(backend string, cfg config.Config, logger *slog.Logger) (tts.Engine, error) {
	switch backend {
	case config.BackendPiper:
		return piper.New(piper.Options{
			ExecutablePath: cfg.TTS.PiperPath,
			TempDir:        cfg.TTS.TempDir,
			ExtraArgs:      cfg.TTS.ExtraArgs,
			Quiet:          cfg.TTS.Quiet,
			MaxStderrBytes: cfg.TTS.MaxStderrBytes,
			Logger:         logger,
		})
	case config.BackendPocket:
		return pocket.New(pocket.Options{
			ExecutablePath: cfg.TTS.PocketPath,
			ConfigPath:     cfg.TTS.PocketConfig,
			Quiet:          cfg.TTS.Quiet,
			MaxStderrBytes: cfg.TTS.MaxStderrBytes,
			Logger:         logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", backend)
	}
}
