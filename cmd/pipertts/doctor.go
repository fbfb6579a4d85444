package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/example/go-piper-tts/internal/config"
	"github.com/example/go-piper-tts/internal/doctor"
	"github.com/example/go-piper-tts/internal/pocket"
	"github.com/example/go-piper-tts/internal/tts"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and voice checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			dcfg, err := doctorConfig(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "backend: %s\n", dcfg.EngineName)

			result := doctor.Run(dcfg, out)
			if result.Failed() {
				for _, f := range result.Failures() {
					// #nosec G705 -- Writes plain diagnostic text to stderr for CLI output, not HTML rendering.
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}
}

func doctorConfig(cfg config.Config) (doctor.Config, error) {
	backend, err := config.NormalizeBackend(cfg.TTS.Backend)
	if err != nil {
		return doctor.Config{}, err
	}

	tempDir := cfg.TTS.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	dcfg := doctor.Config{
		EngineName: backend,
		SkipPython: backend != config.BackendPocket,
		TempDir:    tempDir,
	}

	switch backend {
	case config.BackendPocket:
		engine := pocket.New(pocket.Options{ExecutablePath: cfg.TTS.PocketPath})
		dcfg.EngineVersion = func() (string, error) {
			if err := engine.Preflight(); err != nil {
				return "", err
			}
			return doctor.CommandVersion(engine.Executable(), "--version")()
		}
		dcfg.PythonVersion = doctor.ProbePythonVersion
	default:
		dcfg.EngineVersion = doctor.CommandVersion(cfg.TTS.PiperPath, "--version")
	}

	registry, err := tts.LoadRegistry(tts.RegistryOptions{
		ManifestPath: cfg.Paths.VoiceManifest,
		VoicesDir:    cfg.Paths.VoicesDir,
		DefaultVoice: cfg.TTS.DefaultVoice,
		SampleRate:   cfg.TTS.SampleRate,
	})
	if err != nil {
		return doctor.Config{}, fmt.Errorf("load voices: %w", err)
	}
	dcfg.Voices = registry.Voices()

	return dcfg, nil
}
