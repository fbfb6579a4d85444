// Package pocket adapts the pocket-tts command-line synthesizer to tts.Engine.
package pocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	pockettts "github.com/MeKo-Christian/go-call-pocket-tts"
	"github.com/example/go-piper-tts/internal/tts"
)

// DefaultExecutable is the pocket-tts binary looked up in PATH.
const DefaultExecutable = "pocket-tts"

// Options configures an Engine.
type Options struct {
	ExecutablePath string
	// ConfigPath is passed as --config to every generation.
	ConfigPath     string
	Quiet          bool
	MaxStderrBytes int
	Logger         *slog.Logger
}

// Engine runs pocket-tts once per request. A voice's model path is passed as
// the pocket-tts voice, so it may name a built-in voice or a .safetensors file.
type Engine struct {
	opts Options
	log  *slog.Logger
}

var _ tts.Engine = (*Engine)(nil)

func New(opts Options) *Engine {
	if opts.ExecutablePath == "" {
		opts.ExecutablePath = DefaultExecutable
	}
	if opts.MaxStderrBytes <= 0 {
		opts.MaxStderrBytes = tts.DefaultMaxDiagnosticBytes
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Engine{opts: opts, log: log}
}

// Executable returns the configured pocket-tts binary name or path.
func (e *Engine) Executable() string { return e.opts.ExecutablePath }

// Preflight verifies the pocket-tts executable can be resolved.
func (e *Engine) Preflight() error {
	return pockettts.Preflight(e.opts.ExecutablePath)
}

func (e *Engine) Run(ctx context.Context, text string, voice tts.Voice) (tts.Outcome, error) {
	stderr := tts.NewDiagnosticBuffer(e.opts.MaxStderrBytes)

	client := pockettts.NewClient(pockettts.Options{
		Voice:          voice.ModelPath,
		Config:         e.opts.ConfigPath,
		Quiet:          e.opts.Quiet,
		ExecutablePath: e.opts.ExecutablePath,
		LogWriter:      stderr,
	})

	res, err := client.Generate(ctx, text)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tts.Outcome{Stderr: stderr.String()}, fmt.Errorf("pocket-tts: %w", ctxErr)
		}

		var notFound *pockettts.ErrExecutableNotFound
		if errors.As(err, &notFound) {
			return tts.Outcome{}, fmt.Errorf("pocket-tts: %w", err)
		}

		diag := stderr.String()
		if diag == "" {
			diag = strings.TrimSpace(err.Error())
		}

		e.log.DebugContext(ctx, "pocket-tts generation failed",
			slog.String("voice", voice.ID),
			slog.String("error", err.Error()),
		)

		return tts.Outcome{ExitCode: 1, Stderr: diag}, nil
	}

	if res == nil {
		return tts.Outcome{OutputErr: errors.New("pocket-tts returned no audio")}, nil
	}

	return tts.Outcome{Audio: res.Data, Stderr: stderr.String()}, nil
}
