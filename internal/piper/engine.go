// Package piper runs the Piper command-line synthesizer as a subordinate
// process. Each run owns a private temporary directory for the output WAV,
// removed on every return path.
package piper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/go-piper-tts/internal/tts"
	"github.com/mattn/go-shellwords"
	"github.com/spf13/afero"
)

const (
	// DefaultExecutable is looked up in PATH when Options.ExecutablePath is empty.
	DefaultExecutable = "piper"
	// DefaultWaitDelay bounds how long Run waits for I/O after the process is killed.
	DefaultWaitDelay = 2 * time.Second

	outputName = "out.wav"
)

// Options configures an Engine.
type Options struct {
	ExecutablePath string
	// TempDir is the parent of the per-run output directories. Empty uses os.TempDir.
	TempDir string
	// ExtraArgs is appended to every invocation, split with shell quoting rules.
	ExtraArgs string
	Quiet     bool
	// MaxStderrBytes caps the captured diagnostic text.
	MaxStderrBytes int
	WaitDelay      time.Duration
	// Fs must be backed by the OS filesystem; the process writes the output itself.
	Fs     afero.Fs
	Logger *slog.Logger
}

// Engine implements tts.Engine by running Piper once per request.
type Engine struct {
	exe       string
	tempDir   string
	extra     []string
	quiet     bool
	maxStderr int
	waitDelay time.Duration
	fs        afero.Fs
	log       *slog.Logger
}

var _ tts.Engine = (*Engine)(nil)

func New(opts Options) (*Engine, error) {
	extra, err := parseExtraArgs(opts.ExtraArgs)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		exe:       opts.ExecutablePath,
		tempDir:   opts.TempDir,
		extra:     extra,
		quiet:     opts.Quiet,
		maxStderr: opts.MaxStderrBytes,
		waitDelay: opts.WaitDelay,
		fs:        opts.Fs,
		log:       opts.Logger,
	}
	if e.exe == "" {
		e.exe = DefaultExecutable
	}
	if e.maxStderr <= 0 {
		e.maxStderr = tts.DefaultMaxDiagnosticBytes
	}
	if e.waitDelay <= 0 {
		e.waitDelay = DefaultWaitDelay
	}
	if e.fs == nil {
		e.fs = afero.NewOsFs()
	}
	if e.log == nil {
		e.log = slog.Default()
	}

	return e, nil
}

func parseExtraArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	args, err := shellwords.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse extra piper args: %w", err)
	}

	return args, nil
}

// Executable returns the configured Piper binary name or path.
func (e *Engine) Executable() string { return e.exe }

// Args builds the Piper command line for voice writing to outputPath.
func (e *Engine) Args(voice tts.Voice, outputPath string) []string {
	args := []string{"--model", voice.ModelPath}
	if voice.ConfigPath != "" {
		args = append(args, "--config", voice.ConfigPath)
	}
	args = append(args, "--output_file", outputPath)
	if e.quiet {
		args = append(args, "--quiet")
	}
	return append(args, e.extra...)
}

// Run synthesizes text with voice. The returned error is non-nil only when the
// process could not be started or ctx ended before it exited; in the latter case
// the whole process group has been killed.
func (e *Engine) Run(ctx context.Context, text string, voice tts.Voice) (tts.Outcome, error) {
	workDir, err := afero.TempDir(e.fs, e.tempDir, fmt.Sprintf("piper-%d-", os.Getpid()))
	if err != nil {
		return tts.Outcome{}, fmt.Errorf("create output dir: %w", err)
	}
	defer e.cleanup(ctx, workDir)

	outPath := filepath.Join(workDir, outputName)
	outcome := tts.Outcome{OutputPath: outPath}

	stderr := tts.NewDiagnosticBuffer(e.maxStderr)

	cmd := exec.CommandContext(ctx, e.exe, e.Args(voice, outPath)...)
	cmd.Stdin = strings.NewReader(text)
	cmd.Stderr = stderr
	cmd.WaitDelay = e.waitDelay
	prepareProcessGroup(cmd)

	start := time.Now()
	runErr := cmd.Run()
	outcome.Stderr = stderr.String()

	if ctxErr := ctx.Err(); ctxErr != nil {
		e.log.WarnContext(ctx, "piper process terminated",
			slog.String("voice", voice.ID),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("reason", ctxErr.Error()),
		)
		return outcome, fmt.Errorf("piper: %w", ctxErr)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return outcome, fmt.Errorf("run piper: %w", runErr)
		}
		outcome.ExitCode = exitErr.ExitCode()
	}

	e.log.DebugContext(ctx, "piper process exited",
		slog.String("voice", voice.ID),
		slog.Int("exit_code", outcome.ExitCode),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("stderr_truncated", stderr.Truncated()),
	)

	if outcome.ExitCode != 0 {
		return outcome, nil
	}

	data, readErr := afero.ReadFile(e.fs, outPath)
	if readErr != nil {
		outcome.OutputErr = fmt.Errorf("read piper output: %w", readErr)
		return outcome, nil
	}
	outcome.Audio = data

	return outcome, nil
}

func (e *Engine) cleanup(ctx context.Context, dir string) {
	err := e.fs.RemoveAll(dir)
	if err != nil && !os.IsNotExist(err) {
		e.log.WarnContext(ctx, "remove piper output dir",
			slog.String("path", dir),
			slog.String("error", err.Error()),
		)
	}
}
