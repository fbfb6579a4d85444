package piper

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/example/go-piper-tts/internal/testutil"
	"github.com/example/go-piper-tts/internal/tts"
)

var amy = tts.Voice{ID: "amy", ModelPath: "/root/voices/en_US-amy-medium.onnx", SampleRate: 22050}

func newTestEngine(t *testing.T, stub testutil.StubEngine, opts Options) (*Engine, string) {
	t.Helper()

	tempDir := t.TempDir()
	opts.ExecutablePath = stub.Path
	opts.TempDir = tempDir
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	}

	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return e, tempDir
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%s): %v", dir, err)
	}
	if len(entries) != 0 {
		t.Errorf("temporary output left behind in %s: %d entries", dir, len(entries))
	}
}

func TestRun_Success(t *testing.T) {
	stub := testutil.WriteStubEngine(t, testutil.StubOptions{})
	e, tempDir := newTestEngine(t, stub, Options{})

	outcome, err := e.Run(context.Background(), "Hello world", amy)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.ExitCode != 0 || outcome.OutputErr != nil {
		t.Fatalf("outcome = exit %d, output error %v; want clean exit", outcome.ExitCode, outcome.OutputErr)
	}
	if len(outcome.Audio) != 5000 {
		t.Fatalf("len(Audio) = %d; want 5000", len(outcome.Audio))
	}
	testutil.AssertValidWAV(t, outcome.Audio, 22050)

	if got := stub.Stdin(t); got != "Hello world" {
		t.Errorf("stdin = %q; want %q", got, "Hello world")
	}
	if got := stub.OutputPath(t); got != outcome.OutputPath {
		t.Errorf("engine wrote to %q; outcome reports %q", got, outcome.OutputPath)
	}
	if n := stub.Invocations(t); n != 1 {
		t.Errorf("invocations = %d; want 1", n)
	}

	assertEmptyDir(t, tempDir)
	if _, err := os.Stat(outcome.OutputPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("output %s still exists (stat err %v)", outcome.OutputPath, err)
	}
}

func TestRun_NonZeroExitCapturesDiagnostic(t *testing.T) {
	stub := testutil.WriteStubEngine(t, testutil.StubOptions{
		ExitCode: 1,
		Stderr:   "model load failed",
		NoOutput: true,
	})
	e, tempDir := newTestEngine(t, stub, Options{})

	outcome, err := e.Run(context.Background(), "Hello", amy)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.ExitCode != 1 {
		t.Errorf("ExitCode = %d; want 1", outcome.ExitCode)
	}
	if outcome.Stderr != "model load failed" {
		t.Errorf("Stderr = %q", outcome.Stderr)
	}
	if len(outcome.Audio) != 0 {
		t.Errorf("len(Audio) = %d; want 0", len(outcome.Audio))
	}

	kind, msg := tts.Classify(tts.Validate(outcome, tts.DefaultMinAudioBytes))
	if kind != tts.KindProcess || !strings.Contains(msg, "model load failed") {
		t.Errorf("Classify = %v, %q; want process failure with diagnostic", kind, msg)
	}

	assertEmptyDir(t, tempDir)
}

func TestRun_MissingOutputAfterSuccess(t *testing.T) {
	stub := testutil.WriteStubEngine(t, testutil.StubOptions{NoOutput: true})
	e, tempDir := newTestEngine(t, stub, Options{})

	outcome, err := e.Run(context.Background(), "Hello", amy)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.ExitCode != 0 {
		t.Errorf("ExitCode = %d; want 0", outcome.ExitCode)
	}
	if !errors.Is(outcome.OutputErr, os.ErrNotExist) {
		t.Fatalf("OutputErr = %v; want os.ErrNotExist", outcome.OutputErr)
	}

	var procErr *tts.ProcessError
	if err := tts.Validate(outcome, tts.DefaultMinAudioBytes); !errors.As(err, &procErr) {
		t.Errorf("Validate() = %v; want *tts.ProcessError", err)
	}

	assertEmptyDir(t, tempDir)
}

func TestRun_StderrIsBounded(t *testing.T) {
	stub := testutil.WriteStubEngine(t, testutil.StubOptions{
		ExitCode: 2,
		Stderr:   strings.Repeat("x", 500),
		NoOutput: true,
	})
	e, _ := newTestEngine(t, stub, Options{MaxStderrBytes: 64})

	outcome, err := e.Run(context.Background(), "Hello", amy)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.ExitCode != 2 {
		t.Errorf("ExitCode = %d; want 2", outcome.ExitCode)
	}
	if !strings.Contains(outcome.Stderr, "(truncated, ") {
		t.Errorf("Stderr missing truncation marker: %q", outcome.Stderr)
	}
	if len(outcome.Stderr) >= 128 {
		t.Errorf("len(Stderr) = %d; want < 128", len(outcome.Stderr))
	}
}

func TestRun_TimeoutKillsProcessAndCleansUp(t *testing.T) {
	stub := testutil.WriteStubEngine(t, testutil.StubOptions{Sleep: 10 * time.Second})
	e, tempDir := newTestEngine(t, stub, Options{WaitDelay: 500 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Run(ctx, "Hello", amy)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() = %v; want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Errorf("Run took %v; process group was not killed", elapsed)
	}
	if kind, _ := tts.Classify(err); kind != tts.KindTimeout {
		t.Errorf("Classify kind = %v; want timeout", kind)
	}

	assertEmptyDir(t, tempDir)
}

func TestRun_MissingExecutable(t *testing.T) {
	e, err := New(Options{ExecutablePath: "/nonexistent/piper", TempDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = e.Run(context.Background(), "Hello", amy)
	if err == nil {
		t.Fatal("Run() succeeded with a missing executable")
	}

	kind, msg := tts.Classify(err)
	if kind != tts.KindUnexpected || msg != "internal error" {
		t.Errorf("Classify = %v, %q; want unexpected, internal error", kind, msg)
	}
}

func TestRun_ConcurrentRequestsUseDistinctOutputs(t *testing.T) {
	stub := testutil.WriteStubEngine(t, testutil.StubOptions{})
	e, tempDir := newTestEngine(t, stub, Options{})

	type result struct {
		path string
		err  error
	}
	results := make(chan result, 4)
	for i := 0; i < 4; i++ {
		go func() {
			outcome, err := e.Run(context.Background(), "Hello", amy)
			results <- result{path: outcome.OutputPath, err: err}
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Run: %v", r.err)
		}
		if seen[r.path] {
			t.Errorf("output path %s reused", r.path)
		}
		seen[r.path] = true
	}

	assertEmptyDir(t, tempDir)
}

func TestArgs(t *testing.T) {
	e, err := New(Options{Quiet: true, ExtraArgs: `--length_scale 1.2 --sentence_silence "0.3"`})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voice := amy
	voice.ConfigPath = "/root/voices/en_US-amy-medium.onnx.json"

	got := e.Args(voice, "/tmp/out.wav")
	want := []string{
		"--model", "/root/voices/en_US-amy-medium.onnx",
		"--config", "/root/voices/en_US-amy-medium.onnx.json",
		"--output_file", "/tmp/out.wav",
		"--quiet",
		"--length_scale", "1.2", "--sentence_silence", "0.3",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Args() = %q\nwant     %q", got, want)
	}
	if e.Executable() != DefaultExecutable {
		t.Errorf("Executable() = %q; want %q", e.Executable(), DefaultExecutable)
	}
}

func TestNew_RejectsUnbalancedExtraArgs(t *testing.T) {
	if _, err := New(Options{ExtraArgs: `--speaker "unterminated`}); err == nil {
		t.Fatal("New() accepted unbalanced quotes in extra args")
	}
}
