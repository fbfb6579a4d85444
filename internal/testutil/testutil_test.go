package testutil_test

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-piper-tts/internal/testutil"
)

func TestWAVFixture(t *testing.T) {
	data := testutil.WAVFixture(t)
	if len(data) != 5000 {
		t.Fatalf("fixture size = %d; want 5000", len(data))
	}
	testutil.AssertValidWAV(t, data, testutil.FixtureSampleRate)
}

func TestRequirePiper_SkipsWhenAbsent(t *testing.T) {
	t.Setenv("PIPERTTS_TTS_PIPER_PATH", "/nonexistent/piper-binary")

	skipped := false
	fakeT := &skipTracker{TB: t, onSkip: func() { skipped = true }}
	testutil.RequirePiper(fakeT)
	if !skipped {
		t.Error("expected RequirePiper to skip when binary is absent")
	}
}

func TestRequireVoiceModel_SkipsWhenAbsent(t *testing.T) {
	t.Setenv("PIPERTTS_PATHS_VOICES_DIR", t.TempDir())

	skipped := false
	fakeT := &skipTracker{TB: t, onSkip: func() { skipped = true }}
	testutil.RequireVoiceModel(fakeT, "en_US-amy-medium")
	if !skipped {
		t.Error("expected RequireVoiceModel to skip when the model is absent")
	}
}

func TestStubEngine_WritesFixtureAndRecords(t *testing.T) {
	stub := testutil.WriteStubEngine(t, testutil.StubOptions{Stderr: "loading model"})

	out := filepath.Join(t.TempDir(), "out.wav")
	cmd := exec.Command(stub.Path, "--model", "amy.onnx", "--output_file", out)
	cmd.Stdin = strings.NewReader("Hello world")
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("run stub: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	testutil.AssertValidWAV(t, data, testutil.FixtureSampleRate)

	if got := stub.Invocations(t); got != 1 {
		t.Errorf("Invocations = %d; want 1", got)
	}
	if got := stub.Stdin(t); got != "Hello world" {
		t.Errorf("Stdin = %q", got)
	}
	if got := stub.OutputPath(t); got != out {
		t.Errorf("OutputPath = %q; want %q", got, out)
	}
	if !strings.Contains(stderr.String(), "loading model") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestStubEngine_ExitCode(t *testing.T) {
	stub := testutil.WriteStubEngine(t, testutil.StubOptions{ExitCode: 3, NoOutput: true})

	err := exec.Command(stub.Path, "--output_file", filepath.Join(t.TempDir(), "x.wav")).Run()

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
		t.Fatalf("run stub err = %v; want exit status 3", err)
	}
}

// skipTracker is a minimal testing.TB implementation that intercepts Skip calls.
type skipTracker struct {
	testing.TB
	onSkip func()
}

func (s *skipTracker) Helper() {}

func (s *skipTracker) Skip(_ ...any) {
	s.onSkip()
}

func (s *skipTracker) Skipf(_ string, _ ...any) {
	s.onSkip()
	// Do NOT call s.TB.Skip, that would actually skip the outer test.
}
