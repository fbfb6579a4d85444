// Package testutil provides shared skip helpers and fixtures for tests.
//
// Each Require helper calls t.Skip with a clear human-readable reason when the
// named prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    exe := testutil.RequirePiper(t)
//	    model := testutil.RequireVoiceModel(t, "en_US-amy-medium")
//	    ...
//	}
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/example/go-piper-tts/internal/audio"
)

// FixtureSamples is the sample count of WAVFixture. At 16-bit mono it yields a
// 5000-byte container.
const FixtureSamples = 2478

// FixtureSampleRate is the rate declared by WAVFixture.
const FixtureSampleRate = 22050

// RequirePiper skips the test if the piper binary is not found in PATH or at the
// path given by the PIPERTTS_TTS_PIPER_PATH environment variable. It returns the
// resolved executable path.
func RequirePiper(tb testing.TB) string {
	tb.Helper()

	exe := os.Getenv("PIPERTTS_TTS_PIPER_PATH")
	if exe == "" {
		exe = "piper"
	}

	path, err := exec.LookPath(exe)
	if err != nil {
		tb.Skipf("piper binary not available (%q not in PATH); set PIPERTTS_TTS_PIPER_PATH to override", exe)
		return ""
	}

	return path
}

// RequireVoiceModel skips the test if the Piper model <name>.onnx is not present
// in PIPERTTS_PATHS_VOICES_DIR (default /root/voices). It returns the model path.
func RequireVoiceModel(tb testing.TB, name string) string {
	tb.Helper()

	dir := os.Getenv("PIPERTTS_PATHS_VOICES_DIR")
	if dir == "" {
		dir = "/root/voices"
	}

	path := filepath.Join(dir, name+".onnx")
	if _, err := os.Stat(path); err != nil {
		tb.Skipf("voice model %q not available: %v", path, err)
		return ""
	}

	return path
}

// RequirePOSIXShell skips the test when /bin/sh scripts cannot be executed,
// which the stub engine depends on.
func RequirePOSIXShell(tb testing.TB) {
	tb.Helper()

	if runtime.GOOS == "windows" {
		tb.Skip("stub engine scripts need a POSIX shell")
		return
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		tb.Skipf("/bin/sh not available: %v", err)
	}
}

// WAVFixture returns a silent 5000-byte mono 16-bit WAV at 22050 Hz.
func WAVFixture(tb testing.TB) []byte {
	tb.Helper()

	data, err := audio.EncodeWAV(make([]float32, FixtureSamples), FixtureSampleRate)
	if err != nil {
		tb.Fatalf("encode WAV fixture: %v", err)
	}

	return data
}
