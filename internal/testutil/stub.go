package testutil

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// StubOptions scripts the behaviour of a stub synthesis engine.
type StubOptions struct {
	// ExitCode is the status the stub exits with.
	ExitCode int
	// Stderr is printed to standard error before exiting.
	Stderr string
	// Sleep delays the stub before it writes output.
	Sleep time.Duration
	// NoOutput leaves the output file untouched.
	NoOutput bool
	// Audio is copied to the output file. Defaults to WAVFixture.
	Audio []byte
}

// StubEngine is a shell script that mimics the Piper command line. It reads text
// on stdin, writes audio to the path given by --output_file and records every
// invocation under Dir.
type StubEngine struct {
	Path string
	Dir  string
}

// WriteStubEngine writes an executable stub engine into a fresh temp dir.
func WriteStubEngine(tb testing.TB, opts StubOptions) StubEngine {
	tb.Helper()
	RequirePOSIXShell(tb)

	dir := tb.TempDir()
	stub := StubEngine{Path: filepath.Join(dir, "piper"), Dir: dir}

	audioData := opts.Audio
	if audioData == nil {
		audioData = WAVFixture(tb)
	}
	writeFile(tb, filepath.Join(dir, "fixture.wav"), audioData, 0o644)
	writeFile(tb, filepath.Join(dir, "stderr.txt"), []byte(opts.Stderr), 0o644)

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "dir='%s'\n", dir)
	b.WriteString(`out=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "--output_file" ]; then out="$arg"; fi
  prev="$arg"
done
echo call >> "$dir/calls"
printf '%s\n' "$*" > "$dir/args"
printf '%s' "$out" > "$dir/output_path"
cat > "$dir/stdin"
if [ -s "$dir/stderr.txt" ]; then cat "$dir/stderr.txt" >&2; fi
`)
	if opts.Sleep > 0 {
		fmt.Fprintf(&b, "sleep %d\n", int(math.Ceil(opts.Sleep.Seconds())))
	}
	if !opts.NoOutput {
		b.WriteString(`if [ -n "$out" ]; then cp "$dir/fixture.wav" "$out"; fi` + "\n")
	}
	fmt.Fprintf(&b, "exit %d\n", opts.ExitCode)

	writeFile(tb, stub.Path, []byte(b.String()), 0o755)

	return stub
}

// Invocations reports how many times the stub has run.
func (s StubEngine) Invocations(tb testing.TB) int {
	tb.Helper()

	data, err := os.ReadFile(filepath.Join(s.Dir, "calls"))
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		tb.Fatalf("read stub calls: %v", err)
	}

	return strings.Count(string(data), "call\n")
}

// Stdin returns the text the last invocation received.
func (s StubEngine) Stdin(tb testing.TB) string {
	tb.Helper()
	return s.read(tb, "stdin")
}

// Args returns the argument list of the last invocation.
func (s StubEngine) Args(tb testing.TB) []string {
	tb.Helper()
	return strings.Fields(s.read(tb, "args"))
}

// OutputPath returns the --output_file value of the last invocation.
func (s StubEngine) OutputPath(tb testing.TB) string {
	tb.Helper()
	return s.read(tb, "output_path")
}

func (s StubEngine) read(tb testing.TB, name string) string {
	tb.Helper()

	data, err := os.ReadFile(filepath.Join(s.Dir, name))
	if err != nil {
		tb.Fatalf("read stub %s: %v", name, err)
	}

	return string(data)
}

func writeFile(tb testing.TB, path string, data []byte, perm os.FileMode) {
	tb.Helper()

	// #nosec G306 -- The stub must be executable by the test process.
	if err := os.WriteFile(path, data, perm); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
}
