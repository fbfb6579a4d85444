// Package doctor provides environment preflight checks for the synthesis service.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/example/go-piper-tts/internal/tts"
	"github.com/spf13/afero"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// EngineName labels the engine binary in the output.
	EngineName string
	// EngineVersion reports the engine binary version or why it cannot run.
	EngineVersion VersionFunc
	// PythonVersion returns the Python version string (e.g. "3.11.4").
	// Only the pocket-tts backend needs Python.
	PythonVersion VersionFunc
	// SkipPython skips the Python version check.
	SkipPython bool
	// Voices are checked for a model file and, when set, a config file.
	Voices []tts.Voice
	// TempDir must be writable for per-request output files. Empty skips the check.
	TempDir string
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	name := cfg.EngineName
	if name == "" {
		name = "engine"
	}

	// ---- engine binary ----------------------------------------------------
	if cfg.EngineVersion != nil {
		ver, err := cfg.EngineVersion()
		if err != nil {
			res.fail(fmt.Sprintf("%s binary: %v", name, err))
			fmt.Fprintf(w, "%s %s binary: not usable (%v)\n", FailMark, name, err)
		} else {
			fmt.Fprintf(w, "%s %s binary: %s\n", PassMark, name, ver)
		}
	}

	// ---- Python version ---------------------------------------------------
	if cfg.SkipPython || cfg.PythonVersion == nil {
		fmt.Fprintf(w, "%s python version: skipped\n", PassMark)
	} else {
		pyVer, err := cfg.PythonVersion()
		if err != nil {
			res.fail(fmt.Sprintf("python version: %v", err))
			fmt.Fprintf(w, "%s python version: not found (%v)\n", FailMark, err)
		} else if pyErr := checkPythonVersion(pyVer); pyErr != nil {
			res.fail(fmt.Sprintf("python version: %v", pyErr))
			fmt.Fprintf(w, "%s python version %s: %v\n", FailMark, pyVer, pyErr)
		} else {
			fmt.Fprintf(w, "%s python version: %s\n", PassMark, pyVer)
		}
	}

	// ---- voice files ------------------------------------------------------
	for _, v := range cfg.Voices {
		if err := checkFile(fs, v.ModelPath); err != nil {
			res.fail(fmt.Sprintf("voice %s model %q: %v", v.ID, v.ModelPath, err))
			fmt.Fprintf(w, "%s voice %s model: %v\n", FailMark, v.ID, err)
			continue
		}
		if v.ConfigPath != "" {
			if err := checkFile(fs, v.ConfigPath); err != nil {
				res.fail(fmt.Sprintf("voice %s config %q: %v", v.ID, v.ConfigPath, err))
				fmt.Fprintf(w, "%s voice %s config: %v\n", FailMark, v.ID, err)
				continue
			}
		}
		fmt.Fprintf(w, "%s voice %s: %s (%d Hz)\n", PassMark, v.ID, v.ModelPath, v.SampleRate)
	}

	// ---- temp dir -----------------------------------------------------------
	if cfg.TempDir != "" {
		if err := checkWritable(fs, cfg.TempDir); err != nil {
			res.fail(fmt.Sprintf("temp dir %q: %v", cfg.TempDir, err))
			fmt.Fprintf(w, "%s temp dir %s: %v\n", FailMark, cfg.TempDir, err)
		} else {
			fmt.Fprintf(w, "%s temp dir: %s\n", PassMark, cfg.TempDir)
		}
	}

	return res
}

func checkFile(fs afero.Fs, path string) error {
	info, err := fs.Stat(path)
	if err != nil {
		return errors.New("not found")
	}
	if info.IsDir() {
		return errors.New("is a directory")
	}
	if info.Size() == 0 {
		return errors.New("empty file")
	}
	return nil
}

func checkWritable(fs afero.Fs, dir string) error {
	f, err := afero.TempFile(fs, dir, "doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()

	return fs.Remove(name)
}

// CommandVersion returns a VersionFunc that runs exe with args and reports the
// first line of its output.
func CommandVersion(exe string, args ...string) VersionFunc {
	return func() (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		out, err := exec.CommandContext(ctx, exe, args...).CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("%s %s failed: %w", exe, strings.Join(args, " "), err)
		}

		line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
		if line == "" {
			line = "ok"
		}
		return line, nil
	}
}

// pocket-tts supports Python 3.10 through 3.14.
const (
	minPythonMinor = 10
	maxPythonMinor = 15 // exclusive
)

// ProbePythonVersion tries python3 then python and returns the version string.
func ProbePythonVersion() (string, error) {
	for _, bin := range []string{"python3", "python"} {
		out, err := exec.CommandContext(context.Background(), bin, "--version").Output()
		if err != nil {
			continue
		}
		if ver := pythonVersionFromOutput(string(out)); ver != "" {
			return ver, nil
		}
	}

	return "", errors.New("python3/python not found on PATH")
}

// pythonVersionFromOutput extracts "3.11.4" from "Python 3.11.4\n".
func pythonVersionFromOutput(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = strings.TrimSpace(out[:i])
	}
	return strings.TrimPrefix(out, "Python ")
}

// checkPythonVersion returns an error unless ver is a 3.x release pocket-tts
// supports. ver is expected to be a string like "3.11.4".
func checkPythonVersion(ver string) error {
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 3 {
		return fmt.Errorf("requires Python 3, got %d", major)
	}
	if minor < minPythonMinor {
		return fmt.Errorf("requires Python >=3.%d, got 3.%d", minPythonMinor, minor)
	}
	if minor >= maxPythonMinor {
		return fmt.Errorf("requires Python <3.%d, got 3.%d", maxPythonMinor, minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
