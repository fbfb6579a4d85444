package tts

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMissingText rejects a request whose text is empty after trimming.
	ErrMissingText = errors.New("text is required")

	// ErrGenerationFailed marks a process that exited zero but produced
	// implausibly little audio.
	ErrGenerationFailed = errors.New("generation failed")
)

// ProcessError reports a synthesis process that ran but did not succeed.
type ProcessError struct {
	ExitCode   int
	Diagnostic string
	Err        error
}

func (e *ProcessError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("synthesis process exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("synthesis process exited with code %d: %s", e.ExitCode, e.Diagnostic)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Kind is the error class a transport maps to a response status.
type Kind int

const (
	KindUnexpected Kind = iota
	KindMissingInput
	KindProcess
	KindValidation
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindMissingInput:
		return "missing_input"
	case KindProcess:
		return "process_failed"
	case KindValidation:
		return "validation_failed"
	case KindTimeout:
		return "timeout"
	default:
		return "unexpected"
	}
}

// Classify maps a pipeline error to its kind and the message that may be shown
// to a caller. Unexpected errors get a generic message; their detail belongs in
// server logs only.
func Classify(err error) (Kind, string) {
	var procErr *ProcessError

	switch {
	case err == nil:
		return KindUnexpected, ""
	case errors.Is(err, ErrMissingText):
		return KindMissingInput, ErrMissingText.Error()
	case errors.As(err, &procErr):
		if procErr.Diagnostic == "" {
			return KindProcess, fmt.Sprintf("TTS process failed: exit code %d", procErr.ExitCode)
		}
		return KindProcess, "TTS process failed: " + procErr.Diagnostic
	case errors.Is(err, ErrGenerationFailed):
		return KindValidation, ErrGenerationFailed.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout, "synthesis timed out"
	default:
		return KindUnexpected, "internal error"
	}
}
