package tts

import "fmt"

// DefaultMinAudioBytes is the smallest payload accepted as real audio. A bare
// WAV header is 44 bytes, so anything below this carries no usable speech.
const DefaultMinAudioBytes = 100

// Validate checks an engine outcome. A non-zero exit or missing output is a
// *ProcessError; a clean exit with too little audio is ErrGenerationFailed.
func Validate(o Outcome, minBytes int) error {
	if o.ExitCode != 0 {
		return &ProcessError{ExitCode: o.ExitCode, Diagnostic: o.Stderr}
	}

	if o.OutputErr != nil {
		return &ProcessError{
			ExitCode:   0,
			Diagnostic: fmt.Sprintf("synthesis engine produced no output: %v", o.OutputErr),
			Err:        o.OutputErr,
		}
	}

	if len(o.Audio) < minBytes {
		return fmt.Errorf("%w: %d bytes is below the %d byte minimum", ErrGenerationFailed, len(o.Audio), minBytes)
	}

	return nil
}
