package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cwbudde/wav"
)

// HeaderSize is the size of a canonical PCM WAV header (RIFF + fmt + data chunk headers).
const HeaderSize = 44

// ErrNotWAV is returned when a byte payload does not parse as a RIFF/WAVE container.
var ErrNotWAV = errors.New("not a WAV container")

// Info describes the format declared by a WAV container header.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Inspect parses the container header of data and reports its declared format.
// It does not decode or validate the samples themselves.
func Inspect(data []byte) (Info, error) {
	if len(data) < HeaderSize {
		return Info{}, fmt.Errorf("%w: %d bytes is shorter than a header", ErrNotWAV, len(data))
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Info{}, ErrNotWAV
	}

	return Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}, nil
}
