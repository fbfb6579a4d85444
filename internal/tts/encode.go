package tts

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// FormatWAV is the container tag reported for every payload.
const FormatWAV = "wav"

var errEmptyPayload = errors.New("payload carries no audio")

// Payload is the JSON transport form of a Result.
type Payload struct {
	Audio      string  `json:"audio"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
	Size       int     `json:"size"`
	Voice      string  `json:"voice"`
	Elapsed    float64 `json:"elapsed"`
}

// Encode wraps res for JSON transport. Elapsed is measured from receivedAt to the
// end of encoding; a zero receivedAt reports the synthesis time instead.
// The audio bytes are never modified.
func Encode(res *Result, receivedAt time.Time) Payload {
	p := Payload{
		Audio:      base64.StdEncoding.EncodeToString(res.Audio),
		Format:     FormatWAV,
		SampleRate: res.SampleRate,
		Size:       len(res.Audio),
		Voice:      res.Voice,
	}

	if receivedAt.IsZero() {
		p.Elapsed = res.Elapsed.Seconds()
	} else {
		p.Elapsed = time.Since(receivedAt).Seconds()
	}

	return p
}

// DecodePayload returns the audio bytes carried by p.
func DecodePayload(p Payload) ([]byte, error) {
	if p.Audio == "" {
		return nil, errEmptyPayload
	}

	data, err := base64.StdEncoding.DecodeString(p.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if p.Size != 0 && len(data) != p.Size {
		return nil, fmt.Errorf("decode audio: got %d bytes, payload declares %d", len(data), p.Size)
	}

	return data, nil
}
