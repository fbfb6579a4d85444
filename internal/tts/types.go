// Package tts implements the synthesis pipeline: voice resolution, engine
// invocation, result validation and transport encoding.
package tts

import (
	"context"
	"time"
)

// Request is a single synthesis request as received from a transport.
type Request struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// Voice is a synthesis model profile selectable by key.
type Voice struct {
	ID         string `json:"id" yaml:"id"`
	ModelPath  string `json:"model" yaml:"model"`
	ConfigPath string `json:"config,omitempty" yaml:"config"`
	SampleRate int    `json:"sample_rate" yaml:"sample_rate"`
	License    string `json:"license,omitempty" yaml:"license"`
}

// Outcome is what an engine run left behind. The temporary output file named by
// OutputPath has already been removed when an Engine returns.
type Outcome struct {
	ExitCode   int
	Stderr     string
	OutputPath string
	Audio      []byte

	// OutputErr is set when the process exited zero but its output could not be read.
	OutputErr error
}

// Engine runs one synthesis as a subordinate process.
//
// Run returns a nil error whenever the process ran to completion, even when it
// failed; the Outcome carries the exit status. A non-nil error means the process
// could not be run at all or ctx ended first.
type Engine interface {
	Run(ctx context.Context, text string, voice Voice) (Outcome, error)
}

// Result is a validated synthesis ready for encoding.
type Result struct {
	Audio      []byte
	Size       int
	SampleRate int
	Channels   int
	BitDepth   int
	Voice      string
	Elapsed    time.Duration
}
