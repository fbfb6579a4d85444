package tts

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

// DefaultMaxDiagnosticBytes caps how much of an engine's stderr is kept.
const DefaultMaxDiagnosticBytes = 4096

// DiagnosticBuffer is an io.Writer that keeps the first limit bytes written to it
// and counts the rest. Writes never fail, so a chatty process is never blocked.
type DiagnosticBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped int
}

func NewDiagnosticBuffer(limit int) *DiagnosticBuffer {
	if limit <= 0 {
		limit = DefaultMaxDiagnosticBytes
	}
	return &DiagnosticBuffer{limit: limit}
}

func (b *DiagnosticBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.buf.Len()
	switch {
	case room <= 0:
		b.dropped += len(p)
	case len(p) > room:
		b.buf.Write(p[:room])
		b.dropped += len(p) - room
	default:
		b.buf.Write(p)
	}

	return len(p), nil
}

// Truncated reports whether any bytes were dropped.
func (b *DiagnosticBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

// String returns the kept text, trimmed, with a marker when output was dropped.
func (b *DiagnosticBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := strings.TrimSpace(strings.ToValidUTF8(b.buf.String(), ""))
	if b.dropped > 0 {
		s += fmt.Sprintf("\n... (truncated, %d more bytes)", b.dropped)
	}
	return s
}
