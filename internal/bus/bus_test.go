package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/go-piper-tts/internal/tts"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSubject = "tts.synthesize.test"

func runServer(t *testing.T) *server.Server {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	return ns
}

func connect(t *testing.T, ns *server.Server) *nats.Conn {
	t.Helper()

	conn, err := Connect(ns.ClientURL(), discard())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	return conn
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	err   error
	delay time.Duration
}

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrMissingText
	}

	voice := req.Voice
	if voice == "" {
		voice = "amy"
	}
	return &tts.Result{Audio: []byte("RIFF-audio"), Size: 10, SampleRate: 22050, Voice: voice}, nil
}

func startResponder(t *testing.T, conn *nats.Conn, synth Synthesizer, timeout time.Duration) *Responder {
	t.Helper()

	r := NewResponder(context.Background(), conn, synth, ResponderOptions{
		Subject: testSubject,
		Timeout: timeout,
		Logger:  discard(),
	})
	require.NoError(t, r.Start())
	require.NoError(t, conn.Flush())
	t.Cleanup(r.Close)

	return r
}

func TestRoundTrip(t *testing.T) {
	ns := runServer(t)
	conn := connect(t, ns)
	r := startResponder(t, conn, &fakeSynth{}, 0)
	assert.True(t, r.Healthy())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := NewClient(conn, testSubject).Synthesize(ctx, tts.Request{Text: "Hello", Voice: "bryce"})
	require.NoError(t, err)

	assert.Equal(t, "bryce", payload.Voice)
	assert.Equal(t, 10, payload.Size)
	assert.Equal(t, tts.FormatWAV, payload.Format)

	audio, err := tts.DecodePayload(payload)
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("RIFF-audio"), audio))
}

func TestFailureRepliesWithKind(t *testing.T) {
	ns := runServer(t)
	conn := connect(t, ns)
	startResponder(t, conn, &fakeSynth{err: &tts.ProcessError{ExitCode: 1, Diagnostic: "model load failed"}}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewClient(conn, testSubject).Synthesize(ctx, tts.Request{Text: "Hello"})

	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "want RemoteError, got %v", err)
	assert.Equal(t, "process_failed", remote.Kind)
	assert.Equal(t, "TTS process failed: model load failed", remote.Message)
}

func TestMissingTextRepliesWithKind(t *testing.T) {
	ns := runServer(t)
	conn := connect(t, ns)
	startResponder(t, conn, &fakeSynth{}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewClient(conn, testSubject).Synthesize(ctx, tts.Request{Text: "  "})

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "missing_input", remote.Kind)
	assert.Equal(t, "text is required", remote.Message)
}

func TestInvalidJSONRequest(t *testing.T) {
	ns := runServer(t)
	conn := connect(t, ns)
	synth := &fakeSynth{}
	startResponder(t, conn, synth, 0)

	resp, err := conn.Request(testSubject, []byte("{not json"), 5*time.Second)
	require.NoError(t, err)

	var got ErrorReply
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, "invalid request", got.Error)

	synth.mu.Lock()
	defer synth.mu.Unlock()
	assert.Empty(t, synth.texts)
}

func TestTimeoutRepliesWithTimeoutKind(t *testing.T) {
	ns := runServer(t)
	conn := connect(t, ns)
	startResponder(t, conn, &fakeSynth{delay: 5 * time.Second}, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewClient(conn, testSubject).Synthesize(ctx, tts.Request{Text: "Hello"})

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "timeout", remote.Kind)
}

func TestCloseDrainsInFlight(t *testing.T) {
	ns := runServer(t)
	conn := connect(t, ns)

	var served atomic.Int32
	synth := &countingSynth{inner: &fakeSynth{delay: 100 * time.Millisecond}, served: &served}

	r := NewResponder(context.Background(), conn, synth, ResponderOptions{Subject: testSubject, Logger: discard()})
	require.NoError(t, r.Start())
	require.NoError(t, conn.Flush())

	inbox := nats.NewInbox()
	replies, err := conn.SubscribeSync(inbox)
	require.NoError(t, err)
	require.NoError(t, conn.PublishRequest(testSubject, inbox, []byte(`{"text":"Hello"}`)))
	require.NoError(t, conn.Flush())

	// Let the message reach the responder before closing.
	require.Eventually(t, func() bool { return synth.started.Load() > 0 }, 2*time.Second, 5*time.Millisecond)

	r.Close()
	assert.Equal(t, int32(1), served.Load())

	msg, err := replies.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Data), `"voice":"amy"`)
}

type countingSynth struct {
	inner     Synthesizer
	started   atomic.Int32
	cancelled atomic.Int32
	served    *atomic.Int32
}

func (c *countingSynth) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	c.started.Add(1)
	if ctx.Err() != nil {
		c.cancelled.Add(1)
	}
	defer c.served.Add(1)
	return c.inner.Synthesize(ctx, req)
}

func TestCloseServesQueuedBurst(t *testing.T) {
	ns := runServer(t)
	conn := connect(t, ns)
	client := connect(t, ns)

	var served atomic.Int32
	synth := &countingSynth{inner: &fakeSynth{delay: time.Millisecond}, served: &served}

	r := NewResponder(context.Background(), conn, synth, ResponderOptions{Subject: testSubject, Logger: discard()})
	require.NoError(t, r.Start())
	require.NoError(t, conn.Flush())

	inbox := nats.NewInbox()
	replies, err := client.SubscribeSync(inbox)
	require.NoError(t, err)
	require.NoError(t, replies.SetPendingLimits(-1, -1))

	const burst = 500
	for i := 0; i < burst; i++ {
		require.NoError(t, client.PublishRequest(testSubject, inbox, []byte(`{"text":"Hello"}`)))
	}
	require.NoError(t, client.Flush())

	r.Close()
	startedAtClose := synth.started.Load()

	assert.Equal(t, int32(burst), startedAtClose, "every delivered request is served before Close returns")
	assert.Equal(t, int32(burst), served.Load())
	assert.Zero(t, synth.cancelled.Load(), "no request starts with a cancelled context")
	assert.False(t, r.Healthy())

	for i := 0; i < burst; i++ {
		msg, err := replies.NextMsg(5 * time.Second)
		require.NoError(t, err)
		assert.Contains(t, string(msg.Data), `"voice":"amy"`)
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, startedAtClose, synth.started.Load(), "no request starts after Close returns")
}

func TestStartWithoutSubject(t *testing.T) {
	ns := runServer(t)
	conn := connect(t, ns)

	r := NewResponder(context.Background(), conn, &fakeSynth{}, ResponderOptions{Logger: discard()})
	assert.Error(t, r.Start())
	assert.False(t, r.Healthy())
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect("", discard())
	assert.Error(t, err)
}
