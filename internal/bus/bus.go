// Package bus exposes the synthesis pipeline as a NATS request/reply service.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/go-piper-tts/internal/tts"
	"github.com/nats-io/nats.go"
)

const (
	// QueueGroup spreads requests across every responder on the subject.
	QueueGroup = "pipertts"

	requestIDHeader = "Request-Id"

	defaultTimeout = 60 * time.Second

	drainPollInterval = 5 * time.Millisecond
)

// Synthesizer runs one synthesis request. *tts.Service implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error)
}

// ErrorReply is sent back instead of a payload when a request fails.
type ErrorReply struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Connect dials the NATS servers in url (comma separated).
func Connect(url string, log *slog.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, errors.New("no NATS url configured")
	}

	conn, err := nats.Connect(url,
		nats.Name("pipertts"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))
	return conn, nil
}

// ResponderOptions configures a Responder.
type ResponderOptions struct {
	Subject string
	// Timeout bounds each synthesis. Zero uses 60s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Responder answers synthesis requests published on a subject.
type Responder struct {
	conn    *nats.Conn
	synth   Synthesizer
	subject string
	timeout time.Duration
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewResponder(parent context.Context, conn *nats.Conn, synth Synthesizer, opts ResponderOptions) *Responder {
	ctx, cancel := context.WithCancel(parent)

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Responder{
		conn:    conn,
		synth:   synth,
		subject: opts.Subject,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		log:     log.With(slog.String("component", "bus-responder")),
	}
}

// Start subscribes to the subject in the shared queue group.
func (r *Responder) Start() error {
	if r.subject == "" {
		return errors.New("no subject configured")
	}

	sub, err := r.conn.QueueSubscribe(r.subject, QueueGroup, r.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	r.sub = sub

	r.log.Info("listening for synthesis requests",
		slog.String("subject", r.subject),
		slog.String("queue", QueueGroup),
	)
	return nil
}

// Close stops accepting requests and waits for in-flight ones to finish.
// Messages already delivered to the subscription are still served; the
// wait for them is bounded by the connection's drain timeout.
func (r *Responder) Close() {
	if r.sub != nil {
		if err := r.sub.Drain(); err == nil {
			r.waitDrained()
		}
	}

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.wg.Wait()
	r.cancel()
}

// waitDrained blocks until the subscription has handed every pending message
// to handleRequest and been removed.
func (r *Responder) waitDrained() {
	timeout := r.conn.Opts.DrainTimeout
	if timeout <= 0 {
		timeout = nats.DefaultDrainTimeout
	}
	deadline := time.Now().Add(timeout)
	for r.sub.IsValid() && !r.conn.IsClosed() {
		if time.Now().After(deadline) {
			r.log.Warn("subscription drain timed out", slog.String("subject", r.subject))
			return
		}
		time.Sleep(drainPollInterval)
	}
}

// Healthy reports whether the responder is subscribed over a live connection.
func (r *Responder) Healthy() bool {
	return r.sub != nil && r.sub.IsValid() && r.conn.Status() == nats.CONNECTED
}

func (r *Responder) handleRequest(msg *nats.Msg) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.Warn("dropping request received after close", slog.String("subject", msg.Subject))
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.serve(msg)
	}()
}

func (r *Responder) serve(msg *nats.Msg) {
	receivedAt := time.Now()
	requestID := ""
	if msg.Header != nil {
		requestID = msg.Header.Get(requestIDHeader)
	}

	var req tts.Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.log.Warn("failed to decode synthesis request",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		r.reply(msg, ErrorReply{Error: "invalid request", Kind: tts.KindMissingInput.String()})
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	res, err := r.synth.Synthesize(ctx, req)
	if err != nil {
		kind, public := tts.Classify(err)
		r.log.Warn("synthesis request failed",
			slog.String("request_id", requestID),
			slog.String("voice", req.Voice),
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
		r.reply(msg, ErrorReply{Error: public, Kind: kind.String()})
		return
	}

	r.log.Info("synthesis request served",
		slog.String("request_id", requestID),
		slog.String("voice", res.Voice),
		slog.Int("wav_bytes", res.Size),
		slog.Int64("duration_ms", time.Since(receivedAt).Milliseconds()),
	)
	r.reply(msg, tts.Encode(res, receivedAt))
}

func (r *Responder) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		r.log.Warn("failed to marshal reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.log.Warn("failed to publish reply", slog.String("error", err.Error()))
	}
}
