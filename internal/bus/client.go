package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/go-piper-tts/internal/tts"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// RemoteError is a failure reported by a responder.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote synthesis failed (%s): %s", e.Kind, e.Message)
}

// Client sends synthesis requests to responders on a subject.
type Client struct {
	conn    *nats.Conn
	subject string
}

func NewClient(conn *nats.Conn, subject string) *Client {
	return &Client{conn: conn, subject: subject}
}

type reply struct {
	tts.Payload
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// Synthesize sends req and waits for the reply until ctx ends. Each request
// carries a fresh Request-Id header which responders log.
func (c *Client) Synthesize(ctx context.Context, req tts.Request) (tts.Payload, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return tts.Payload{}, fmt.Errorf("encode request: %w", err)
	}

	msg := nats.NewMsg(c.subject)
	msg.Header.Set(requestIDHeader, uuid.NewString())
	msg.Data = data

	resp, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return tts.Payload{}, fmt.Errorf("request %s: %w", c.subject, err)
	}

	var r reply
	if err := json.Unmarshal(resp.Data, &r); err != nil {
		return tts.Payload{}, fmt.Errorf("decode reply: %w", err)
	}
	if r.Error != "" {
		return tts.Payload{}, &RemoteError{Kind: r.Kind, Message: r.Error}
	}

	return r.Payload, nil
}
