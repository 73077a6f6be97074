package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/eventbus"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush,
// which server-sent events require.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// Event is a single server-sent event frame.
type Event struct {
	Type string
	Data string
}

// SetSSEHeaders sets the standard headers required for SSE responses.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Encode converts a bus event into a wire frame. The data field carries the
// JSON encoded payload.
func Encode(ev core.Event) (*Event, error) {
	if ev.Payload == nil {
		return &Event{Type: string(ev.Type), Data: "{}"}, nil
	}
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, err
	}
	return &Event{Type: string(ev.Type), Data: string(data)}, nil
}

// Client writes SSE frames to a single connected subscriber.
type Client struct {
	w       http.ResponseWriter
	flusher http.Flusher
	metrics *Metrics
}

// NewClient wraps w for SSE framing. metrics may be nil.
func NewClient(w http.ResponseWriter, metrics *Metrics) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	// Streams outlive the server's write timeout, so clear the deadline for
	// this connection.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	return &Client{w: w, flusher: flusher, metrics: metrics}, nil
}

// Send writes one event frame and flushes it to the client.
func (c *Client) Send(ev *Event) error {
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data); err != nil {
		return err
	}
	c.flusher.Flush()
	c.metrics.MessageSent(ev.Type)
	return nil
}

// Pump forwards bus events to the client until the subscription closes, the
// request context ends, or a write fails.
func (c *Client) Pump(ctx context.Context, sub *eventbus.Subscription) {
	c.metrics.ClientConnected()
	defer c.metrics.ClientDisconnected()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			frame, err := Encode(ev)
			if err != nil {
				continue
			}
			if err := c.Send(frame); err != nil {
				return
			}
		}
	}
}
