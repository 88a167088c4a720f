// Package events publishes terminal session lifecycle events.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Event types.
const (
	SessionStarted  = "session.started"
	SessionEnded    = "session.ended"
	WorkspaceReady  = "workspace.fetched"
	WorkspaceFailed = "workspace.failed"
)

// Event is the JSON payload published for every lifecycle change.
type Event struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Publisher receives session events. Implementations must be safe for
// concurrent use and must not block the caller on network I/O.
type Publisher interface {
	Publish(ev Event)
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close()        {}

const streamName = "WEBTERM_EVENTS"

// NATSPublisher publishes events to NATS JetStream under webterm.events.<type>.
type NATSPublisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSPublisher connects to natsURL and ensures the event stream exists.
func NewNATSPublisher(natsURL string) (*NATSPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("webterm"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{"webterm.events.>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		// Stream may already exist, that's OK
		log.Printf("events: stream setup: %v", err)
	}

	return &NATSPublisher{nc: nc, js: js}, nil
}

// Subject returns the subject an event type is published on.
func Subject(eventType string) string {
	return "webterm.events." + eventType
}

// Publish implements Publisher. Delivery is asynchronous and best-effort.
func (p *NATSPublisher) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("events: marshal %s: %v", ev.Type, err)
		return
	}
	if _, err := p.js.PublishAsync(Subject(ev.Type), data); err != nil {
		log.Printf("events: publish %s for session %s: %v", ev.Type, ev.SessionID, err)
	}
}

// Close flushes pending publishes and closes the connection.
func (p *NATSPublisher) Close() {
	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(2 * time.Second):
		log.Printf("events: %d publishes still pending at close", p.js.PublishAsyncPending())
	}
	p.nc.Close()
}
