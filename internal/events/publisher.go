// Package events publishes node lifecycle events to NATS JetStream so
// external observers (dashboards, auditors) can follow the forest
// without touching the tree queue.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectTreeCreated = "weft.tree.created"
	SubjectNodeCreated = "weft.node.created"
	SubjectNodeState   = "weft.node.state"
)

// NodeEvent is the wire form of one lifecycle event.
type NodeEvent struct {
	NodeID    string    `json:"node_id"`
	RootID    string    `json:"root_id"`
	ChatID    string    `json:"chat_id"`
	State     string    `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher writes lifecycle events to a JetStream stream. A nil
// Publisher is valid and drops everything, so callers need no nil
// checks when NATS is not configured.
type Publisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Config holds NATS configuration.
type Config struct {
	URL        string        `yaml:"url"`
	StreamName string        `yaml:"stream_name"`
	Timeout    time.Duration `yaml:"timeout"`
}

// NewPublisher connects to NATS and ensures the weft stream exists.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "WEFT"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streamConfig := &nats.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{"weft.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err := js.StreamInfo(cfg.StreamName); err != nil {
		if _, err := js.AddStream(streamConfig); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("Created JetStream stream: %s", cfg.StreamName)
	}

	log.Printf("Connected to NATS at %s", cfg.URL)
	return &Publisher{conn: nc, js: js}, nil
}

// Publish sends one event, fire-and-forget. Publish failures are logged,
// never surfaced: lifecycle events are observability, not state.
func (p *Publisher) Publish(subject string, event NodeEvent) {
	if p == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Events] Failed to marshal event for %s: %v", subject, err)
		return
	}
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		log.Printf("[Events] Failed to publish %s: %v", subject, err)
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
