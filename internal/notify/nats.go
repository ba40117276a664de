// Package notify publishes ingest transitions to NATS.
//
// Each committed transition is published as JSON on
// "<prefix>.<to_state lowercased>", for example "curator.jobs.published".
// With JetStream enabled the publish waits for the stream's ack.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/roach88/curator/internal/ingest"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "curator.jobs"

// publisher is the subset of core NATS and JetStream publishing we use.
type publisher interface {
	publish(ctx context.Context, subject string, data []byte) error
}

type corePublisher struct{ conn *nats.Conn }

func (p corePublisher) publish(_ context.Context, subject string, data []byte) error {
	return p.conn.Publish(subject, data)
}

type streamPublisher struct{ js jetstream.JetStream }

func (p streamPublisher) publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(ctx, subject, data)
	return err
}

// Options configures a NATS notifier.
type Options struct {
	URL       string
	Prefix    string
	JetStream bool
	// Stream, when JetStream is set, is created or updated to capture
	// "<prefix>.>".
	Stream  string
	Timeout time.Duration
}

// NATS implements ingest.Notifier.
type NATS struct {
	conn    *nats.Conn
	pub     publisher
	prefix  string
	timeout time.Duration
}

// Connect dials the server and, with JetStream, ensures the stream exists.
func Connect(ctx context.Context, opts Options) (*NATS, error) {
	conn, err := nats.Connect(opts.URL, nats.Name("curator"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	n := &NATS{
		conn:    conn,
		pub:     corePublisher{conn: conn},
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
	}
	if n.prefix == "" {
		n.prefix = DefaultPrefix
	}
	if n.timeout <= 0 {
		n.timeout = 2 * time.Second
	}

	if opts.JetStream {
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		if opts.Stream != "" {
			_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
				Name:     opts.Stream,
				Subjects: []string{n.prefix + ".>"},
			})
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("ensure stream %s: %w", opts.Stream, err)
			}
		}
		n.pub = streamPublisher{js: js}
	}
	return n, nil
}

// Subject returns the subject a transition to state is published on.
func (n *NATS) Subject(state string) string {
	return n.prefix + "." + strings.ToLower(state)
}

// Notify publishes the transition.
func (n *NATS) Notify(ctx context.Context, note ingest.Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	subject := n.Subject(string(note.To))
	if err := n.pub.publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
