package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSWriter publishes every envelope on "<prefix>.<kind>".
type NATSWriter struct {
	conn   natsPublisher
	prefix string
	close  func()
}

func NewNATSWriter(url, prefix string) (*NATSWriter, error) {
	conn, err := nats.Connect(url, nats.Name("orderpipe"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSWriter{conn: conn, prefix: prefix, close: conn.Close}, nil
}

// NewNATSWriterWith is only for tests to inject a fake connection.
func NewNATSWriterWith(p natsPublisher, prefix string) *NATSWriter {
	return &NATSWriter{conn: p, prefix: prefix}
}

func (w *NATSWriter) Subject(kind string) string {
	if w.prefix == "" {
		return kind
	}
	return w.prefix + "." + kind
}

func (w *NATSWriter) Write(ctx context.Context, e Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := w.conn.Publish(w.Subject(e.Kind), b); err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	return nil
}

func (w *NATSWriter) Close() error {
	if w.close != nil {
		w.close()
	}
	return nil
}
