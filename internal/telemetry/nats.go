package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn the writer needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSWriter publishes each event as JSON on a subject. Subscribers get the
// same stream the local writers see.
type NATSWriter struct {
	pub     Publisher
	subject string
	closeFn func() error
}

// ConnectNATS dials url with reconnects that never give up.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// NewNATSWriter wraps pub. When pub is a *nats.Conn, Close drains it.
func NewNATSWriter(pub Publisher, subject string) *NATSWriter {
	w := &NATSWriter{pub: pub, subject: subject}
	if nc, ok := pub.(*nats.Conn); ok {
		w.closeFn = nc.Drain
	}
	return w
}

func (w *NATSWriter) Name() string { return "nats" }

func (w *NATSWriter) Write(ctx context.Context, batch []Event) error {
	for _, ev := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		if err := w.pub.Publish(w.subject, data); err != nil {
			return fmt.Errorf("publish %s: %w", w.subject, err)
		}
	}
	return nil
}

func (w *NATSWriter) Close() error {
	if w.closeFn == nil {
		return nil
	}
	return w.closeFn()
}
