package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSForwarder republishes run events to a NATS subject.
type NATSForwarder struct {
	pub     Publisher
	subject string
	logger  *slog.Logger
	conn    *nats.Conn
}

// NewNATSForwarder wraps an existing publisher.
func NewNATSForwarder(pub Publisher, subject string, logger *slog.Logger) *NATSForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSForwarder{pub: pub, subject: subject, logger: logger}
}

// DialNATS connects to url and returns a forwarder that owns the connection.
func DialNATS(url, subject string, logger *slog.Logger) (*NATSForwarder, error) {
	nc, err := nats.Connect(url,
		nats.Name("queryflow"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	f := NewNATSForwarder(nc, subject, logger)
	f.conn = nc
	return f, nil
}

// Handle is a Handler that forwards evt.
func (f *NATSForwarder) Handle(_ context.Context, evt RunCompleted) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	if err := f.pub.Publish(f.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", f.subject, err)
	}
	f.logger.Debug("run event forwarded",
		slog.String("subject", f.subject),
		slog.String("session_id", evt.SessionID),
	)
	return nil
}

// Close drains and closes the connection opened by DialNATS.
func (f *NATSForwarder) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Drain()
}
