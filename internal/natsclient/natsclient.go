// Package natsclient wraps the NATS connection shared by the event
// publisher, the report consumer and the cron machinery, and provisions
// the JetStream stream that report lifecycle events land on.
package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamReportEvents is the durable stream that captures report
	// lifecycle events.
	StreamReportEvents = "REPORT_EVENTS"
	// SubjectReports is the wildcard subject hierarchy for report events.
	SubjectReports = "reports.>"
	// SubjectReportCreated carries one event per accepted report; the
	// processing consumer is driven from it.
	SubjectReportCreated = "reports.created"
)

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	Log  *zap.Logger
}

// NewClient connects to NATS and initialises a JetStream context.
func NewClient(url string, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	logger.Info("NATS JetStream connected", zap.String("url", url))
	return &Client{Conn: nc, JS: js, Log: logger}, nil
}

// Close drains and closes the underlying NATS connection. Drain flushes
// pending publish acknowledgments and in-flight subscription deliveries
// before closing.
func (c *Client) Close() {
	if c.Conn != nil {
		if err := c.Conn.Drain(); err != nil {
			c.Conn.Close()
		}
	}
}

// ProvisionStreams idempotently creates the required JetStream streams.
// Must run before any consumer binds to the stream.
func (c *Client) ProvisionStreams() error {
	_, err := c.JS.StreamInfo(StreamReportEvents)
	if err == nil {
		c.Log.Info("NATS stream exists", zap.String("stream", StreamReportEvents))
		return nil
	}

	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamReportEvents,
		Subjects:  []string{SubjectReports},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	_, err = c.JS.AddStream(cfg)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned", zap.String("stream", StreamReportEvents))
	return nil
}
