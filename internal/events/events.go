// Package events publishes report lifecycle events onto the REPORT_EVENTS
// JetStream stream. Publishing happens after the report document commits,
// so a consumer always finds the document its event points at.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/natsclient"
)

// ReportCreatedEvent is the envelope published for each accepted report.
type ReportCreatedEvent struct {
	ReportID   string `json:"reportId"`
	TestResult string `json:"testResult"`
	OccurredAt int64  `json:"occurredAt"`
}

// Publisher emits events through the shared NATS client.
type Publisher struct {
	nats *natsclient.Client
	log  *zap.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(nc *natsclient.Client, logger *zap.Logger) *Publisher {
	return &Publisher{nats: nc, log: logger}
}

// ReportCreated publishes a report-created event and waits for the
// JetStream acknowledgment.
func (p *Publisher) ReportCreated(ctx context.Context, reportID string, result model.TestResult) error {
	ev := ReportCreatedEvent{
		ReportID:   reportID,
		TestResult: string(result),
		OccurredAt: model.NowMillis(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal report event: %w", err)
	}

	if _, err := p.nats.JS.Publish(natsclient.SubjectReportCreated, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish report event: %w", err)
	}

	p.log.Debug("report event published",
		zap.String("subject", natsclient.SubjectReportCreated),
		zap.String("reportId", reportID))
	return nil
}
