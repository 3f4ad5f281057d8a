// Package consumer runs the asynchronous side of the service: the JetStream
// pull consumer that turns report-created events into processing runs, and
// the cron tick consumer that drives retention sweeps and pending-report
// reconciliation.
//
// Acknowledgment contract:
//   - msg.Ack() once processing reaches a terminal report status.
//   - msg.Nak() requeues transient failures; msg.Term() discards poison pills.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/events"
	"github.com/veilhealth/exposure-service/internal/natsclient"
	"github.com/veilhealth/exposure-service/internal/store"
	"github.com/veilhealth/exposure-service/internal/telemetry"
)

// reportDurable identifies this consumer group in JetStream. All service
// replicas share the durable name so each event is processed once.
const reportDurable = "report-processing-consumer"

// ReportProcessor runs the processing pipeline for one report.
type ReportProcessor interface {
	ProcessReport(ctx context.Context, reportID string) error
}

// ReportConsumer feeds report-created events into the processing pipeline.
type ReportConsumer struct {
	nats    *natsclient.Client
	proc    ReportProcessor
	metrics *telemetry.Metrics
	log     *zap.Logger
	tracer  trace.Tracer
}

// NewReportConsumer constructs a ReportConsumer.
func NewReportConsumer(nc *natsclient.Client, p ReportProcessor, m *telemetry.Metrics, logger *zap.Logger) *ReportConsumer {
	return &ReportConsumer{
		nats:    nc,
		proc:    p,
		metrics: m,
		log:     logger,
		tracer:  otel.Tracer("report-consumer"),
	}
}

// Start creates a durable pull subscription and launches the processing loop
// in a background goroutine. It returns immediately. The REPORT_EVENTS
// stream must exist before Start is called (ProvisionStreams guarantees
// that).
func (c *ReportConsumer) Start(ctx context.Context) error {
	sub, err := c.nats.JS.PullSubscribe(
		natsclient.SubjectReportCreated,
		reportDurable,
		nats.BindStream(natsclient.StreamReportEvents),
	)
	if err != nil {
		return fmt.Errorf("report consumer: PullSubscribe: %w", err)
	}

	c.log.Info("report consumer initialised",
		zap.String("stream", natsclient.StreamReportEvents),
		zap.String("durable", reportDurable),
		zap.String("subject", natsclient.SubjectReportCreated),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.log.Info("report consumer stopping")
				return
			default:
				msgs, err := sub.Fetch(10, nats.Context(ctx))
				if err != nil {
					// Fetch returns nats.ErrTimeout on empty queue — not an error.
					continue
				}
				for _, msg := range msgs {
					c.processMessage(ctx, msg)
				}
			}
		}
	}()

	return nil
}

// processMessage dispatches a single NATS message and handles ACK/NAK/Term.
// processEvent stays free of NATS so the dispatch logic is unit-testable.
func (c *ReportConsumer) processMessage(ctx context.Context, msg *nats.Msg) {
	err := c.processEvent(ctx, msg.Data)
	if err != nil {
		var poison *poisonPillError
		switch {
		case errors.As(err, &poison):
			// Malformed — terminate so it is never redelivered.
			c.log.Warn("terminating poison-pill report event", zap.Error(err))
			msg.Term()
		case errors.Is(err, store.ErrInternal):
			// The pipeline recorded the failure on the report document;
			// a redelivery would find the terminal status and do nothing.
			c.log.Error("report processing failed terminally", zap.Error(err))
			c.metrics.ReportFailed(ctx)
			msg.Ack()
		default:
			// Transient error — NAK to redeliver after back-off.
			c.log.Error("NAK report event (transient error)", zap.Error(err))
			msg.Nak()
		}
		return
	}
	c.metrics.ReportProcessed(ctx)
	msg.Ack()
}

// processEvent decodes one report-created event and runs the pipeline.
// Returns a *poisonPillError for structurally invalid messages and a plain
// error for failures worth redelivering.
func (c *ReportConsumer) processEvent(ctx context.Context, data []byte) error {
	var ev events.ReportCreatedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return &poisonPillError{msg: fmt.Sprintf("unmarshal event: %v", err)}
	}
	if ev.ReportID == "" {
		return &poisonPillError{msg: "reportId is empty"}
	}

	ctx, span := c.tracer.Start(ctx, "report.process")
	defer span.End()

	if err := c.proc.ProcessReport(ctx, ev.ReportID); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// poisonPillError wraps structural parse failures. processMessage terminates
// (rather than NAKs) messages wrapped in this type.
type poisonPillError struct{ msg string }

func (e *poisonPillError) Error() string { return "poison pill: " + e.msg }
