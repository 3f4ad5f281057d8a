package consumer

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/natsclient"
	"github.com/veilhealth/exposure-service/internal/store"
)

const (
	subjectHourly = "SYSTEM_EVENTS.cron.hourly"
	subjectDaily  = "SYSTEM_EVENTS.cron.daily"
	tickQueue     = "exposure-cron-consumer"

	// pendingGraceMillis is how long a pending report may sit before the
	// reconciler assumes its event was lost and resubmits it.
	pendingGraceMillis = 10 * 60 * 1000
)

// Sweeper runs the daily retention pass.
type Sweeper interface {
	Sweep(ctx context.Context) model.CleanupLog
}

// TickConsumer listens for cron ticks and runs the scheduled work: the
// retention sweep on the daily tick and pending-report reconciliation on
// the hourly one.
type TickConsumer struct {
	nats    *natsclient.Client
	store   store.Store
	proc    ReportProcessor
	sweeper Sweeper
	log     *zap.Logger

	now func() int64
}

// NewTickConsumer constructs a TickConsumer.
func NewTickConsumer(nc *natsclient.Client, st store.Store, p ReportProcessor, sw Sweeper, logger *zap.Logger) *TickConsumer {
	return &TickConsumer{
		nats:    nc,
		store:   st,
		proc:    p,
		sweeper: sw,
		log:     logger,
		now:     model.NowMillis,
	}
}

// Start subscribes to the cron subjects and processes ticks until ctx is
// cancelled.
func (c *TickConsumer) Start(ctx context.Context) error {
	// Cron ticks are plain NATS subjects, not JetStream. A queue
	// subscription makes sure only one service instance acts on each tick.
	if _, err := c.nats.Conn.QueueSubscribe(subjectDaily, tickQueue, func(msg *nats.Msg) {
		c.processDaily(ctx)
	}); err != nil {
		return err
	}
	if _, err := c.nats.Conn.QueueSubscribe(subjectHourly, tickQueue, func(msg *nats.Msg) {
		c.processHourly(ctx)
	}); err != nil {
		return err
	}

	c.log.Info("cron tick consumer started",
		zap.String("daily_subject", subjectDaily),
		zap.String("hourly_subject", subjectHourly),
		zap.String("queue", tickQueue),
	)

	go func() {
		<-ctx.Done()
		c.log.Info("cron tick consumer stopping")
	}()

	return nil
}

// processDaily runs the retention sweep. The sweeper logs its own summary
// and writes the cleanup record.
func (c *TickConsumer) processDaily(ctx context.Context) {
	c.log.Info("received daily cron tick")
	c.sweeper.Sweep(ctx)
}

// processHourly resubmits pending reports whose processing event never
// arrived.
func (c *TickConsumer) processHourly(ctx context.Context) {
	c.log.Info("received hourly cron tick")

	resubmitted, err := c.reconcilePending(ctx)
	if err != nil {
		c.log.Error("pending report reconciliation failed", zap.Error(err))
		return
	}
	if resubmitted > 0 {
		c.log.Info("resubmitted stalled reports", zap.Int("count", resubmitted))
	} else {
		c.log.Debug("no stalled pending reports")
	}
}

// reconcilePending scans for reports stuck in pending past the grace window
// and runs them through the pipeline directly. Processing is idempotent, so
// racing a late event delivery is harmless.
func (c *TickConsumer) reconcilePending(ctx context.Context) (int, error) {
	cutoff := c.now() - pendingGraceMillis
	docs, err := c.store.Query(ctx, model.CollectionReports,
		store.Where("status", store.OpEqual, string(model.StatusPending)).
			And("reportedAt", store.OpLessOrEqual, cutoff))
	if err != nil {
		return 0, err
	}

	resubmitted := 0
	for _, doc := range docs {
		if err := c.proc.ProcessReport(ctx, doc.ID); err != nil {
			c.log.Warn("stalled report resubmission failed",
				zap.String("reportId", doc.ID),
				zap.Error(err))
			continue
		}
		resubmitted++
	}
	return resubmitted, nil
}
