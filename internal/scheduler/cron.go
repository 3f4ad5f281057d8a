// Package scheduler publishes cron tick events to NATS so the tick consumer
// can run scheduled work without embedding its own timers:
//
//	every hour      → SYSTEM_EVENTS.cron.hourly  (pending-report reconciliation)
//	03:00 UTC daily → SYSTEM_EVENTS.cron.daily   (retention sweep)
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/natsclient"
)

const (
	subjectHourly = "SYSTEM_EVENTS.cron.hourly"
	subjectDaily  = "SYSTEM_EVENTS.cron.daily"

	// Six-field specs, seconds first. The daily tick fires at 03:00 UTC,
	// when client traffic is lowest.
	scheduleHourly = "0 0 * * * *"
	scheduleDaily  = "0 0 3 * * *"
)

// cronPayload is the JSON envelope published for each tick.
type cronPayload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
}

// CronScheduler wraps robfig/cron and publishes tick events to NATS.
type CronScheduler struct {
	cron   *cron.Cron
	nats   *natsclient.Client
	logger *zap.Logger
}

// NewCronScheduler creates and configures the scheduler. Schedules are
// evaluated in UTC regardless of the host timezone.
func NewCronScheduler(nc *natsclient.Client, logger *zap.Logger) *CronScheduler {
	return &CronScheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		nats:   nc,
		logger: logger,
	}
}

// Start registers the cron jobs and starts the scheduler.
// Call Stop() to gracefully shut down.
func (s *CronScheduler) Start() error {
	if _, err := s.cron.AddFunc(scheduleHourly, s.publishHourly); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(scheduleDaily, s.publishDaily); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		zap.String("hourly_subject", subjectHourly),
		zap.String("daily_subject", subjectDaily),
	)
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopped")
}

func (s *CronScheduler) publishHourly() {
	s.publish(subjectHourly, "cron.hourly")
}

func (s *CronScheduler) publishDaily() {
	s.publish(subjectDaily, "cron.daily")
}

func (s *CronScheduler) publish(subject, event string) {
	payload := cronPayload{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal cron payload", zap.Error(err))
		return
	}

	// Plain NATS, not JetStream: a tick is an ephemeral signal, and a
	// missed one is absorbed by the next.
	if err := s.nats.Conn.Publish(subject, data); err != nil {
		s.logger.Error("failed to publish cron event",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}

	s.logger.Info("cron tick published",
		zap.String("subject", subject),
		zap.String("event", event),
	)
}
