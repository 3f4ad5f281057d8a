// Package retention removes documents that have aged out of the 180-day
// window, plus expired rate-limit counters, in store-batch sized pages.
package retention

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/store"
)

// DeleteMatching removes every document matching q from collection, committing
// pages of at most store.MaxBatchOps. It returns how many documents were
// deleted; on error the count covers the pages committed before the failure.
func DeleteMatching(ctx context.Context, st store.Store, collection string, q store.Query) (int, error) {
	deleted := 0
	for {
		page, err := st.Query(ctx, collection, q.Limited(store.MaxBatchOps))
		if err != nil {
			return deleted, err
		}
		if len(page) == 0 {
			return deleted, nil
		}

		b := st.Batch()
		for _, doc := range page {
			if err := b.Delete(collection, doc.ID); err != nil {
				return deleted, err
			}
		}
		if err := b.Commit(ctx); err != nil {
			return deleted, err
		}
		deleted += len(page)

		if len(page) < store.MaxBatchOps {
			return deleted, nil
		}
	}
}

// Sweeper is the daily retention job.
type Sweeper struct {
	store store.Store
	log   *zap.Logger

	now func() int64
}

func NewSweeper(st store.Store, log *zap.Logger) *Sweeper {
	return &Sweeper{store: st, log: log, now: model.NowMillis}
}

// Sweep deletes interactions, notifications and reports older than the
// retention floor and rate-limit counters past their expiry, then records a
// summary row in cleanupLogs. A failing collection is logged and skipped so
// one bad page never starves the others; the next run picks up the remainder.
func (s *Sweeper) Sweep(ctx context.Context) model.CleanupLog {
	now := s.now()
	floor := model.RetentionFloor(now)
	summary := model.CleanupLog{Timestamp: now}

	targets := []struct {
		collection string
		field      string
		cutoff     int64
		count      *int
	}{
		{model.CollectionInteractions, "recordedAt", floor, &summary.InteractionsDeleted},
		{model.CollectionNotifications, "receivedAt", floor, &summary.NotificationsDeleted},
		{model.CollectionReports, "reportedAt", floor, &summary.ReportsDeleted},
		{model.CollectionRateLimits, "expiresAt", now, &summary.RateLimitsDeleted},
	}

	for _, t := range targets {
		n, err := DeleteMatching(ctx, s.store, t.collection, store.Where(t.field, store.OpLessOrEqual, t.cutoff))
		*t.count = n
		if err != nil {
			s.log.Warn("retention sweep failed partway through a collection",
				zap.String("collection", t.collection),
				zap.Int("deleted", n),
				zap.Error(err))
		}
	}

	doc, err := model.ToDoc(summary)
	if err == nil {
		err = s.store.Set(ctx, model.CollectionCleanupLogs, newLogID(), doc, false)
	}
	if err != nil {
		s.log.Error("failed to record cleanup log", zap.Error(err))
	}

	s.log.Info("retention sweep finished",
		zap.Int("interactions", summary.InteractionsDeleted),
		zap.Int("notifications", summary.NotificationsDeleted),
		zap.Int("reports", summary.ReportsDeleted),
		zap.Int("rateLimits", summary.RateLimitsDeleted))
	return summary
}

func newLogID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
