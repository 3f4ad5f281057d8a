package report

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/batch"
	"github.com/veilhealth/exposure-service/internal/cache"
	"github.com/veilhealth/exposure-service/internal/hashing"
	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/sti"
	"github.com/veilhealth/exposure-service/internal/store"
)

// ProcessReport handles one report-created trigger delivery. Concurrent
// deliveries for the same report collapse into a single run; a re-delivery
// that finds the report already finished returns without side effects.
func (s *Service) ProcessReport(ctx context.Context, reportID string) error {
	_, err, shared := s.processGroup.Do(reportID, func() (any, error) {
		return nil, s.processOnce(ctx, reportID)
	})
	if shared {
		s.log.Info("concurrent trigger delivery collapsed", zap.String("reportId", reportID))
	}
	return err
}

func (s *Service) processOnce(ctx context.Context, reportID string) error {
	var rep model.Report
	claimed := false
	err := s.store.RunTransaction(ctx, func(tx store.Tx) error {
		claimed = false
		doc, err := tx.Get(ctx, model.CollectionReports, reportID)
		if err != nil {
			return err
		}
		if err := model.FromDoc(doc.Data, &rep); err != nil {
			return fmt.Errorf("decode report: %w", err)
		}
		switch rep.Status {
		case model.StatusCompleted, model.StatusFailed:
			return nil
		case model.StatusPending:
			claimed = true
			return tx.Update(ctx, model.CollectionReports, reportID,
				map[string]any{"status": string(model.StatusProcessing)})
		case model.StatusProcessing:
			// A previous attempt died mid-run. The pipeline is idempotent,
			// so resume rather than abandon the report.
			claimed = true
			return nil
		default:
			return fmt.Errorf("%w: report in unknown status %q", store.ErrInternal, rep.Status)
		}
	})
	if errors.Is(err, store.ErrNotFound) {
		// The report was retracted before the trigger got here.
		s.log.Warn("report vanished before processing", zap.String("reportId", reportID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim report: %w", err)
	}
	if !claimed {
		s.log.Info("report already processed", zap.String("reportId", reportID))
		return nil
	}

	var procErr error
	switch rep.TestResult {
	case model.ResultPositive:
		procErr = s.processPositive(ctx, reportID, rep)
	case model.ResultNegative:
		procErr = s.processNegative(ctx, reportID, rep)
	default:
		procErr = fmt.Errorf("unknown test result %q", rep.TestResult)
	}

	now := s.now()
	if procErr != nil {
		s.log.Error("report processing failed",
			zap.String("reportId", reportID),
			zap.Error(procErr))
		patch := map[string]any{
			"status":      string(model.StatusFailed),
			"error":       procErr.Error(),
			"processedAt": now,
		}
		if err := s.store.Update(ctx, model.CollectionReports, reportID, patch); err != nil {
			s.log.Error("failed to record processing failure",
				zap.String("reportId", reportID),
				zap.Error(err))
		}
		return fmt.Errorf("%w: report processing failed", store.ErrInternal)
	}

	patch := map[string]any{
		"status":      string(model.StatusCompleted),
		"processedAt": now,
	}
	if err := s.store.Update(ctx, model.CollectionReports, reportID, patch); err != nil {
		return fmt.Errorf("finalize report: %w", err)
	}
	return nil
}

func (s *Service) processPositive(ctx context.Context, reportID string, rep model.Report) error {
	res, err := s.prop.Propagate(ctx, reportID, rep)
	if err != nil {
		return fmt.Errorf("propagate: %w", err)
	}
	upd, err := s.propagateStatus(ctx, rep, model.TestPositive)
	if err != nil {
		return err
	}
	s.log.Info("positive report processed",
		zap.String("reportId", reportID),
		zap.Int("reached", res.Reached),
		zap.Int("created", res.NotificationsCreated),
		zap.Int("updated", res.NotificationsUpdated),
		zap.Int("statusUpdates", upd.updated),
		zap.Int("statusPushes", upd.pushed))
	return nil
}

func (s *Service) processNegative(ctx context.Context, reportID string, rep model.Report) error {
	if rep.NotificationID != "" {
		s.answerNotification(ctx, rep)
	}
	upd, err := s.propagateStatus(ctx, rep, model.TestNegative)
	if err != nil {
		return err
	}
	s.log.Info("negative report processed",
		zap.String("reportId", reportID),
		zap.Int("statusUpdates", upd.updated),
		zap.Int("statusPushes", upd.pushed))
	return nil
}

// answerNotification flips the caller's node to NEGATIVE on the specific
// notification they replied to and retags it as an update. Best effort: a
// missing or foreign notification is logged and skipped.
func (s *Service) answerNotification(ctx context.Context, rep model.Report) {
	doc, err := s.store.Get(ctx, model.CollectionNotifications, rep.NotificationID)
	if err != nil {
		s.log.Warn("answered notification not found",
			zap.String("notificationId", rep.NotificationID),
			zap.Error(err))
		return
	}
	var n model.Notification
	if err := model.FromDoc(doc.Data, &n); err != nil {
		s.log.Warn("skipping undecodable notification",
			zap.String("notificationId", rep.NotificationID),
			zap.Error(err))
		return
	}
	if n.RecipientID != rep.ReporterNotificationHashedID {
		s.log.Warn("answered notification does not belong to reporter",
			zap.String("notificationId", rep.NotificationID))
		return
	}

	patch := map[string]any{
		"type":      string(model.TypeUpdate),
		"updatedAt": s.now(),
	}
	chainData, changed, err := mutateCurrentUserNode(n.ChainData, model.TestNegative, nil)
	if err != nil {
		s.log.Warn("skipping notification with unreadable chain data",
			zap.String("notificationId", rep.NotificationID),
			zap.Error(err))
		return
	}
	if changed {
		patch["chainData"] = chainData
	}
	if err := s.store.Update(ctx, model.CollectionNotifications, rep.NotificationID, patch); err != nil {
		s.log.Warn("failed to update answered notification",
			zap.String("notificationId", rep.NotificationID),
			zap.Error(err))
	}
}

// scanOutcome summarizes one status propagation pass.
type scanOutcome struct {
	updated int
	pushed  int
}

// propagateStatus rewrites the reporter's node in every chain that passes
// through them and notifies downstream recipients when an intermediary
// changed. The reporter's chain-domain hash locates the node; chains where
// they are node zero are their own fanout and stay untouched. Document
// updates commit in batches before any push goes out.
func (s *Service) propagateStatus(ctx context.Context, rep model.Report, status model.TestStatus) (scanOutcome, error) {
	chainHash := hashing.ChainHash(rep.ReporterInteractionHashedID)
	docs, err := s.store.Query(ctx, model.CollectionNotifications,
		store.Where("chainPath", store.OpArrayContains, chainHash))
	if err != nil {
		return scanOutcome{}, fmt.Errorf("scan chain paths: %w", err)
	}

	users := cache.NewUserCache(s.store, "hashedNotificationId", cache.DefaultUserEntries)
	fb := batch.NewFCMBatcher(s.sender, s.log)
	var pushUIDs []string
	var out scanOutcome
	now := s.now()

	b := s.store.Batch()
	flush := func() error {
		if b.Len() == 0 {
			return nil
		}
		if err := b.Commit(ctx); err != nil {
			return err
		}
		b = s.store.Batch()
		return nil
	}

	for _, doc := range docs {
		var n model.Notification
		if err := model.FromDoc(doc.Data, &n); err != nil {
			s.log.Warn("skipping undecodable notification",
				zap.String("notificationId", doc.ID),
				zap.Error(err))
			continue
		}
		if n.DeletedAt != 0 {
			continue
		}
		// Status only travels along chains that disclose their STI set, and
		// only when the sets overlap. An STI-less negative applies to all.
		if len(n.STIType) == 0 {
			continue
		}
		if len(rep.STITypes) > 0 && !sti.Intersects(n.STIType, rep.STITypes) {
			continue
		}

		idx := indexOf(n.ChainPath, chainHash)
		if idx <= 0 {
			continue
		}

		var tested []string
		if status == model.TestPositive {
			tested = sti.Intersection(n.STIType, rep.STITypes)
		}
		chainData, changed, err := mutateNodeAt(n.ChainData, idx, status, tested)
		if err != nil {
			s.log.Warn("skipping notification with unreadable chain data",
				zap.String("notificationId", doc.ID),
				zap.Error(err))
			continue
		}
		if !changed {
			continue
		}

		if b.Len() >= store.MaxBatchOps {
			if err := flush(); err != nil {
				return out, fmt.Errorf("commit status updates: %w", err)
			}
		}
		if err := b.Update(model.CollectionNotifications, doc.ID, map[string]any{
			"chainData": chainData,
			"updatedAt": now,
		}); err != nil {
			return out, fmt.Errorf("stage status update: %w", err)
		}
		out.updated++

		if idx >= len(n.ChainPath)-1 {
			continue
		}
		rec, found, err := users.Lookup(ctx, n.RecipientID)
		if err != nil {
			s.log.Warn("recipient lookup failed, skipping push",
				zap.String("notificationId", doc.ID),
				zap.Error(err))
			continue
		}
		if !found || rec.User.FCMToken == "" {
			continue
		}
		fb.Add(batch.PendingPush{
			Token:          rec.User.FCMToken,
			NotificationID: doc.ID,
			Type:           model.TypeUpdate,
		})
		pushUIDs = append(pushUIDs, rec.UID)
	}

	if err := flush(); err != nil {
		return out, fmt.Errorf("commit status updates: %w", err)
	}
	if fb.Len() > 0 {
		res := fb.Send(ctx)
		out.pushed = res.SuccessCount
		s.clearDeadTokens(ctx, res, pushUIDs)
	}
	return out, nil
}

// mutateNodeAt rewrites one node's status inside a chainData payload. The
// index refers to the chainPath position, which mirrors the node list.
func mutateNodeAt(chainData string, idx int, status model.TestStatus, testedPositiveFor []string) (string, bool, error) {
	viz, err := model.DecodeChainData(chainData)
	if err != nil {
		return "", false, err
	}
	if idx < 0 || idx >= len(viz.Nodes) {
		return "", false, fmt.Errorf("node index %d out of range for %d nodes", idx, len(viz.Nodes))
	}
	node := viz.Nodes[idx]
	if node.TestStatus == status && sameStrings(node.TestedPositiveFor, testedPositiveFor) {
		return chainData, false, nil
	}
	viz.Nodes[idx].TestStatus = status
	if status == model.TestPositive {
		viz.Nodes[idx].TestedPositiveFor = testedPositiveFor
	} else {
		viz.Nodes[idx].TestedPositiveFor = nil
	}
	encoded, err := model.EncodeChainData(viz)
	if err != nil {
		return "", false, err
	}
	return encoded, true, nil
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
