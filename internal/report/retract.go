package report

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/veilhealth/exposure-service/internal/batch"
	"github.com/veilhealth/exposure-service/internal/hashing"
	"github.com/veilhealth/exposure-service/internal/model"
	"github.com/veilhealth/exposure-service/internal/store"
)

// Retract withdraws a report. Every notification it produced is tombstoned
// with deletedAt rather than removed, recipients get a deletion push, and
// the report document itself is deleted last so a crash leaves the report
// discoverable for a retry.
func (s *Service) Retract(ctx context.Context, uid, reportID string) error {
	if uid == "" {
		return fmt.Errorf("%w: missing caller identity", store.ErrUnauthenticated)
	}
	if reportID == "" {
		return fmt.Errorf("%w: reportId is required", store.ErrInvalidArgument)
	}
	rep, err := s.loadReport(ctx, reportID)
	if err != nil {
		return err
	}
	if rep.ReporterID != hashing.ReportHash(uid) {
		return fmt.Errorf("%w: caller does not own this report", store.ErrPermissionDenied)
	}

	docs, err := s.store.Query(ctx, model.CollectionNotifications,
		store.Where("reportId", store.OpEqual, reportID))
	if err != nil {
		return fmt.Errorf("scan notifications: %w", err)
	}

	now := s.now()
	type target struct {
		id        string
		recipient string
	}
	var fresh []target

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
		decodable := true
		if err := model.FromDoc(doc.Data, &n); err != nil {
			// Tombstone it anyway; only the push needs the body.
			s.log.Warn("tombstoning undecodable notification",
				zap.String("notificationId", doc.ID),
				zap.Error(err))
			decodable = false
		}
		if decodable && n.DeletedAt != 0 {
			continue
		}
		if b.Len() >= store.MaxBatchOps {
			if err := flush(); err != nil {
				return fmt.Errorf("tombstone notifications: %w", err)
			}
		}
		if err := b.Update(model.CollectionNotifications, doc.ID, map[string]any{
			"deletedAt": now,
			"updatedAt": now,
		}); err != nil {
			return fmt.Errorf("stage tombstone: %w", err)
		}
		if decodable && n.RecipientID != "" {
			fresh = append(fresh, target{id: doc.ID, recipient: n.RecipientID})
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("tombstone notifications: %w", err)
	}

	// Tell the recipients their notice is gone. Best effort: push failures
	// never block the retraction.
	if len(fresh) > 0 {
		seen := make(map[string]struct{}, len(fresh))
		hashes := make([]string, 0, len(fresh))
		for _, t := range fresh {
			if _, dup := seen[t.recipient]; dup {
				continue
			}
			seen[t.recipient] = struct{}{}
			hashes = append(hashes, t.recipient)
		}
		userDocs, err := s.store.QueryIn(ctx, model.CollectionUsers, "hashedNotificationId", hashes)
		if err != nil {
			s.log.Warn("recipient lookup failed, skipping deletion pushes",
				zap.String("reportId", reportID),
				zap.Error(err))
		} else {
			byHash := make(map[string]pushTarget, len(userDocs))
			for _, ud := range userDocs {
				var u model.User
				if err := model.FromDoc(ud.Data, &u); err != nil {
					continue
				}
				byHash[u.HashedNotificationID] = pushTarget{uid: ud.ID, token: u.FCMToken}
			}

			fb := batch.NewFCMBatcher(s.sender, s.log)
			var pushUIDs []string
			for _, t := range fresh {
				rec, ok := byHash[t.recipient]
				if !ok || rec.token == "" {
					continue
				}
				fb.Add(batch.PendingPush{
					Token:          rec.token,
					NotificationID: t.id,
					Type:           model.TypeReportDeleted,
				})
				pushUIDs = append(pushUIDs, rec.uid)
			}
			if fb.Len() > 0 {
				res := fb.Send(ctx)
				s.clearDeadTokens(ctx, res, pushUIDs)
			}
		}
	}

	if err := s.store.Delete(ctx, model.CollectionReports, reportID); err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	s.log.Info("report retracted",
		zap.String("reportId", reportID),
		zap.Int("tombstoned", len(fresh)))
	return nil
}

type pushTarget struct {
	uid   string
	token string
}
